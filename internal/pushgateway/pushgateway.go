// Copyright 2025 James Ross
package pushgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/bus"
	"github.com/kelsjon3/stablequeue/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// helloMessage is sent once per connection with a snapshot of every
// non-terminal job, so a newly attached client doesn't have to guess
// what's in flight.
type helloMessage struct {
	Type string       `json:"type"`
	Jobs []jobSnapshot `json:"jobs"`
}

type jobSnapshot struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	TargetBackend string `json:"target_backend"`
}

type jobChangedMessage struct {
	Type          string `json:"type"`
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	TargetBackend string `json:"target_backend"`
}

type jobProgressMessage struct {
	Type            string  `json:"type"`
	JobID           string  `json:"job_id"`
	Percent         float64 `json:"percent"`
	PreviewFilename string  `json:"preview_filename,omitempty"`
	CurrentStep     int     `json:"current_step"`
	TotalSteps      int     `json:"total_steps"`
}

type subscribeRequest struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Gateway fans Progress Bus events out to attached WebSocket clients.
// It does not persist subscriptions across reconnects: every client
// re-subscribes from scratch on connect.
type Gateway struct {
	bus          *bus.Bus
	queue        *queue.Store
	log          *zap.Logger
	idleTimeout  time.Duration
	heartbeat    time.Duration

	mu      sync.RWMutex
	clients map[*client]bool
}

func New(b *bus.Bus, q *queue.Store, idleTimeout, heartbeat time.Duration, log *zap.Logger) *Gateway {
	return &Gateway{bus: b, queue: q, log: log, idleTimeout: idleTimeout, heartbeat: heartbeat, clients: make(map[*client]bool)}
}

type client struct {
	gw   *Gateway
	conn *websocket.Conn
	sub  *bus.Subscriber

	mu          sync.Mutex
	jobFilter   string
	writeMu     sync.Mutex
}

// ServeWS upgrades the HTTP connection and begins fanning out events.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{gw: g, conn: conn, sub: g.bus.Subscribe()}
	g.mu.Lock()
	g.clients[c] = true
	g.mu.Unlock()

	if err := c.sendHello(r.Context()); err != nil {
		g.log.Warn("send hello failed", zap.Error(err))
	}

	go c.writePump()
	c.readPump()
}

func (c *client) sendHello(ctx context.Context) error {
	jobs, _, err := c.gw.queue.List(ctx, queue.ListFilter{Limit: 1000})
	if err != nil {
		return err
	}
	hello := helloMessage{Type: "hello"}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		hello.Jobs = append(hello.Jobs, jobSnapshot{JobID: j.JobID, Status: string(j.Status), TargetBackend: j.TargetBackend})
	}
	data, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	return c.writeMessage(data)
}

func (c *client) writeMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// writePump drains the client's bus subscription and forwards matching
// events, applying a periodic protocol heartbeat.
func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.heartbeat)
	defer func() {
		ticker.Stop()
		c.gw.bus.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.sub.Events():
			if !ok {
				return
			}
			if !c.matches(evt) {
				continue
			}
			data, err := encodeEvent(evt)
			if err != nil {
				continue
			}
			if err := c.writeMessage(data); err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readPump reads subscribe_job messages and detects disconnects; idle
// connections beyond the configured timeout are closed.
func (c *client) readPump() {
	defer func() {
		c.gw.mu.Lock()
		delete(c.gw.clients, c)
		c.gw.mu.Unlock()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))

		var req subscribeRequest
		if json.Unmarshal(data, &req) != nil || req.Type != "subscribe_job" {
			continue
		}
		c.mu.Lock()
		c.jobFilter = req.JobID
		c.mu.Unlock()
	}
}

// matches reports whether evt should be delivered to this client: any
// global JobChanged always passes; JobProgress only passes for the
// currently subscribed job_id, or every job if nothing is subscribed.
func (c *client) matches(evt bus.Event) bool {
	c.mu.Lock()
	filter := c.jobFilter
	c.mu.Unlock()
	if filter == "" {
		return true
	}
	switch evt.Kind {
	case bus.JobChangedKind:
		return true
	case bus.JobProgressKind:
		return evt.Frame.JobID == filter
	}
	return false
}

func encodeEvent(evt bus.Event) ([]byte, error) {
	switch evt.Kind {
	case bus.JobChangedKind:
		return json.Marshal(jobChangedMessage{
			Type: "job_changed", JobID: evt.Snapshot.JobID, Status: string(evt.Snapshot.Status), TargetBackend: evt.Snapshot.TargetBackend,
		})
	case bus.JobProgressKind:
		return json.Marshal(jobProgressMessage{
			Type: "job_progress", JobID: evt.Frame.JobID, Percent: evt.Frame.Percent,
			PreviewFilename: evt.Frame.PreviewFilename, CurrentStep: evt.Frame.CurrentStep, TotalSteps: evt.Frame.TotalSteps,
		})
	}
	return nil, nil
}

// ClientCount reports the number of attached subscribers.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}
