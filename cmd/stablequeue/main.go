// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/audit"
	"github.com/kelsjon3/stablequeue/internal/backendclient"
	"github.com/kelsjon3/stablequeue/internal/bus"
	"github.com/kelsjon3/stablequeue/internal/catalog"
	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/dispatcher"
	"github.com/kelsjon3/stablequeue/internal/httpapi"
	"github.com/kelsjon3/stablequeue/internal/monitor"
	"github.com/kelsjon3/stablequeue/internal/obs"
	"github.com/kelsjon3/stablequeue/internal/pushgateway"
	"github.com/kelsjon3/stablequeue/internal/queue"
	"github.com/kelsjon3/stablequeue/internal/ratelimit"
	"github.com/kelsjon3/stablequeue/internal/reconcile"
	"github.com/kelsjon3/stablequeue/internal/redisclient"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminJobID string
	var adminN int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "server", "Role to run: server|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: list-jobs|list-backends|cancel-job")
	fs.StringVar(&adminJobID, "job-id", "", "Admin cancel-job: target job ID")
	fs.IntVar(&adminN, "n", 20, "Admin list-jobs: max rows")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := queue.Open(ctx, cfg.Storage.Dir+"/queue.db")
	if err != nil {
		logger.Fatal("open queue store", obs.Err(err))
	}
	defer q.Close()

	reg, err := registry.Open(ctx, cfg.Storage.Dir+"/registry.db")
	if err != nil {
		logger.Fatal("open registry store", obs.Err(err))
	}
	defer reg.Close()

	if role == "admin" {
		runAdmin(ctx, q, reg, adminCmd, adminJobID, adminN)
		return
	}

	cat, err := catalog.Open(ctx, cfg.Storage.Dir+"/catalog.db")
	if err != nil {
		logger.Fatal("open catalog store", obs.Err(err))
	}
	defer cat.Close()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	auditLogger, err := audit.New(cfg.Audit)
	if err != nil {
		logger.Fatal("init audit logger", obs.Err(err))
	}
	if auditLogger != nil {
		defer auditLogger.Close()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redisclient.New(cfg)
		defer rdb.Close()
	}
	limiter := ratelimit.New(rdb)

	b := bus.New(256)
	client := backendclient.New(30 * time.Second)
	mon := monitor.New(cfg.Monitor, cfg.Catalog.OutputDir, q, reg, client, b, logger)
	disp := dispatcher.New(cfg.Dispatcher, cfg.CircuitBreaker, q, reg, mon, logger)
	gw := pushgateway.New(b, q, cfg.Push.IdleTimeout, cfg.Push.HeartbeatInterval, logger)
	admissionLayer := admission.New(cfg.Admission, q, reg)

	if err := reconcile.Run(ctx, q, disp, logger); err != nil {
		logger.Error("startup reconciliation failed", obs.Err(err))
	}

	readyCheck := func(c context.Context) error {
		_, err := q.PendingCountByBackend(c)
		return err
	}
	healthSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = healthSrv.Shutdown(context.Background()) }()
	metricsSrv := obs.StartMetricsServer(cfg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, cfg, q, logger)

	apiServer := httpapi.NewServer(cfg, httpapi.Deps{
		Queue:         q,
		Registry:      reg,
		Catalog:       cat,
		CatalogConfig: cfg.Catalog,
		Admission:     admissionLayer,
		Dispatcher:    disp,
		Gateway:       gw,
		Limiter:       limiter,
		Audit:         auditLogger,
		Log:           logger,
	}, []byte(cfg.Admission.HMACSecret))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		_ = apiServer.Shutdown(context.Background())
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(10 * time.Second):
		}
	}()

	go disp.Run(ctx)

	logger.Info("serving", obs.String("addr", apiServer.Addr))
	if err := apiServer.ListenAndServe(); err != nil && ctx.Err() == nil {
		logger.Fatal("api server error", obs.Err(err))
	}
}

func runAdmin(ctx context.Context, q *queue.Store, reg *registry.Store, cmd, jobID string, n int) {
	switch cmd {
	case "list-jobs":
		jobs, total, err := q.List(ctx, queue.ListFilter{Limit: n})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list-jobs: %v\n", err)
			os.Exit(1)
		}
		b, _ := json.MarshalIndent(map[string]interface{}{"total": total, "jobs": jobs}, "", "  ")
		fmt.Println(string(b))
	case "list-backends":
		backends, err := reg.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list-backends: %v\n", err)
			os.Exit(1)
		}
		b, _ := json.MarshalIndent(backends, "", "  ")
		fmt.Println(string(b))
	case "cancel-job":
		if jobID == "" {
			fmt.Fprintln(os.Stderr, "cancel-job requires -job-id")
			os.Exit(1)
		}
		if err := q.Cancel(ctx, jobID); err != nil {
			fmt.Fprintf(os.Stderr, "cancel-job: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("job %s cancelled\n", jobID)
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command %q\n", cmd)
		os.Exit(1)
	}
}
