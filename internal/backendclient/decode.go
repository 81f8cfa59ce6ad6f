// Copyright 2025 James Ross
package backendclient

import (
	"encoding/base64"
	"strings"
)

// decodeBase64Image strips an optional data URL prefix and decodes the
// remaining base64 payload. Malformed input decodes to nil rather than
// raising, matching fetch_results' tolerance of partial responses.
func decodeBase64Image(s string) []byte {
	if idx := strings.Index(s, ","); idx != -1 && strings.HasPrefix(s, "data:") {
		s = s[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}
