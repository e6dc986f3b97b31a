package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tariel-x/duocall/internal/call"
	"github.com/tariel-x/duocall/internal/config"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// clientTLS returns nil unless the server certificate must not be verified.
func clientTLS(cfg *config.ClientConfig) *tls.Config {
	if !cfg.InsecureTLS {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}

func newHTTPClient(cfg *config.ClientConfig) *http.Client {
	tlsCfg := clientTLS(cfg)
	if tlsCfg == nil {
		return &http.Client{Timeout: 10 * time.Second}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Timeout: 10 * time.Second, Transport: transport}
}

type clientTimings struct {
	HeartbeatIntervalSec int64 `json:"heartbeat_interval_sec"`
	StaleAfterSec        int64 `json:"stale_after_sec"`
}

type roomInfo struct {
	RoomCode     string    `json:"room_code"`
	CreatedAt    time.Time `json:"created_at"`
	Participants int       `json:"participants"`
	Full         bool      `json:"full"`
	CallActive   bool      `json:"call_active"`
}

func fetchJSON(ctx context.Context, serverURL, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(serverURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("GET %s: %s", path, body.Error)
		}
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// fetchICEConfig falls back to the public defaults when the server does
// not answer.
func fetchICEConfig(ctx context.Context, serverURL string) call.ICEConfig {
	var cfg call.ICEConfig
	if err := fetchJSON(ctx, serverURL, "/api/ice-config", &cfg); err != nil || len(cfg.Servers) == 0 {
		return call.DefaultICEConfig()
	}
	return cfg
}
