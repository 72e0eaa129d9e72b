// Package xirsys fetches short-lived TURN/STUN credentials from a XIRSYS
// compatible provider.
//
// Credentials are never cached: the provider token is only valid for roughly
// thirty seconds, so callers fetch a fresh ICEConfig per need. When the
// provider reports bandwidth exhaustion the client degrades to a static
// public STUN list instead of failing the caller.
package xirsys

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
)

// ICEConfig is the relay-credential set handed to peers, in the shape
// RTCPeerConnection accepts directly.
type ICEConfig struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// Provider error vocabulary.
const (
	ErrMsgUnauthorized      = "unauthorized"
	ErrMsgNoNamespace       = "no_namespace"
	ErrMsgNoService         = "no_service"
	ErrMsgBandwidthExceeded = "bandwidth_limit_exceeded"
)

// ProviderError is a provider-reported failure that the client cannot
// recover from locally (anything other than bandwidth exhaustion).
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("xirsys: %s", e.Message)
}

// GoogleSTUN is the static fallback credential set used when the provider
// reports bandwidth exhaustion. Public STUN needs no username/token.
func GoogleSTUN() ICEConfig {
	return ICEConfig{
		ICEServers: []webrtc.ICEServer{{
			URLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
				"stun:stun3.l.google.com:19302",
				"stun:stun4.l.google.com:19302",
			},
		}},
	}
}

// Config wires up a Client.
type Config struct {
	// URL is the provider channel endpoint (XIRSYS_URL).
	URL string
	// Secret is the "ident:secret" pair sent as HTTP basic auth (XIRSYS_SECRET).
	Secret string
	// Timeout bounds each provider request. Zero means DefaultTimeout.
	Timeout time.Duration
	// Fallback overrides the credential set used on bandwidth exhaustion.
	// Zero value means GoogleSTUN.
	Fallback ICEConfig
	// HTTPClient overrides the underlying client (tests). Timeout is ignored
	// when set.
	HTTPClient *http.Client

	// OnFallback is called each time the provider reports bandwidth
	// exhaustion and the fallback set is served instead. Optional; used for
	// counting.
	OnFallback func()

	Logger *slog.Logger
}

const DefaultTimeout = 5 * time.Second

// Client talks to the credential provider.
type Client struct {
	url        string
	auth       string
	fallback   ICEConfig
	onFallback func()
	http       *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	fallback := cfg.Fallback
	if len(fallback.ICEServers) == 0 {
		fallback = GoogleSTUN()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        cfg.URL,
		auth:       "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Secret)),
		fallback:   fallback,
		onFallback: cfg.OnFallback,
		http:       httpClient,
		log:        logger,
	}
}

// response is the provider envelope: s is "ok" or "error"; v holds the
// ICEConfig on success or an error message string on failure.
type response struct {
	S string          `json:"s"`
	V json.RawMessage `json:"v"`
}

// Fetch requests a fresh credential set from the provider.
//
// On a provider-reported bandwidth_limit_exceeded the static fallback is
// returned with a nil error; every other provider error surfaces as a
// *ProviderError. Transport and decoding failures are returned as-is.
func (c *Client) Fetch(ctx context.Context) (ICEConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(nil))
	if err != nil {
		return ICEConfig{}, fmt.Errorf("xirsys: build request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("xirsys: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ICEConfig{}, fmt.Errorf("xirsys: read response: %w", err)
	}

	var envelope response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ICEConfig{}, fmt.Errorf("xirsys: decode response: %w", err)
	}

	if envelope.S == "error" {
		var message string
		if err := json.Unmarshal(envelope.V, &message); err != nil {
			return ICEConfig{}, fmt.Errorf("xirsys: decode error message: %w", err)
		}
		if message == ErrMsgBandwidthExceeded {
			c.log.Warn("xirsys bandwidth limit exceeded, falling back to public STUN")
			if c.onFallback != nil {
				c.onFallback()
			}
			return c.fallback, nil
		}
		return ICEConfig{}, &ProviderError{Message: message}
	}

	var iceConfig ICEConfig
	if err := json.Unmarshal(envelope.V, &iceConfig); err != nil {
		return ICEConfig{}, fmt.Errorf("xirsys: decode ice config: %w", err)
	}
	return iceConfig, nil
}

// StaticClient always returns a fixed credential set. It backs dev mode,
// where no provider endpoint is configured.
type StaticClient struct {
	Config ICEConfig
}

func (s *StaticClient) Fetch(ctx context.Context) (ICEConfig, error) {
	cfg := s.Config
	if len(cfg.ICEServers) == 0 {
		cfg = GoogleSTUN()
	}
	return cfg, nil
}
