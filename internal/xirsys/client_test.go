package xirsys

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return NewClient(Config{
		URL:    ts.URL,
		Secret: "ident:supersecret",
	})
}

func TestClient_FetchOK(t *testing.T) {
	var gotMethod, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"s":"ok","v":{"iceServers":[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]}}`))
	})

	cfg, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Fatalf("method = %s, want PUT", gotMethod)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("ident:supersecret"))
	if gotAuth != wantAuth {
		t.Fatalf("authorization = %q, want %q", gotAuth, wantAuth)
	}

	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ice servers = %v, want 1 entry", cfg.ICEServers)
	}
	s := cfg.ICEServers[0]
	if len(s.URLs) != 1 || s.URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("urls = %v", s.URLs)
	}
	if s.Username != "u" {
		t.Fatalf("username = %q, want u", s.Username)
	}
}

func TestClient_FetchBandwidthExceededFallsBack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"s":"error","v":"bandwidth_limit_exceeded"}`))
	})

	cfg, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := GoogleSTUN()
	if len(cfg.ICEServers) != len(want.ICEServers) {
		t.Fatalf("expected the static fallback, got %v", cfg.ICEServers)
	}
	if cfg.ICEServers[0].URLs[0] != want.ICEServers[0].URLs[0] {
		t.Fatalf("fallback urls = %v", cfg.ICEServers[0].URLs)
	}
}

func TestClient_FetchBandwidthExceededReportsFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"s":"error","v":"bandwidth_limit_exceeded"}`))
	}))
	t.Cleanup(ts.Close)

	fallbacks := 0
	c := NewClient(Config{
		URL:        ts.URL,
		Secret:     "ident:supersecret",
		OnFallback: func() { fallbacks++ },
	})

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fallbacks != 2 {
		t.Fatalf("fallbacks = %d, want 2", fallbacks)
	}

	// Successful fetches must not report a fallback.
	ok := NewClient(Config{
		URL:        newOKServer(t),
		Secret:     "ident:supersecret",
		OnFallback: func() { fallbacks++ },
	})
	if _, err := ok.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fallbacks != 2 {
		t.Fatalf("fallbacks = %d after ok fetch, want 2", fallbacks)
	}
}

func newOKServer(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"s":"ok","v":{"iceServers":[{"urls":["stun:stun.example.com"]}]}}`))
	}))
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestClient_FetchProviderHardFailure(t *testing.T) {
	for _, message := range []string{ErrMsgUnauthorized, ErrMsgNoNamespace, ErrMsgNoService, "something_new"} {
		t.Run(message, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"s":"error","v":"` + message + `"}`))
			})

			_, err := c.Fetch(context.Background())
			var provErr *ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("expected *ProviderError, got %v", err)
			}
			if provErr.Message != message {
				t.Fatalf("message = %q, want %q", provErr.Message, message)
			}
		})
	}
}

func TestClient_FetchGarbageResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestClient_FetchHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Fetch(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestStaticClient_DefaultsToGoogleSTUN(t *testing.T) {
	s := &StaticClient{}
	cfg, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(cfg.ICEServers) == 0 {
		t.Fatalf("expected a non-empty ice server list")
	}
}
