package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grantcarthew/wsgate/internal/hooks"
	"github.com/grantcarthew/wsgate/internal/lifecycle"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func echo(ctx context.Context, c *wsconn.Conn) error {
	if err := c.Accept(ctx, ""); err != nil {
		return err
	}
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		if err := c.Send(ctx, msg); err != nil {
			return err
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestNewServer(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Config{Routes: []Route{{Path: "/ws", Handler: echo}}},
			wantErr: false,
		},
		{
			name: "valid config with metrics",
			config: Config{
				Routes:      []Route{{Path: "/ws", Handler: echo}},
				MetricsPath: "/metrics",
			},
			wantErr: false,
		},
		{
			name:    "no routes",
			config:  Config{},
			wantErr: true,
		},
		{
			name:    "route without slash",
			config:  Config{Routes: []Route{{Path: "ws", Handler: echo}}},
			wantErr: true,
		},
		{
			name:    "route without handler",
			config:  Config{Routes: []Route{{Path: "/ws"}}},
			wantErr: true,
		},
		{
			name: "duplicate route",
			config: Config{Routes: []Route{
				{Path: "/ws", Handler: echo},
				{Path: "/ws", Handler: echo},
			}},
			wantErr: true,
		},
		{
			name: "metrics collides with route",
			config: Config{
				Routes:      []Route{{Path: "/metrics", Handler: echo}},
				MetricsPath: "/metrics",
			},
			wantErr: true,
		},
		{
			name: "invalid port",
			config: Config{
				Routes: []Route{{Path: "/ws", Handler: echo}},
				Port:   70000,
			},
			wantErr: true,
		},
		{
			name: "negative message size",
			config: Config{
				Routes:         []Route{{Path: "/ws", Handler: echo}},
				MaxMessageSize: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerStartStop(t *testing.T) {
	srv, err := New(Config{
		Host:   "localhost",
		Port:   0, // Auto-select port
		Routes: []Route{{Path: "/ws", Handler: echo}},
		Logger: discard,
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if !srv.IsRunning() {
		t.Error("Server should be running")
	}
	if srv.Port() == 0 {
		t.Error("Server port should not be 0")
	}
	if !strings.HasPrefix(srv.URL(), "ws://localhost:") {
		t.Errorf("URL() = %q, want ws://localhost:<port>", srv.URL())
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, srv.URL()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(dialCtx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	typ, data, err := conn.Read(dialCtx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if typ != websocket.MessageText || string(data) != "ping" {
		t.Errorf("Read() = %v %q, want text %q", typ, data, "ping")
	}

	// The server closes active connections; keep reading so the close
	// handshake completes.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(dialCtx)
		readErr <- err
	}()

	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}

	if got := websocket.CloseStatus(<-readErr); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
	}
	if srv.IsRunning() {
		t.Error("Server should not be running")
	}

	// Stop is idempotent
	if err := srv.Stop(stopCtx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	srv, err := New(Config{Routes: []Route{{Path: "/ws", Handler: echo}}, Logger: discard})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = srv.Stop(ctx) }()

	if err := srv.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestNonUpgradeRequest(t *testing.T) {
	srv, err := New(Config{Routes: []Route{{Path: "/ws", Handler: echo}}, Logger: discard})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"route without upgrade", "/ws", http.StatusUpgradeRequired},
		{"unknown path", "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRouteHooksReject(t *testing.T) {
	srv, err := New(Config{
		Routes: []Route{{
			Path:    "/chat",
			Handler: echo,
			Hooks:   []lifecycle.Hook{hooks.RequireSubprotocol("chat.v1")},
		}},
		Logger: discard,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(ts.URL)+"/chat", nil)
	if err == nil {
		t.Fatal("Dial() without subprotocol should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL)+"/chat", &websocket.DialOptions{
		Subprotocols: []string{"chat.v1"},
	})
	if err != nil {
		t.Fatalf("Dial() with subprotocol error = %v", err)
	}
	defer conn.CloseNow()

	if got := conn.Subprotocol(); got != "chat.v1" {
		t.Errorf("Subprotocol() = %q, want %q", got, "chat.v1")
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestRequestIDHeader(t *testing.T) {
	sendID := func(ctx context.Context, c *wsconn.Conn) error {
		if err := c.Accept(ctx, ""); err != nil {
			return err
		}
		return c.SendText(ctx, c.ID().String())
	}
	srv, err := New(Config{
		Routes: []Route{{Path: "/id", Handler: sendID}},
		Logger: discard,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	want := uuid.New().String()
	tests := []struct {
		name   string
		header string
		same   bool
	}{
		{name: "valid uuid", header: want, same: true},
		{name: "not a uuid", header: "request-42", same: false},
		{name: "absent", header: "", same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
			if tt.header != "" {
				opts.HTTPHeader.Set(RequestIDHeader, tt.header)
			}
			conn, _, err := websocket.Dial(ctx, wsURL(ts.URL)+"/id", opts)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.CloseNow()

			_, data, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			got := string(data)
			if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("connection id %q is not a uuid", got)
			}
			if (got == want) != tt.same {
				t.Errorf("connection id = %q, header %q, want same = %v", got, tt.header, tt.same)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := hooks.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	srv, err := New(Config{
		Routes:      []Route{{Path: "/ws", Handler: echo}},
		Hooks:       []lifecycle.Hook{m},
		MetricsPath: "/metrics",
		Gatherer:    reg,
		Logger:      discard,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL)+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Completion hooks run after the close handshake; poll for them.
	deadline := time.Now().Add(5 * time.Second)
	for {
		body := get(t, ts.URL+"/metrics")
		if strings.Contains(body, `wsgate_closes_total{code="1000"} 1`) {
			if !strings.Contains(body, `wsgate_connections_total{outcome="accepted"} 1`) {
				t.Errorf("metrics missing accepted connection:\n%s", body)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics never recorded the close:\n%s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStaticDir(t *testing.T) {
	tests := []struct {
		name         string
		files        map[string]string
		path         string
		expectedCode int
		expectedBody string
	}{
		{
			name:         "index.html",
			files:        map[string]string{"index.html": "<html>index.html</html>"},
			path:         "/",
			expectedCode: http.StatusOK,
			expectedBody: "<html>index.html</html>",
		},
		{
			name:         "index.htm fallback",
			files:        map[string]string{"index.htm": "<html>index.htm</html>"},
			path:         "/",
			expectedCode: http.StatusOK,
			expectedBody: "<html>index.htm</html>",
		},
		{
			name:         "file by name",
			files:        map[string]string{"client.js": "connect()"},
			path:         "/client.js",
			expectedCode: http.StatusOK,
			expectedBody: "connect()",
		},
		{
			name:         "directory without index",
			files:        map[string]string{"other.html": "x"},
			path:         "/",
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "missing file",
			files:        map[string]string{},
			path:         "/missing.html",
			expectedCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			for filename, content := range tt.files {
				if err := os.WriteFile(filepath.Join(tmpDir, filename), []byte(content), 0644); err != nil {
					t.Fatalf("Failed to create test file: %v", err)
				}
			}

			srv, err := New(Config{
				Routes:    []Route{{Path: "/ws", Handler: echo}},
				StaticDir: tmpDir,
				Logger:    discard,
			})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			ts := httptest.NewServer(srv.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.expectedCode)
			}
			if tt.expectedBody == "" {
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("Failed to read body: %v", err)
			}
			if string(body) != tt.expectedBody {
				t.Errorf("body = %q, want %q", body, tt.expectedBody)
			}
		})
	}
}

func TestPortAutoDetection(t *testing.T) {
	tests := []struct {
		name string
		host string
	}{
		{"localhost", "localhost"},
		{"127.0.0.1", "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, err := findAvailablePort(tt.host)
			if err != nil {
				t.Fatalf("findAvailablePort() error = %v", err)
			}
			if port == 0 {
				t.Error("Port should not be 0")
			}
			if !isPortAvailable(tt.host, port) {
				t.Errorf("Port %d should be available", port)
			}
		})
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	return string(body)
}
