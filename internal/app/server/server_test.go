package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newUnstartedTestServer serves the wired handler without binding the
// configured listen address.
func newUnstartedTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

const reloadModule = `
function create(input)
  return { accepted = true, state = { ok = true } }
end
`

const reloadManifest = `name: gate
version: "2"
image: gate.lua
entry_points:
  - create
bindings:
  - table: gates
    operation: insert
    entry_point: create
`

func writeModulesDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gate.lua"), []byte(reloadModule), 0o644); err != nil {
		t.Fatalf("write module image: %v", err)
	}
	manifest := strings.Replace(reloadManifest, `version: "2"`, `version: "1"`, 1)
	if err := os.WriteFile(filepath.Join(dir, "gate.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func TestNewServerRequiresAddrAndDataDir(t *testing.T) {
	if _, err := NewServer(context.Background(), Config{DataDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for empty HTTP address")
	}
	if _, err := NewServer(context.Background(), Config{HTTPAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected error for empty data directory")
	}
}

func TestListenAndServeNilServer(t *testing.T) {
	var s *Server
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
}

func TestNewServerLoadsModulesAndServesGateway(t *testing.T) {
	srv, err := NewServer(context.Background(), Config{
		HTTPAddr:   "127.0.0.1:0",
		DataDir:    t.TempDir(),
		ModulesDir: writeModulesDir(t),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	ts := newUnstartedTestServer(t, srv)
	ws, _, err := websocket.DefaultDialer.Dial(strings.Replace(ts.URL, "http", "ws", 1)+"/ws", nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{
		"type": "mutate", "table": "gates", "key": "g1", "op": "insert",
		"payload": map[string]any{"open": true},
	}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp struct {
		Type     string `json:"type"`
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if resp.Type != "verdict" || !resp.Accepted {
		t.Fatalf("expected accepted verdict from loaded module, got %+v", resp)
	}
}

func TestReloadEndpointSwapsModuleVersion(t *testing.T) {
	modulesDir := writeModulesDir(t)
	srv, err := NewServer(context.Background(), Config{
		HTTPAddr:   "127.0.0.1:0",
		DataDir:    t.TempDir(),
		ModulesDir: modulesDir,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	ts := newUnstartedTestServer(t, srv)

	// Same version is a duplicate and must be refused.
	resp, err := http.Post(ts.URL+"/admin/reload?module=gate", "", nil)
	if err != nil {
		t.Fatalf("post reload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate version, got %d", resp.StatusCode)
	}

	if err := os.WriteFile(filepath.Join(modulesDir, "gate.yaml"), []byte(reloadManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	resp, err = http.Post(ts.URL+"/admin/reload?module=gate", "", nil)
	if err != nil {
		t.Fatalf("post reload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/admin/reload?module=gate")
	if err != nil {
		t.Fatalf("get reload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := NewServer(ctx, Config{HTTPAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(ctx)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}
