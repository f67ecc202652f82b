package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func serverConfig(ep string, withRoute bool) string {
	doc := fmt.Sprintf(`
listen:
  address: 127.0.0.1:0
admin:
  enabled: true
  address: 127.0.0.1:0
logging:
  access_log: false
tenants:
  - id: root
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
routes:
  - {id: list, upstream: items, methods: [GET], path: /items}
`, ep)
	if withRoute {
		doc += "  - {id: orders, upstream: items, methods: [GET], path: /orders}\n"
	}
	return doc
}

func startServer(t *testing.T, doc string) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oagw.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := parseConfig(t, doc)
	srv, err := NewServer(cfg, path)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(5 * time.Second) })
	return srv, path
}

func get(t *testing.T, url string, header ...string) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestServerProxyAndAdmin(t *testing.T) {
	up := newUpstream(t, nil)
	srv, _ := startServer(t, serverConfig(up.endpoint(), false))
	proxyURL := "http://" + srv.ProxyAddr().String()
	adminURL := "http://" + srv.AdminAddr().String()

	resp, body := get(t, proxyURL+ProxyPrefix+"/api.example.com/items", HeaderTenantID, "root")
	if resp.StatusCode != http.StatusOK || body != "hello from /items" {
		t.Fatalf("proxy call: %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, adminURL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if !strings.Contains(body, "oagw_requests_total") {
		t.Error("metrics must expose oagw_requests_total")
	}

	resp, body = get(t, adminURL+"/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d", resp.StatusCode)
	}
	var stats map[string]any
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("stats body: %v", err)
	}
	if stats["upstreams"] != float64(1) {
		t.Errorf("expected 1 upstream in stats, got %v", stats["upstreams"])
	}

	if resp, _ := get(t, adminURL+"/ready"); resp.StatusCode != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := get(t, adminURL+"/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}
}

func TestServerReloadEndpoint(t *testing.T) {
	up := newUpstream(t, nil)
	srv, path := startServer(t, serverConfig(up.endpoint(), false))
	proxyURL := "http://" + srv.ProxyAddr().String()
	adminURL := "http://" + srv.AdminAddr().String()

	if resp, _ := get(t, proxyURL+ProxyPrefix+"/api.example.com/orders", HeaderTenantID, "root"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before reload, got %d", resp.StatusCode)
	}

	if resp, _ := get(t, adminURL+"/reload"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /reload: expected 405, got %d", resp.StatusCode)
	}

	if err := os.WriteFile(path, []byte(serverConfig(up.endpoint(), true)), 0o600); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(adminURL+"/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var result ReloadResult
	json.NewDecoder(resp.Body).Decode(&result)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !result.Success {
		t.Fatalf("reload: %d %+v", resp.StatusCode, result)
	}

	if resp, body := get(t, proxyURL+ProxyPrefix+"/api.example.com/orders", HeaderTenantID, "root"); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after reload, got %d: %s", resp.StatusCode, body)
	}

	if err := os.WriteFile(path, []byte("upstreams: [{id: broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Post(adminURL+"/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("broken config: expected 422, got %d", resp.StatusCode)
	}

	// The running configuration survives a failed reload.
	if resp, _ := get(t, proxyURL+ProxyPrefix+"/api.example.com/orders", HeaderTenantID, "root"); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after failed reload, got %d", resp.StatusCode)
	}

	resp, body := get(t, adminURL+"/reload/status")
	var history []ReloadResult
	if err := json.Unmarshal([]byte(body), &history); err != nil {
		t.Fatalf("reload status: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(history) < 2 {
		t.Errorf("expected at least 2 history entries, got %d", len(history))
	}
}

func TestServerNotReadyWithoutUpstreams(t *testing.T) {
	doc := `
listen:
  address: 127.0.0.1:0
admin:
  enabled: true
  address: 127.0.0.1:0
logging:
  access_log: false
`
	srv, _ := startServer(t, doc)
	resp, _ := get(t, "http://"+srv.AdminAddr().String()+"/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
