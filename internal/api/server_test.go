package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/clawinfra/arbnet/internal/config"
	"github.com/clawinfra/arbnet/internal/core"
	"github.com/clawinfra/arbnet/internal/types"
)

type idleBot struct{}

func (idleBot) Run(ctx context.Context, _ map[string]string) error {
	<-ctx.Done()
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *core.Core) {
	t.Helper()

	cfg := config.Default()
	cfg.Prefs.Dir = t.TempDir()
	// A closed port so AI calls fail fast and the pipeline falls back.
	cfg.MCP.RegistryURL = "http://127.0.0.1:1"
	cfg.MCP.ConsciousnessURL = "http://127.0.0.1:1"
	cfg.MCP.MarketAnalyzerURL = "http://127.0.0.1:1"
	cfg.Bots = []config.BotDef{
		{ID: "live_monitor", Name: "Live Monitor", LaunchSpec: "idle", Adapter: "inprocess"},
	}

	c := core.New(cfg, nil)
	c.Supervisor().RegisterProgram("idle", idleBot{})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { c.Shutdown(context.Background()) })

	srv := httptest.NewServer(NewServer(0, c, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, c
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var status core.Status
	resp := getJSON(t, srv.URL+"/api/status", &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !status.Initialized {
		t.Error("platform should report initialized")
	}
	if status.Bots != 1 {
		t.Errorf("bots = %d, want 1", status.Bots)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var m map[string]any
	resp := getJSON(t, srv.URL+"/api/metrics", &m)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, key := range []string{"system", "pipeline", "orchestrator", "hub", "bots"} {
		if _, ok := m[key]; !ok {
			t.Errorf("metrics missing %q", key)
		}
	}
}

func TestBotEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var bots map[string]types.BotDescriptor
	getJSON(t, srv.URL+"/api/bots", &bots)
	if len(bots) != 1 {
		t.Fatalf("bots = %d, want 1", len(bots))
	}

	var desc types.BotDescriptor
	resp := getJSON(t, srv.URL+"/api/bots/live_monitor", &desc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if desc.BotID != "live_monitor" {
		t.Errorf("bot_id = %q", desc.BotID)
	}

	resp = getJSON(t, srv.URL+"/api/bots/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bot status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/bots/live_monitor/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	getJSON(t, srv.URL+"/api/bots/live_monitor", &desc)
	if desc.Status != types.StatusRunning {
		t.Errorf("status after start = %s, want running", desc.Status)
	}

	resp = postJSON(t, srv.URL+"/api/bots/live_monitor/mode", map[string]string{"mode": "supervised"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mode status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/api/bots/live_monitor/mode", map[string]string{"mode": "chaotic"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mode status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/bots/live_monitor/stop", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/bots/live_monitor/teleport", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", resp.StatusCode)
	}
}

func TestOpportunitiesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var ops []types.Opportunity
	resp := getJSON(t, srv.URL+"/api/opportunities?token=ETH&limit=5", &ops)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ops) > 5 {
		t.Errorf("ops = %d, want <= 5", len(ops))
	}

	resp = getJSON(t, srv.URL+"/api/opportunities?limit=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}

	// No token: serves the recent ring, which the scan above populated.
	resp = getJSON(t, srv.URL+"/api/opportunities", &ops)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ring status = %d", resp.StatusCode)
	}
}

func TestProcessEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	// Thin profit with the AI services absent resolves to hold.
	var rec struct {
		Decision *struct {
			Type string `json:"type"`
		} `json:"decision"`
		Success bool `json:"success"`
	}
	resp := postJSON(t, srv.URL+"/api/opportunities/process", types.Opportunity{
		ID: "op1", TokenPair: "ETH/USDC", NetProfitUSD: 10, RiskScore: 0.2,
	}, &rec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rec.Decision == nil || rec.Decision.Type != "hold" {
		t.Errorf("decision = %+v, want hold", rec.Decision)
	}

	resp, err := http.Post(srv.URL+"/api/opportunities/process", "application/json",
		strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", resp.StatusCode)
	}
}

func TestAutonomousEndpoints(t *testing.T) {
	srv, c := newTestServer(t)

	if resp := postJSON(t, srv.URL+"/api/bots/live_monitor/start", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("bot start status = %d", resp.StatusCode)
	}

	resp := postJSON(t, srv.URL+"/api/autonomous/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	for id, d := range c.Service().AllBots() {
		if d.Mode != types.ModeAutonomous {
			t.Errorf("bot %s mode = %s, want autonomous", id, d.Mode)
		}
	}

	resp = postJSON(t, srv.URL+"/api/autonomous/stop", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
}

func TestEmergencyStopEndpoint(t *testing.T) {
	srv, c := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/emergency-stop", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for id, d := range c.Service().AllBots() {
		if d.Mode != types.ModeManual {
			t.Errorf("bot %s mode = %s, want manual", id, d.Mode)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/status", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status = %d, want 405", resp.StatusCode)
	}
	resp = getJSON(t, srv.URL+"/api/emergency-stop", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/emergency-stop = %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	srv, c := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?client_id=c1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := `{"channel":"market","action":"subscribe","symbols":["ETH"]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(sub)); err != nil {
		t.Fatal(err)
	}

	var frame struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "subscription_confirmed" || frame.Channel != "market" {
		t.Errorf("frame = %+v, want market subscription_confirmed", frame)
	}
	if !c.Hub().Subscribed("c1", "market") {
		t.Error("hub should record the market subscription")
	}
}
