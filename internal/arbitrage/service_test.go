package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/arbnet/internal/events"
	"github.com/clawinfra/arbnet/internal/supervisor"
	"github.com/clawinfra/arbnet/internal/types"
)

// fakeSource returns fixed quotes per venue.
type fakeSource struct {
	venues []Venue
	quotes map[string]float64 // venue -> price
	err    error
}

func (f *fakeSource) Venues() []Venue { return f.venues }

func (f *fakeSource) Quote(_ context.Context, venue, _ string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	q, ok := f.quotes[venue]
	if !ok {
		return 0, fmt.Errorf("no quote for %s", venue)
	}
	return q, nil
}

func (f *fakeSource) Spread(_ context.Context, _, src, dst string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	s, d := f.quotes[src], f.quotes[dst]
	if s <= 0 {
		return 0, fmt.Errorf("bad quote")
	}
	return (d - s) / s, nil
}

// sleeper is an in-process bot that blocks until cancelled.
type sleeper struct{}

func (sleeper) Run(ctx context.Context, _ map[string]string) error {
	<-ctx.Done()
	return nil
}

func twoVenueSource() *fakeSource {
	return &fakeSource{
		venues: []Venue{
			{Name: "uniswap", Network: "ethereum"},
			{Name: "camelot", Network: "arbitrum"},
		},
		quotes: map[string]float64{"uniswap": 3200, "camelot": 3232}, // 1% spread
	}
}

func newTestService(t *testing.T, src PriceSource) *Service {
	t.Helper()
	sup := supervisor.New(nil)
	sup.RegisterProgram("sleeper", sleeper{})
	bus := events.NewBus(nil)
	return New(Config{PollInterval: 50 * time.Millisecond, Tokens: []string{"ETH"}}, src, sup, bus, nil)
}

func TestRegisterAndStatus(t *testing.T) {
	s := newTestService(t, twoVenueSource())
	if err := s.RegisterBot("b1", "Bot One", "sleeper", "inprocess"); err != nil {
		t.Fatal(err)
	}
	desc, err := s.BotStatus("b1")
	if err != nil {
		t.Fatal(err)
	}
	if desc.Status != types.StatusStopped || desc.Mode != types.ModeManual {
		t.Errorf("new bot = %+v, want stopped/manual", desc)
	}
	if _, err := s.BotStatus("ghost"); !errors.Is(err, ErrBotNotFound) {
		t.Errorf("err = %v, want ErrBotNotFound", err)
	}
	if err := s.RegisterBot("", "x", "y", ""); err == nil {
		t.Error("empty id should be rejected")
	}
}

func TestStartStopBot(t *testing.T) {
	s := newTestService(t, twoVenueSource())
	s.RegisterBot("b1", "Bot One", "sleeper", "inprocess")

	if err := s.StartBot(context.Background(), "b1", nil); err != nil {
		t.Fatalf("StartBot failed: %v", err)
	}
	desc, _ := s.BotStatus("b1")
	if desc.Status != types.StatusRunning {
		t.Errorf("status = %s, want running", desc.Status)
	}

	// Second start is idempotent.
	if err := s.StartBot(context.Background(), "b1", nil); err != nil {
		t.Errorf("second StartBot should succeed: %v", err)
	}

	if err := s.StopBot(context.Background(), "b1"); err != nil {
		t.Fatalf("StopBot failed: %v", err)
	}
	desc, _ = s.BotStatus("b1")
	if desc.Status != types.StatusStopped {
		t.Errorf("status = %s, want stopped", desc.Status)
	}

	// Stopping a stopped bot is a no-op success.
	if err := s.StopBot(context.Background(), "b1"); err != nil {
		t.Errorf("StopBot on stopped bot: %v", err)
	}

	if err := s.StartBot(context.Background(), "ghost", nil); !errors.Is(err, ErrBotNotFound) {
		t.Errorf("err = %v, want ErrBotNotFound", err)
	}
}

func TestGetOpportunities(t *testing.T) {
	s := newTestService(t, twoVenueSource())

	ops, err := s.GetOpportunities(context.Background(), "ETH", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) == 0 {
		t.Fatal("expected at least one opportunity from a 1% spread")
	}

	op := ops[0]
	if op.SourceVenue != "uniswap" || op.TargetVenue != "camelot" {
		t.Errorf("direction = %s→%s, want cheap→rich", op.SourceVenue, op.TargetVenue)
	}
	if op.NetProfitUSD <= 0 {
		t.Errorf("net profit = %v, want positive", op.NetProfitUSD)
	}
	if op.GasCostUSD != gasCostUSD("ethereum")+gasCostUSD("arbitrum") {
		t.Errorf("gas = %v", op.GasCostUSD)
	}
	if op.RiskScore < 0 || op.RiskScore > 1 {
		t.Errorf("risk = %v out of range", op.RiskScore)
	}

	// Retained in the ring.
	if got := s.RecentOpportunities(10); len(got) != len(ops) {
		t.Errorf("ring holds %d, want %d", len(got), len(ops))
	}
	if _, ok := s.FindOpportunity(op.ID); !ok {
		t.Error("FindOpportunity should locate a ring entry")
	}
}

func TestOpportunitiesSortedByNetProfit(t *testing.T) {
	src := &fakeSource{
		venues: []Venue{
			{Name: "a", Network: "arbitrum"},
			{Name: "b", Network: "arbitrum"},
			{Name: "c", Network: "arbitrum"},
		},
		quotes: map[string]float64{"a": 3200, "b": 3210, "c": 3240},
	}
	s := newTestService(t, src)

	ops, err := s.GetOpportunities(context.Background(), "ETH", 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].NetProfitUSD > ops[i-1].NetProfitUSD {
			t.Errorf("opportunities not sorted desc at %d", i)
		}
	}
}

func TestExecuteDirectSuccess(t *testing.T) {
	s := newTestService(t, twoVenueSource())
	op := types.Opportunity{
		ID: "op1", TokenPair: "ETH/USDC",
		SourceVenue: "uniswap", TargetVenue: "camelot",
		SourceNetwork: "ethereum", TargetNetwork: "arbitrum",
		NetProfitUSD: 30, GasCostUSD: 12.8,
	}

	result, err := s.ExecuteDirect(context.Background(), op, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success with open spread", result)
	}
	if result.ProfitUSD != 30 {
		t.Errorf("profit = %v, want 30", result.ProfitUSD)
	}
	if result.ExecutionID == "" {
		t.Error("execution id missing")
	}
}

func TestExecuteDirectSpreadClosed(t *testing.T) {
	src := twoVenueSource()
	src.quotes["camelot"] = 3200 // no spread
	s := newTestService(t, src)

	op := types.Opportunity{SourceVenue: "uniswap", TargetVenue: "camelot", TokenPair: "ETH/USDC"}
	result, err := s.ExecuteDirect(context.Background(), op, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Error("execution should fail when the spread closed")
	}
	if result.Error == "" {
		t.Error("failure should carry a reason")
	}
}

func TestExecuteArbitrageEngineFallback(t *testing.T) {
	s := newTestService(t, twoVenueSource())
	s.SetEngine(engineFunc(func(context.Context, types.Opportunity, float64) (*types.ExecutionResult, error) {
		return nil, errors.New("engine down")
	}))

	op := types.Opportunity{SourceVenue: "uniswap", TargetVenue: "camelot", TokenPair: "ETH/USDC", NetProfitUSD: 10}
	result, err := s.ExecuteArbitrage(context.Background(), op, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || !result.Success {
		t.Errorf("direct fallback should run when the engine errors: %+v", result)
	}
}

type engineFunc func(context.Context, types.Opportunity, float64) (*types.ExecutionResult, error)

func (f engineFunc) Execute(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error) {
	return f(ctx, op, amount)
}

func TestMonitoringEmitsEvents(t *testing.T) {
	s := newTestService(t, twoVenueSource())

	var mu sync.Mutex
	got := 0
	s.Bus().Subscribe("opportunities_found", func(_ context.Context, ev events.Event) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	s.StartMonitoring(context.Background())
	defer s.StopMonitoring()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := got
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no opportunities_found event within deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// StartMonitoring twice must not double the loops.
	s.StartMonitoring(context.Background())
	s.StopMonitoring()
}

func TestRingBounded(t *testing.T) {
	r := newOpportunityRing(100)
	for i := 0; i < 250; i++ {
		r.Add(types.Opportunity{ID: fmt.Sprintf("op-%d", i)})
	}
	if r.Size() != 100 {
		t.Errorf("ring size = %d, want 100", r.Size())
	}
	// Oldest evicted, newest kept.
	if _, ok := r.Get("op-0"); ok {
		t.Error("op-0 should be evicted")
	}
	if _, ok := r.Get("op-249"); !ok {
		t.Error("op-249 should be present")
	}
	recent := r.Recent(3)
	if len(recent) != 3 || recent[0].ID != "op-249" {
		t.Errorf("Recent = %v, want newest first", recent)
	}
}

func TestOnBotExitRecordsError(t *testing.T) {
	s := newTestService(t, twoVenueSource())
	s.RegisterBot("b1", "Bot", "sleeper", "inprocess")

	s.onBotExit("b1", errors.New("exit status 3"), "boom")
	desc, _ := s.BotStatus("b1")
	if desc.Status != types.StatusError {
		t.Errorf("status = %s, want error", desc.Status)
	}
	if desc.ErrorMessage == "" {
		t.Error("error message should carry stderr")
	}

	s.onBotExit("b1", nil, "")
	desc, _ = s.BotStatus("b1")
	if desc.Status != types.StatusStopped {
		t.Errorf("clean exit status = %s, want stopped", desc.Status)
	}
}

func TestRecordActivity(t *testing.T) {
	s := newTestService(t, twoVenueSource())
	s.RegisterBot("b1", "Bot", "sleeper", "inprocess")

	s.RecordActivity("b1", 42.5, true)
	desc, _ := s.BotStatus("b1")
	if desc.TotalProfitUSD != 42.5 || desc.OpportunitiesFound != 1 {
		t.Errorf("counters = %+v", desc)
	}
	// Unknown bot is a no-op.
	s.RecordActivity("ghost", 1, false)
}

func TestSetBotMode(t *testing.T) {
	s := newTestService(t, twoVenueSource())
	s.RegisterBot("b1", "Bot", "sleeper", "inprocess")

	if err := s.SetBotMode("b1", types.ModeAutonomous); err != nil {
		t.Fatal(err)
	}
	desc, _ := s.BotStatus("b1")
	if desc.Mode != types.ModeAutonomous {
		t.Errorf("mode = %s, want autonomous", desc.Mode)
	}
	if err := s.SetBotMode("ghost", types.ModeManual); !errors.Is(err, ErrBotNotFound) {
		t.Errorf("err = %v, want ErrBotNotFound", err)
	}
}
