package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

const catalogYAML = `
strategies:
  - id: mnq-momo
    name: MNQ momentum
    type: momentum
    symbol: MNQ
    exchange: CME
    size: 1
    daily_target: 500
    max_risk: 250
    tick_size: 0.25
    tick_value: 0.5
    params:
      streak: 3
      stop_ticks: 8
      target_ticks: 16
  - id: es-orb
    name: ES opening range
    type: breakout
    symbol: ES
    exchange: CME
    size: 2
    tick_size: 0.25
    tick_value: 12.5
    params:
      range_ticks: 4
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if got := len(c.List()); got != 2 {
		t.Fatalf("presets=%d, want 2", got)
	}

	p, ok := c.Get("mnq-momo")
	if !ok {
		t.Fatal("mnq-momo missing")
	}
	if p.Symbol != "MNQ" || p.DailyTarget != 500 || p.param("streak", 0) != 3 {
		t.Fatalf("preset %+v", p)
	}
}

func TestLoadCatalogMissingFileIsEmpty(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if got := len(c.List()); got != 0 {
		t.Fatalf("presets=%d, want 0", got)
	}
}

func TestLoadCatalogRejectsUnknownType(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, `
strategies:
  - id: bad
    type: martingale
`))
	if err == nil {
		t.Fatal("expected an unknown-type error")
	}
}

func TestMomentumFiresAfterStreak(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	s, _, err := c.Build("mnq-momo")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	prices := []float64{5000, 5000.25, 5000.5, 5000.75}
	var sig *broker.Signal
	for _, p := range prices {
		sig = s.ProcessTick(broker.Tick{Symbol: "MNQ", Price: p})
	}
	if sig == nil {
		t.Fatal("expected a long signal after three rising ticks")
	}
	if sig.Direction != broker.DirectionLong {
		t.Fatalf("direction=%s, want LONG", sig.Direction)
	}
	if sig.StopLoss >= sig.Entry || sig.TakeProfit <= sig.Entry {
		t.Fatalf("bracket %+v not around entry", sig)
	}

	// The run counter resets after firing.
	if got := s.ProcessTick(broker.Tick{Symbol: "MNQ", Price: 5001}); got != nil {
		t.Fatalf("unexpected immediate re-fire: %+v", got)
	}
}

func TestBreakoutFiresOnRangeBreak(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	s, _, err := c.Build("es-orb")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Four range-building ticks, then a break below the low.
	for _, p := range []float64{5600, 5601, 5599, 5600.5} {
		if sig := s.ProcessTick(broker.Tick{Symbol: "ES", Price: p}); sig != nil {
			t.Fatalf("signal during range build: %+v", sig)
		}
	}
	sig := s.ProcessTick(broker.Tick{Symbol: "ES", Price: 5598})
	if sig == nil || sig.Direction != broker.DirectionShort {
		t.Fatalf("signal %+v, want SHORT on a low break", sig)
	}
}

func TestBuildReturnsFreshInstances(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	a, _, err := c.Build("mnq-momo")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, _, err := c.Build("mnq-momo")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a == b {
		t.Fatal("Build must return per-session instances")
	}
}
