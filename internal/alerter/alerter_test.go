package alerter

import (
	"strings"
	"testing"
	"time"

	"GoSniffy/internal/config"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/stats"
)

type captureNotifier struct {
	subjects []string
	bodies   []string
}

func (n *captureNotifier) Send(subject, body string) error {
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return nil
}

func record(st *stats.Stats, target meta.Target, down int64) {
	st.Record(meta.NewKey(target, 1, "", meta.Thread{}), stats.Sample{BytesDown: down})
}

func TestAlerter_Evaluate(t *testing.T) {
	st := stats.New("test", 2)
	db := meta.SocketTarget("db", 5432)
	cache := meta.SocketTarget("cache", 6379)
	record(st, db, 5000) // before the alerter starts: not counted

	a, err := NewAlerter(&config.AlerterConfig{
		CheckInterval: "1m",
		Rules: []config.AlerterRule{
			{Name: "db-volume", Target: "db:*", Metric: "bytes_down", Threshold: 100},
			{Name: "chatty", Target: "*", Metric: "ops", Threshold: 2},
		},
	}, st, nil)
	if err != nil {
		t.Fatalf("NewAlerter failed: %v", err)
	}

	record(st, db, 150)
	record(st, cache, 1)
	record(st, cache, 1)
	record(st, cache, 1)

	messages := a.Evaluate()
	if len(messages) != 2 {
		t.Fatalf("expected 2 alerts, got %d: %v", len(messages), messages)
	}
	if !strings.Contains(messages[0], "db-volume") || !strings.Contains(messages[0], "reached 150") {
		t.Errorf("unexpected first alert %q", messages[0])
	}
	if !strings.Contains(messages[1], "cache:6379") {
		t.Errorf("unexpected second alert %q", messages[1])
	}

	if again := a.Evaluate(); len(again) != 0 {
		t.Errorf("each window should only see new activity, got %v", again)
	}
}

func TestAlerter_StopRunsFinalCheck(t *testing.T) {
	st := stats.New("test", 1)
	n := &captureNotifier{}
	a, err := NewAlerter(&config.AlerterConfig{
		CheckInterval: "1h",
		Rules:         []config.AlerterRule{{Name: "any", Metric: "bytes", Threshold: 0}},
	}, st, n)
	if err != nil {
		t.Fatalf("NewAlerter failed: %v", err)
	}

	a.Start()
	record(st, meta.DataSourceTarget("postgres://db/app", "app"), 10)
	a.Stop()

	if len(n.subjects) != 1 || !strings.Contains(n.subjects[0], "1 Triggered") {
		t.Fatalf("expected one notification, got %v", n.subjects)
	}
	if !strings.Contains(n.bodies[0], "app@postgres://db/app") {
		t.Errorf("unexpected body %q", n.bodies[0])
	}
}

func TestAlerter_StopRightAfterStart(t *testing.T) {
	st := stats.New("test", 1)
	n := &captureNotifier{}
	a, err := NewAlerter(&config.AlerterConfig{
		CheckInterval: "1ms",
		Rules:         []config.AlerterRule{{Name: "any", Metric: "bytes", Threshold: 0}},
	}, st, n)
	if err != nil {
		t.Fatalf("NewAlerter failed: %v", err)
	}
	record(st, meta.DataSourceTarget("postgres://db/app", "app"), 10)

	a.Start()
	a.Stop()

	// Stop waited for the loop, so nothing may evaluate after the final check.
	got := len(n.subjects)
	record(st, meta.DataSourceTarget("postgres://db/app", "app"), 10)
	time.Sleep(20 * time.Millisecond)
	if len(n.subjects) != got {
		t.Errorf("loop kept running after Stop: %d notifications, want %d", len(n.subjects), got)
	}
}

func TestNewAlerter_InvalidRules(t *testing.T) {
	st := stats.New("test", 1)
	cases := []config.AlerterConfig{
		{CheckInterval: "soon"},
		{CheckInterval: "1m", Rules: []config.AlerterRule{{Name: "x", Metric: "latency"}}},
		{CheckInterval: "1m", Rules: []config.AlerterRule{{Name: "x", Metric: "ops", Target: "no-port"}}},
	}
	for i, cfg := range cases {
		if _, err := NewAlerter(&cfg, st, nil); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}
