package alerter

import (
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"GoSniffy/internal/config"
	"GoSniffy/internal/model"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/stats"
)

// Metrics a rule can watch.
var metrics = map[string]func(stats.Totals) int64{
	"bytes_down": func(t stats.Totals) int64 { return t.BytesDown },
	"bytes_up":   func(t stats.Totals) int64 { return t.BytesUp },
	"bytes":      func(t stats.Totals) int64 { return t.BytesDown + t.BytesUp },
	"ops":        func(t stats.Totals) int64 { return t.Ops },
	"queries":    func(t stats.Totals) int64 { return t.Queries },
	"rows":       func(t stats.Totals) int64 { return t.Rows },
	"elapsed_ms": func(t stats.Totals) int64 { return t.Elapsed.Milliseconds() },
}

type rule struct {
	config.AlerterRule
	target meta.Target
	any    bool
	value  func(stats.Totals) int64
}

// Alerter periodically compares per-target activity since its previous check
// against the configured rules and notifies when any are exceeded.
type Alerter struct {
	source        *stats.Stats
	rules         []rule
	notifier      model.Notifier
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup

	mu       sync.Mutex
	previous map[meta.Target]stats.Totals
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, source *stats.Stats, notifier model.Notifier) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("alerter check_interval must be positive")
	}

	rules := make([]rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		parsed, err := parseRule(r)
		if err != nil {
			return nil, err
		}
		rules = append(rules, parsed)
	}

	a := &Alerter{
		source:        source,
		rules:         rules,
		notifier:      notifier,
		checkInterval: interval,
		stopChan:      make(chan struct{}),
	}
	a.previous = a.perTarget()
	return a, nil
}

func parseRule(r config.AlerterRule) (rule, error) {
	value, ok := metrics[r.Metric]
	if !ok {
		return rule{}, fmt.Errorf("rule %q: unknown metric %q", r.Name, r.Metric)
	}
	parsed := rule{AlerterRule: r, value: value}
	switch {
	case r.Target == "" || r.Target == "*":
		parsed.any = true
	case strings.Contains(r.Target, "@"):
		principal, url, _ := strings.Cut(r.Target, "@")
		if principal == "*" {
			principal = ""
		}
		if url == "*" {
			url = ""
		}
		parsed.target = meta.DataSourceTarget(url, principal)
	default:
		target, err := meta.ParseTarget(r.Target)
		if err != nil {
			return rule{}, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		parsed.target = target
	}
	return parsed, nil
}

func (r rule) matches(target meta.Target) bool {
	return r.any || r.target.Matches(target)
}

// Start begins the periodic evaluation of alert rules in the background.
// The loop is registered before Start returns, so a following Stop always
// waits for it.
func (a *Alerter) Start() {
	slog.Info("alerter started", "interval", a.checkInterval, "rules", len(a.rules))
	a.wg.Add(1)
	go a.run()
}

func (a *Alerter) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.check()
		case <-a.stopChan:
			return
		}
	}
}

// Stop gracefully stops the alerter's evaluation loop and runs a final check.
func (a *Alerter) Stop() {
	slog.Info("stopping alerter")
	close(a.stopChan)
	a.wg.Wait()
	a.check()
}

func (a *Alerter) perTarget() map[meta.Target]stats.Totals {
	out := make(map[meta.Target]stats.Totals)
	for key, totals := range a.source.All() {
		out[key.Target] = out[key.Target].Add(totals)
	}
	return out
}

// Evaluate returns one message per rule violated since the previous
// evaluation, and starts a new window.
func (a *Alerter) Evaluate() []string {
	now := a.perTarget()

	a.mu.Lock()
	previous := a.previous
	a.previous = now
	a.mu.Unlock()

	targets := make([]meta.Target, 0, len(now))
	for target := range now {
		targets = append(targets, target)
	}
	slices.SortFunc(targets, func(x, y meta.Target) int {
		return strings.Compare(x.String(), y.String())
	})

	var messages []string
	for _, r := range a.rules {
		for _, target := range targets {
			if !r.matches(target) {
				continue
			}
			delta := now[target].Sub(previous[target]).ClampZero()
			if v := r.value(delta); v > r.Threshold {
				messages = append(messages, fmt.Sprintf(
					"<p><b>%s</b>: %s on <code>%s</code> reached %d (threshold %d) within %s</p>",
					html.EscapeString(r.Name), r.Metric, html.EscapeString(target.String()), v, r.Threshold, a.checkInterval))
			}
		}
	}
	return messages
}

func (a *Alerter) check() {
	messages := a.Evaluate()
	if len(messages) == 0 {
		return
	}
	slog.Warn("alert rules triggered", "count", len(messages))

	if a.notifier == nil {
		return
	}
	body := "<h1>Sniffy Alert Summary</h1>" +
		"<p>The following alerts were triggered during the last check:</p><hr>" +
		strings.Join(messages, "<hr>")
	subject := fmt.Sprintf("Sniffy Alert Summary (%d Triggered)", len(messages))
	if err := a.notifier.Send(subject, body); err != nil {
		slog.Error("failed to send alert notification", "error", err)
		return
	}
	slog.Info("alert notification sent")
}
