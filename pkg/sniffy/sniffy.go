// Package sniffy assembles the registry, stats, capture and interception
// layers into one explicitly constructed process-wide state object.
package sniffy

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"GoSniffy/internal/alerter"
	"GoSniffy/internal/config"
	"GoSniffy/internal/events"
	"GoSniffy/internal/model"
	"GoSniffy/internal/notification"
	"GoSniffy/internal/writer"
	"GoSniffy/pkg/capture"
	"GoSniffy/pkg/registry"
	"GoSniffy/pkg/socket"
	"GoSniffy/pkg/spy"
	"GoSniffy/pkg/sqlspy"
	"GoSniffy/pkg/stats"
)

// Sniffy owns every piece of shared interception state. Independent
// instances never share counters or policies.
type Sniffy struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *registry.Registry
	stats    *stats.Stats
	recorder *capture.Recorder
	sockets  *socket.Interceptor
	sql      *socket.Interceptor
	dialer   *socket.Dialer
	store    *registry.FileStore

	writers   []model.Writer
	sources   []model.Source
	alerter   *alerter.Alerter
	nc        *nats.Conn
	publisher *events.Publisher
	commands  *events.Subscriber

	done          chan struct{}
	snapshotterWg sync.WaitGroup
	startOnce     sync.Once
	stopOnce      sync.Once
	started       bool
}

type options struct {
	logger   *slog.Logger
	sleeper  socket.Sleeper
	writers  []model.Writer
	notifier model.Notifier
	base     socket.ContextDialer
}

// Option customizes New.
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSleeper replaces the timer used for injected delays.
func WithSleeper(s socket.Sleeper) Option { return func(o *options) { o.sleeper = s } }

// WithWriters adds snapshot writers on top of the configured ones.
func WithWriters(w ...model.Writer) Option {
	return func(o *options) { o.writers = append(o.writers, w...) }
}

// WithNotifier replaces the e-mail notifier used by the alerter.
func WithNotifier(n model.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithBaseDialer sets the dialer wrapped by Dialer.
func WithBaseDialer(d socket.ContextDialer) Option { return func(o *options) { o.base = d } }

// New builds the state described by cfg. A nil cfg selects config.Default.
// Nothing runs in the background until Start.
func New(cfg *config.Config, opts ...Option) (*Sniffy, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	threshold, err := cfg.Sniffy.MergeThreshold()
	if err != nil {
		return nil, err
	}

	s := &Sniffy{
		cfg:      cfg,
		logger:   o.logger,
		registry: registry.New(registry.WithLogger(o.logger), registry.WithDiscovery(cfg.Sniffy.Discovery)),
		stats:    stats.New("sniffy", cfg.Sniffy.NumShards),
		done:     make(chan struct{}),
		writers:  o.writers,
	}
	s.sources = []model.Source{s.stats}
	s.recorder = capture.NewRecorder(capture.Options{
		Buffered:          cfg.Sniffy.BufferedCapture,
		MergeThreshold:    threshold,
		MaxPacketsPerConn: cfg.Sniffy.MaxPacketsPerConn,
	})
	interceptorOpts := socket.Options{
		Monitor:        cfg.Sniffy.MonitorSocket,
		FaultInjection: cfg.Sniffy.FaultInjection,
		CaptureTraces:  cfg.Sniffy.CaptureTraces,
		DefaultWindow:  cfg.Sniffy.DefaultWindow,
		Sleeper:        o.sleeper,
		Logger:         o.logger,
	}
	s.sockets = socket.NewInterceptor(s.registry, s.stats, s.recorder, interceptorOpts)
	interceptorOpts.Monitor = cfg.Sniffy.MonitorSQL
	s.sql = socket.NewInterceptor(s.registry, s.stats, nil, interceptorOpts)
	s.dialer = s.sockets.NewDialer(o.base)

	if cfg.Registry.File != "" {
		s.store = registry.NewFileStore(cfg.Registry.File, cfg.Registry.Persist, o.logger)
		if err := s.store.LoadInto(s.registry); err != nil {
			return nil, fmt.Errorf("failed to load registry: %w", err)
		}
		s.store.Attach(s.registry)
	}

	if err := s.connectEvents(); err != nil {
		return nil, err
	}
	if err := s.buildWriters(); err != nil {
		s.closeEvents()
		return nil, err
	}
	if err := s.buildAlerter(o.notifier); err != nil {
		s.closeEvents()
		return nil, err
	}
	return s, nil
}

func (s *Sniffy) connectEvents() error {
	ev := s.cfg.Events
	if !ev.Enabled && !s.cfg.Writers.NATS.Enabled {
		return nil
	}
	nc, err := nats.Connect(ev.NATSURL, nats.Name("sniffy"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.nc = nc
	s.logger.Info("connected to NATS", "url", ev.NATSURL)

	if !ev.Enabled {
		return nil
	}
	s.publisher = events.NewPublisherConn(nc, ev.Subject)
	s.publisher.Attach(s.registry)
	if ev.ControlSubject != "" {
		s.commands = events.NewSubscriber(nc, ev.ControlSubject)
		if err := s.commands.Start(events.Apply(s.registry)); err != nil {
			nc.Close()
			return err
		}
	}
	return nil
}

func (s *Sniffy) closeEvents() {
	if s.commands != nil {
		s.commands.Close()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
}

func (s *Sniffy) buildWriters() error {
	w := s.cfg.Writers
	if w.Gob.Enabled {
		s.writers = append(s.writers, writer.NewGobWriter(w.Gob.RootPath, config.ParseInterval(w.Gob.Interval)))
	}
	if w.ClickHouse.Enabled {
		ch, err := writer.NewClickHouseWriter(w.ClickHouse, config.ParseInterval(w.ClickHouse.Interval))
		if err != nil {
			return err
		}
		s.writers = append(s.writers, ch)
	}
	if w.NATS.Enabled {
		s.writers = append(s.writers, writer.NewNATSWriter(s.nc, w.NATS.Subject, config.ParseInterval(w.NATS.Interval)))
	}
	return nil
}

func (s *Sniffy) buildAlerter(notifier model.Notifier) error {
	if !s.cfg.Alerter.Enabled {
		return nil
	}
	if notifier == nil && s.cfg.SMTP.Host != "" {
		notifier = notification.NewEmailNotifier(s.cfg.SMTP)
	}
	if notifier == nil {
		s.logger.Info("alerter enabled without SMTP, alerts will only be logged")
		notifier = notification.LogNotifier{Logger: s.logger}
	}
	a, err := alerter.NewAlerter(&s.cfg.Alerter, s.stats, notifier)
	if err != nil {
		return fmt.Errorf("failed to create alerter: %w", err)
	}
	s.alerter = a
	return nil
}

func (s *Sniffy) Config() *config.Config             { return s.cfg }
func (s *Sniffy) Registry() *registry.Registry       { return s.registry }
func (s *Sniffy) Stats() *stats.Stats                { return s.stats }
func (s *Sniffy) Recorder() *capture.Recorder        { return s.recorder }
func (s *Sniffy) Interceptor() *socket.Interceptor   { return s.sockets }
func (s *Sniffy) Dialer() *socket.Dialer             { return s.dialer }
func (s *Sniffy) Logger() *slog.Logger               { return s.logger }
func (s *Sniffy) Writers() []model.Writer            { return s.writers }
func (s *Sniffy) RegistryStore() *registry.FileStore { return s.store }

// Start launches one snapshotter per writer and the alerter. It is a no-op
// after the first call.
func (s *Sniffy) Start() {
	s.startOnce.Do(func() {
		s.started = true
		for _, w := range s.writers {
			s.snapshotterWg.Add(1)
			go s.runSnapshotter(w)
			s.logger.Info("started snapshotter", "interval", w.GetInterval())
		}
		if s.alerter != nil {
			s.alerter.Start()
		}
	})
}

// runSnapshotter runs a dedicated snapshot loop for a single writer.
func (s *Sniffy) runSnapshotter(w model.Writer) {
	defer s.snapshotterWg.Done()
	interval := w.GetInterval()
	if interval <= 0 {
		s.logger.Warn("invalid writer interval, snapshotter will not run", "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.snapshot(w)
		case <-s.done:
			s.snapshot(w)
			return
		}
	}
}

func (s *Sniffy) snapshot(w model.Writer) {
	timestamp := time.Now().Format(model.SnapshotTimeFormat)
	for _, src := range s.sources {
		if err := w.Write(src.Export(), timestamp); err != nil {
			s.logger.Error("failed to write snapshot", "source", src.Name(), "timestamp", timestamp, "error", err)
		}
	}
}

// Shutdown stops the background work, writing a final snapshot to every
// writer and any pending registry change, and releases the NATS connection.
// It is safe to call repeatedly.
func (s *Sniffy) Shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info("sniffy stopping")
		close(s.done)
		s.snapshotterWg.Wait()
		if s.alerter != nil && s.started {
			s.alerter.Stop()
		}
		if s.store != nil {
			s.store.Close()
		}
		s.closeEvents()
		s.logger.Info("sniffy stopped")
	})
}

// Reset drops every recorded stat and every registered target. Open spies
// keep their capture windows.
func (s *Sniffy) Reset() {
	for _, src := range s.sources {
		src.Reset()
	}
	s.registry.Clear(context.Background())
}

// Spy opens a spy over this instance. Traffic capture is only honored when
// enabled in the configuration.
func (s *Sniffy) Spy(ctx context.Context, opts spy.Options) *spy.Spy {
	if !s.cfg.Sniffy.CaptureTraffic {
		opts.CaptureTraffic = false
	}
	return spy.Open(ctx, spy.Source{Stats: s.stats, Recorder: s.recorder}, opts)
}

// HTTPTransport returns a clone of http.DefaultTransport dialing through
// the instrumented dialer.
func (s *Sniffy) HTTPTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = s.dialer.DialContext
	return t
}

// HTTPClient returns a client using HTTPTransport.
func (s *Sniffy) HTTPClient() *http.Client {
	return &http.Client{Transport: s.HTTPTransport()}
}

// WrapConnector instruments a SQL connector for the data source
// identified by url and principal.
func (s *Sniffy) WrapConnector(c driver.Connector, url, principal string) driver.Connector {
	return sqlspy.Wrap(c, url, principal, s.sql)
}

// WrapListener instruments server-side connections.
func (s *Sniffy) WrapListener(ctx context.Context, l net.Listener) net.Listener {
	return s.sockets.WrapListener(ctx, l)
}

// IsRefused reports whether err is a policy refusal.
func IsRefused(err error) bool { return socket.IsRefused(err) }
