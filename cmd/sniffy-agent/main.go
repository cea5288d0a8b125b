package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc/reflection"

	"GoSniffy/internal/api"
	"GoSniffy/internal/config"
	"GoSniffy/internal/forward"
	"GoSniffy/internal/logging"
	"GoSniffy/pkg/sniffy"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ", ") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (defaults only when empty)")
	var forwards multiFlag
	flag.Var(&forwards, "forward", `Relay rule, e.g. --forward "127.0.0.1:15432=db.internal:5432" (repeatable)`)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closer.Close()

	rules := make([]forward.Rule, 0, len(forwards))
	for _, f := range forwards {
		rule, err := forward.ParseRule(f)
		if err != nil {
			slog.Error("Invalid --forward rule", "error", err)
			os.Exit(1)
		}
		rules = append(rules, rule)
	}

	s, err := sniffy.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize sniffy", "error", err)
		os.Exit(1)
	}
	s.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run gRPC health server
	grpcServer, healthServer := api.NewGRPCServer()
	reflection.Register(grpcServer)
	if cfg.API.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.API.GRPCAddr)
		if err != nil {
			slog.Error("Failed to listen", "addr", cfg.API.GRPCAddr, "error", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("gRPC server starting", "addr", cfg.API.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				slog.Error("Failed to serve gRPC", "error", err)
			}
		}()
	}

	// Run admin HTTP server
	httpServer := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           api.NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Admin API starting", "addr", cfg.API.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Admin API error", "error", err)
			stop()
		}
	}()

	var relays sync.WaitGroup
	for _, rule := range rules {
		l, err := net.Listen("tcp", rule.Listen)
		if err != nil {
			slog.Error("Failed to listen", "addr", rule.Listen, "error", err)
			stop()
			break
		}
		relays.Add(1)
		go func() {
			defer relays.Done()
			slog.Info("Forwarding", "listen", rule.Listen, "upstream", rule.Upstream)
			if err := forward.New(rule, s.Dialer(), s.Logger()).Serve(ctx, l); err != nil {
				slog.Error("Forwarder stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("Agent shutting down...")

	healthServer.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Admin API shutdown", "error", err)
	}
	relays.Wait()

	s.Shutdown()
	slog.Info("Agent exited.")
}
