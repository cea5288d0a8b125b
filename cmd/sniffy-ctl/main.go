package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"GoSniffy/internal/api"
	"GoSniffy/internal/events"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/registry"
)

func main() {
	mode := flag.String("mode", "health", "Mode: 'health', 'set', 'remove', 'clear' or 'watch'")
	grpcAddr := flag.String("addr", "localhost:8788", "The agent's gRPC address (health mode)")
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	control := flag.String("control", "sniffy.registry.control", "Subject accepting registry commands")
	changes := flag.String("subject", "sniffy.registry", "Subject carrying registry changes (watch mode)")
	target := flag.String("target", "", "Socket target as host:port; either side may be '*'")
	url := flag.String("url", "", "Data source URL, instead of -target")
	principal := flag.String("principal", "", "Data source principal, with -url")
	status := flag.String("status", "OPEN", "OPEN, CLOSED, CLOSED(ms) or DELAY(ms)")
	flag.Parse()

	switch *mode {
	case "health":
		doHealthCheck(*grpcAddr)
	case "set", "remove", "clear":
		entry := registry.Entry{}
		if *mode != "clear" {
			entry = parseEntry(*target, *url, *principal, *status, *mode == "set")
		}
		sendCommand(*natsURL, *control, events.Command{Op: *mode, Entry: entry})
	case "watch":
		watch(*natsURL, *changes)
	default:
		log.Fatalf("Unknown mode: %s. Use 'health', 'set', 'remove', 'clear' or 'watch'", *mode)
	}
}

func parseEntry(target, url, principal, status string, withStatus bool) registry.Entry {
	var entry registry.Entry
	switch {
	case url != "" || principal != "":
		entry.Target = meta.DataSourceTarget(url, principal)
	case target != "":
		t, err := meta.ParseTarget(target)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		entry.Target = t
	default:
		log.Fatal("Error: -target or -url is required for this mode")
	}
	if withStatus {
		s, err := registry.ParseStatus(status)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		entry.Status = s
	}
	return entry
}

func doHealthCheck(addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
	if err != nil {
		log.Fatalf("could not check health: %v", err)
	}
	fmt.Printf("%s: %s\n", api.ServiceName, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func sendCommand(url, subject string, cmd events.Command) {
	nc, err := nats.Connect(url, nats.Name("sniffy-ctl"))
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	data, err := events.EncodeCommand(cmd)
	if err != nil {
		log.Fatalf("Failed to encode command: %v", err)
	}
	if err := nc.Publish(subject, data); err != nil {
		log.Fatalf("Failed to publish command: %v", err)
	}
	if err := nc.Flush(); err != nil {
		log.Fatalf("Failed to flush command: %v", err)
	}
	if cmd.Op == events.OpClear {
		fmt.Println("clear sent")
		return
	}
	fmt.Printf("%s %s %s sent\n", cmd.Op, cmd.Entry.Target, cmd.Entry.Status)
}

func watch(url, subject string) {
	nc, err := nats.Connect(url, nats.Name("sniffy-ctl"))
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Drain()

	_, err = nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := events.DecodeChange(msg.Data)
		if err != nil {
			log.Printf("Error decoding change: %v", err)
			return
		}
		action := "set"
		switch {
		case ev.Cleared:
			action = "cleared"
		case ev.Removed:
			action = "removed"
		}
		fmt.Printf("[%s] scope=%d %s %s %s\n", ev.Time.Format(time.RFC3339), ev.ScopeID, action, ev.Target, ev.Status)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
