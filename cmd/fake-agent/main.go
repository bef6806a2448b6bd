// Fake agent for local runs and end-to-end checks: serves the agent gRPC
// service and echoes every input after the boundary marker.
// Usage: fake-agent [-addr :50051] [-marker "AI:"] [-search]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/ava-chat/internal/agent"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	addr := flag.String("addr", ":50051", "gRPC listen address")
	marker := flag.String("marker", "AI:", "boundary marker emitted before the answer")
	search := flag.Bool("search", false, "emit a Search tool call before answering")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(*addr, *marker, *search); err != nil {
		slog.Error("Fake agent failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, marker string, search bool) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	produce := agent.EchoProducer(marker)
	if search {
		echo := produce
		produce = func(ctx context.Context, req agent.Request, emit func(agent.Fragment) error) error {
			if err := emit(agent.ToolStart("Search", req.Input)); err != nil {
				return err
			}
			return echo(ctx, req, emit)
		}
	}

	srv := grpc.NewServer()
	agent.RegisterProducer(srv, produce)

	hs := health.NewServer()
	hs.SetServingStatus(agent.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()

	slog.Info("Fake agent listening", "addr", lis.Addr().String(), "marker", marker)
	return srv.Serve(lis)
}
