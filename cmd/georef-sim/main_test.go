package main

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/georeference/internal/api"
	"github.com/signalsfoundry/georeference/internal/config"
	"github.com/signalsfoundry/georeference/internal/logging"
)

func smokeConfig() config.Config {
	cfg := config.Default()
	cfg.Georeference.Position = config.Position{Longitude: 2.3522, Latitude: 48.8566, Height: 35}
	cfg.Clock.Start = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	cfg.Clock.Tick = 10 * time.Millisecond
	cfg.Clock.Accelerated = false
	return cfg
}

func TestGeorefSimStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := lis.Addr().String()

	opts := Options{LogLevel: "warn", LogFormat: "text", Serve: true}
	log := logging.New(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat})

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, opts, smokeConfig(), log, lis)
	}()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	client := api.NewClient(conn)
	resp, err := client.GetOrigin(ctx, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("GetOrigin: %v", err)
	}
	if got := resp.GetFields()["latitude"].GetNumberValue(); got != 48.8566 {
		t.Fatalf("latitude = %v, want 48.8566", got)
	}

	req, err := structpb.NewStruct(map[string]any{"op": api.OpLLHToECEF, "point": []any{0.0, 0.0, 0.0}})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	out, err := client.Transform(ctx, req, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if x := out.GetFields()["point"].GetListValue().GetValues()[0].GetNumberValue(); x != 6378137 {
		t.Fatalf("ecef x = %v, want 6378137", x)
	}

	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunStopsWhenClockFinishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := smokeConfig()
	cfg.Clock.Accelerated = true
	cfg.Clock.Tick = time.Second
	cfg.Clock.Duration = 5 * time.Second

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, Options{LogLevel: "warn", LogFormat: "text"}, cfg, nil, lis)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("run did not return after the clock finished")
	}
}
