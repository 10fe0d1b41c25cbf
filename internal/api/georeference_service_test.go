package api

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/internal/config"
	"github.com/signalsfoundry/georeference/internal/sim"
)

var downtown = config.Position{Longitude: -104.9903, Latitude: 39.7392, Height: 1609}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Georeference.Position = downtown
	cfg.Clock.Start = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	cfg.Clock.Accelerated = true
	cfg.SubLevels.Levels = []config.SubLevelConfig{
		{Name: "Downtown", Position: downtown, LoadRadius: 2000},
		{Name: "Airport", Position: config.Position{Longitude: -104.6737, Latitude: 39.8561, Height: 1655}, LoadRadius: 3000},
	}
	cfg.Host.StreamingLevels = []string{"Downtown", "Airport"}
	cfg.Viewer = config.ViewerConfig{Kind: config.ViewerStatic, Position: downtown}
	return cfg
}

func startServer(t *testing.T, session *sim.Session) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RequestIDUnaryServerInterceptor(nil),
		TracingUnaryServerInterceptor(),
	))
	RegisterGeoreferenceServer(srv, NewGeoreferenceService(session, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func newTestSession(t *testing.T, opts ...sim.Option) *sim.Session {
	t.Helper()
	s, err := sim.NewSession(testConfig(), nil, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func pointOf(t *testing.T, s *structpb.Struct, key string) [3]float64 {
	t.Helper()
	var out [3]float64
	values := s.GetFields()[key].GetListValue().GetValues()
	if len(values) != 3 {
		t.Fatalf("%s = %v, want three numbers", key, s.GetFields()[key])
	}
	for i, v := range values {
		out[i] = v.GetNumberValue()
	}
	return out
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := status.Code(err); got != code {
		t.Fatalf("status code = %v (%v), want %v", got, err, code)
	}
}

func TestGetOriginReportsConfiguredOrigin(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	session.Step()
	client := startServer(t, session)

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), requestIDMetadataKey, "req-42")
	out, err := client.GetOrigin(ctx, grpc.Header(&header))
	if err != nil {
		t.Fatalf("GetOrigin: %v", err)
	}
	fields := out.GetFields()
	if fields["placement"].GetStringValue() != "cartographic" || fields["longitude"].GetNumberValue() != downtown.Longitude {
		t.Fatalf("GetOrigin = %v", out)
	}
	if fields["state"].GetStringValue() != core.StateReady.String() {
		t.Fatalf("state = %q, want %q", fields["state"].GetStringValue(), core.StateReady.String())
	}
	if got := header.Get(requestIDMetadataKey); len(got) != 1 || got[0] != "req-42" {
		t.Fatalf("x-request-id header = %v, want [req-42]", got)
	}
}

func TestSetOrigin(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	client := startServer(t, session)
	ctx := context.Background()

	out, err := client.SetOrigin(ctx, mustStruct(t, map[string]any{"longitude": 10.0, "latitude": 45.0, "height": 100.0}))
	if err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	if out.GetFields()["latitude"].GetNumberValue() != 45 || out.GetFields()["height"].GetNumberValue() != 100 {
		t.Fatalf("SetOrigin = %v", out)
	}

	_, err = client.SetOrigin(ctx, mustStruct(t, map[string]any{"longitude": 10.0, "latitude": 95.0}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.SetOrigin(ctx, mustStruct(t, map[string]any{"latitude": 5.0}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.SetOrigin(ctx, mustStruct(t, map[string]any{"longitude": 1.0, "latitude": 5.0, "placement": "sideways"}))
	wantCode(t, err, codes.InvalidArgument)
}

func TestSetOriginRefusedInsideSubLevel(t *testing.T) {
	session := newTestSession(t)
	if res := session.Step(); !res.InsideSublevel {
		t.Fatalf("viewer did not enter Downtown: %+v", res)
	}
	client := startServer(t, session)

	_, err := client.SetOrigin(context.Background(), mustStruct(t, map[string]any{"longitude": 0.0, "latitude": 0.0}))
	wantCode(t, err, codes.FailedPrecondition)

	_, err = client.JumpToSubLevel(context.Background(), mustStruct(t, map[string]any{"index": 1.0}))
	wantCode(t, err, codes.FailedPrecondition)
}

func TestRefusedSetOriginLeavesOriginUntouched(t *testing.T) {
	session := newTestSession(t)
	if res := session.Step(); !res.InsideSublevel {
		t.Fatalf("viewer did not enter Downtown: %+v", res)
	}
	before := session.Snapshot().Origin
	client := startServer(t, session)

	_, err := client.SetOrigin(context.Background(), mustStruct(t, map[string]any{
		"longitude": 0.0,
		"latitude":  0.0,
		"placement": "true_origin",
	}))
	wantCode(t, err, codes.FailedPrecondition)

	if after := session.Snapshot().Origin; after != before {
		t.Fatalf("origin after refused SetOrigin = %+v, want %+v", after, before)
	}
}

func TestSetOriginWithPlacement(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	client := startServer(t, session)

	out, err := client.SetOrigin(context.Background(), mustStruct(t, map[string]any{
		"longitude": 10.0,
		"latitude":  45.0,
		"placement": "true_origin",
	}))
	if err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	fields := out.GetFields()
	if fields["placement"].GetStringValue() != "true_origin" || fields["longitude"].GetNumberValue() != 10 {
		t.Fatalf("SetOrigin = %v", out)
	}
}

func TestTransformRoundTrip(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	session.Step()
	client := startServer(t, session)
	ctx := context.Background()

	out, err := client.Transform(ctx, mustStruct(t, map[string]any{
		"op":    OpLLHToEngine,
		"point": []any{downtown.Longitude, downtown.Latitude, downtown.Height + 5},
	}))
	if err != nil {
		t.Fatalf("Transform llh_to_engine: %v", err)
	}
	engine := pointOf(t, out, "point")
	if math.Abs(engine[0]) > 1e-3 || math.Abs(engine[1]) > 1e-3 || math.Abs(engine[2]-500) > 1e-3 {
		t.Fatalf("engine point = %v, want (0, 0, 500)", engine)
	}

	out, err = client.Transform(ctx, mustStruct(t, map[string]any{
		"op":    OpEngineToLLH,
		"point": []any{engine[0], engine[1], engine[2]},
	}))
	if err != nil {
		t.Fatalf("Transform engine_to_llh: %v", err)
	}
	llh := pointOf(t, out, "point")
	if math.Abs(llh[0]-downtown.Longitude) > 1e-9 || math.Abs(llh[1]-downtown.Latitude) > 1e-9 || math.Abs(llh[2]-downtown.Height-5) > 1e-4 {
		t.Fatalf("round trip = %v", llh)
	}
}

func TestTransformErrors(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	session.Step()
	client := startServer(t, session)
	ctx := context.Background()

	_, err := client.Transform(ctx, mustStruct(t, map[string]any{"op": OpECEFToLLH, "point": []any{0.0, 0.0, 0.0}}))
	wantCode(t, err, codes.OutOfRange)

	_, err = client.Transform(ctx, mustStruct(t, map[string]any{"op": "teleport", "point": []any{0.0, 0.0, 0.0}}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.Transform(ctx, mustStruct(t, map[string]any{"op": OpECEFToEngine, "point": []any{1.0, 2.0}}))
	wantCode(t, err, codes.InvalidArgument)
}

func TestTransformRotatorRoundTrip(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	session.Step()
	client := startServer(t, session)
	ctx := context.Background()

	point := []any{250000.0, -120000.0, 300.0}
	out, err := client.Transform(ctx, mustStruct(t, map[string]any{
		"op":      OpEngineToENURotator,
		"point":   point,
		"rotator": []any{10.0, 35.0, -5.0},
	}))
	if err != nil {
		t.Fatalf("engine_to_enu_rotator: %v", err)
	}
	enu := pointOf(t, out, "rotator")

	out, err = client.Transform(ctx, mustStruct(t, map[string]any{
		"op":      OpENUToEngineRotator,
		"point":   point,
		"rotator": []any{enu[0], enu[1], enu[2]},
	}))
	if err != nil {
		t.Fatalf("enu_to_engine_rotator: %v", err)
	}
	back := pointOf(t, out, "rotator")
	for i, want := range []float64{10, 35, -5} {
		if math.Abs(back[i]-want) > 1e-6 {
			t.Fatalf("rotator round trip = %v, want (10, 35, -5)", back)
		}
	}
}

func TestListAndJumpToSubLevels(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	client := startServer(t, session)
	ctx := context.Background()

	out, err := client.ListSubLevels(ctx)
	if err != nil {
		t.Fatalf("ListSubLevels: %v", err)
	}
	levels := out.GetFields()["sublevels"].GetListValue().GetValues()
	if len(levels) != 2 {
		t.Fatalf("sublevels = %v", out)
	}
	airport := levels[1].GetStructValue().GetFields()
	if airport["name"].GetStringValue() != "Airport" || airport["load_radius_m"].GetNumberValue() != 3000 || !airport["streaming"].GetBoolValue() {
		t.Fatalf("airport entry = %v", airport)
	}

	out, err = client.JumpToSubLevel(ctx, mustStruct(t, map[string]any{"index": 1.0}))
	if err != nil {
		t.Fatalf("JumpToSubLevel: %v", err)
	}
	if got := out.GetFields()["longitude"].GetNumberValue(); got != -104.6737 {
		t.Fatalf("origin longitude after jump = %v", got)
	}

	_, err = client.JumpToSubLevel(ctx, mustStruct(t, map[string]any{"index": 7.0}))
	wantCode(t, err, codes.NotFound)

	_, err = client.JumpToSubLevel(ctx, mustStruct(t, map[string]any{"index": 0.5}))
	wantCode(t, err, codes.InvalidArgument)
}

func TestJumpToSubLevelByName(t *testing.T) {
	session := newTestSession(t, sim.WithViewerMotion(nil))
	client := startServer(t, session)
	ctx := context.Background()

	out, err := client.JumpToSubLevel(ctx, mustStruct(t, map[string]any{"name": "Airport"}))
	if err != nil {
		t.Fatalf("JumpToSubLevel(Airport): %v", err)
	}
	if got := out.GetFields()["longitude"].GetNumberValue(); got != -104.6737 {
		t.Fatalf("origin longitude after jump = %v, want %v", got, -104.6737)
	}

	_, err = client.JumpToSubLevel(ctx, mustStruct(t, map[string]any{"name": "Harbour"}))
	wantCode(t, err, codes.NotFound)

	_, err = client.JumpToSubLevel(ctx, mustStruct(t, map[string]any{"name": 3.0}))
	wantCode(t, err, codes.InvalidArgument)
}

func TestUninitialisedService(t *testing.T) {
	svc := NewGeoreferenceService(nil, nil)
	_, err := svc.GetOrigin(context.Background(), nil)
	wantCode(t, err, codes.FailedPrecondition)
}
