// ABOUTME: Tests for Gateway construction, startup ordering and the gRPC health service
// ABOUTME: Uses the in-memory broker and an in-memory SQLite store

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/support-relay/internal/broker"
	"github.com/2389/support-relay/internal/config"
)

// freeAddr returns a loopback address with a currently unused port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a single-instance config with defaults applied.
func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  http_addr: %q
  grpc_addr: %q
broker:
  driver: memory
database:
  path: ":memory:"
%s`, freeAddr(t), freeAddr(t), extra)))
	if err != nil {
		t.Fatalf("parsing test config: %v", err)
	}
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t, "")

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	assert.NotNil(t, gw.router)
	assert.NotNil(t, gw.bridge)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.httpServer)
	assert.False(t, gw.bridge.Ready(), "nothing is consumed before Start")
}

func TestGatewayNew_WeakSecretRejected(t *testing.T) {
	cfg := testConfig(t, "auth:\n  jwt_secret: \"short\"\n")

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT")
}

func TestGatewayNew_UnreachableBrokerFailsFast(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Broker.Driver = config.DriverAMQP
	cfg.Broker.URL = "amqp://guest:guest@" + freeAddr(t) + "/"

	start := time.Now()
	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrUnavailable), "error should wrap ErrUnavailable: %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestGatewayRun_ServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t, "")
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	base := "http://" + cfg.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = http.Get(base + "/health")
	assert.Error(t, err, "HTTP listener should be closed")
}

func TestGatewayRun_HTTPAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, "")
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestGRPCHealth_ReflectsBrokerReadiness(t *testing.T) {
	cfg := testConfig(t, "")
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		defer callCancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)
}

func TestGatewayShutdown_ReportsNotServing(t *testing.T) {
	gw, err := New(testConfig(t, ""), testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))

	require.NoError(t, gw.Shutdown(context.Background()))
	assert.False(t, gw.bridge.Ready())

	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestGRPCHealth_FollowsBrokerLoss(t *testing.T) {
	gw, err := New(testConfig(t, ""), testLogger())
	require.NoError(t, err)
	gw.readinessInterval = 10 * time.Millisecond
	require.NoError(t, gw.Start(context.Background()))
	defer gw.Shutdown(context.Background())

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	// Stopping the bridge stands in for a dropped broker connection.
	require.NoError(t, gw.bridge.Stop())
	require.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
