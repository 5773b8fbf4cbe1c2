// ABOUTME: Entry point for the support-relay server
// ABOUTME: Serves client and operator websockets and relays their messages through the broker

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/2389/support-relay/internal/config"
	"github.com/2389/support-relay/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                  _                    _
 ___ _   _ _ __  _ __   ___  _ __| |_      _ __ ___| | __ _ _   _
/ __| | | | '_ \| '_ \ / _ \| '__| __|____| '__/ _ \ |/ _' | | | |
\__ \ |_| | |_) | |_) | (_) | |  | ||_____| | |  __/ | (_| | |_| |
|___/\__,_| .__/| .__/ \___/|_|   \__|    |_|  \___|_|\__,_|\__, |
          |_|   |_|                                         |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: support-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve          Start the relay")
		fmt.Println("  init           Write a starter config with a random JWT secret")
		fmt.Println("  health         Check relay health (HTTP and gRPC)")
		fmt.Println("  participants   List attached clients, operators and pairings")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "participants":
		err = runParticipants(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Broker:    %s ", cfg.Broker.Driver)
	gray.Printf("(exchange %s)\n", cfg.Broker.Exchange)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled, identities come from ?id=")
	}
	fmt.Println()

	logger.Info("starting support-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"broker", cfg.Broker.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, status, err := httpGet(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr), "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", status, body)
	}
	fmt.Printf("http: %s\n", body)

	if cfg.Server.GRPCAddr == "" {
		return nil
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to gRPC health: %w", err)
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: gateway.HealthService})
	if err != nil {
		if grpcstatus.Code(err) == codes.NotFound {
			return fmt.Errorf("gRPC health: service %s is not registered", gateway.HealthService)
		}
		return fmt.Errorf("gRPC health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("gRPC health: %s", resp.GetStatus())
	}
	fmt.Println("grpc: serving")
	return nil
}

// runParticipants prints the diagnostics snapshot. RELAY_TOKEN must hold an
// operator token when auth is enabled.
func runParticipants(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/participants", cfg.Server.HTTPAddr)
	token := os.Getenv("RELAY_TOKEN")
	if token == "" {
		url += "?id=relay-cli"
	}

	body, status, err := httpGet(ctx, url, token)
	if err != nil {
		return fmt.Errorf("fetching participants: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, body)
	}
	fmt.Println(body)
	return nil
}

func httpGet(ctx context.Context, url, token string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("reading response: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

// runInit writes a starter config next to a fresh random JWT secret.
func runInit() error {
	configPath := config.Path()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	dbPath := filepath.Join(filepath.Dir(configPath), "relay.db")
	configContent := fmt.Sprintf(`# support-relay configuration
# Generated by support-relay init

server:
  http_addr: "localhost:8080"
  grpc_addr: "localhost:50051"

broker:
  driver: amqp
  url: "${RELAY_AMQP_URL}"
  exchange: exchange_chat
  prefetch: 10
  dedupe_ttl: "10m"

database:
  path: %q

auth:
  jwt_secret: %q

advertising:
  window: "168h"
  min_connections: 3

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Set RELAY_AMQP_URL (or switch broker.driver to memory), then:")
	fmt.Println("    support-relay serve")
	return nil
}
