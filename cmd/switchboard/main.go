// ABOUTME: Entry point for the switchboard gateway
// ABOUTME: Serves the gateway and provides health, token and organization admin commands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/cache"
	"github.com/2389/switchboard-gateway/internal/config"
	"github.com/2389/switchboard-gateway/internal/gateway"
	"github.com/2389/switchboard-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
              _ _       _     _                         _
 _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

func usage() {
	fmt.Println("Usage: switchboard <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Start the gateway server")
	fmt.Println("  health                                 Check gateway health")
	fmt.Println("  ready                                  Show gateway readiness")
	fmt.Println("  token --user ID --org ORG [--role R]   Issue a dashboard token")
	fmt.Println("  org add --id ID --name N --phone P     Register an organization's inbound number")
	fmt.Println("  version                                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "ready":
		err = runReady(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "org":
		err = runOrg(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (string, *config.Config, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return configPath, nil, fmt.Errorf("loading config: %w", err)
	}
	return configPath, cfg, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	switch {
	case !cfg.Cache.IsEnabled():
		line("Cache", yellow.Sprint("disabled"))
	case cfg.Cache.URL != "":
		line("Cache", "redis")
	default:
		line("Cache", "in-process")
	}
	if cfg.Voice.APIURL == "" {
		line("Voice", yellow.Sprint("not configured"))
	} else {
		line("Voice", cfg.Voice.APIURL)
	}
	if cfg.SMS.Enabled {
		line("SMS", "twilio "+cfg.SMS.FromNumber)
	} else {
		line("SMS", yellow.Sprint("disabled"))
	}
	if cfg.Events.AMQPURL != "" {
		line("Events", cfg.Events.Exchange)
	}
	fmt.Println()

	logger.Info("starting switchboard",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func getEndpoint(ctx context.Context, path string) (int, string, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return 0, "", err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

func runHealth(ctx context.Context) error {
	status, _, err := getEndpoint(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	fmt.Println("healthy")
	return nil
}

func runReady(ctx context.Context) error {
	status, body, err := getEndpoint(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Println(body)
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d", status)
	}
	return nil
}

// runToken issues a signed dashboard token with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "user id (required)")
	orgID := fs.String("org", "", "organization id (required)")
	role := fs.String("role", auth.RoleAgent, "agent, manager or admin")
	email := fs.String("email", "", "user email")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *userID == "" || *orgID == "" {
		return errors.New("--user and --org are required")
	}
	switch *role {
	case auth.RoleAgent, auth.RoleManager, auth.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", *role)
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(auth.Identity{
		UserID:         *userID,
		Email:          *email,
		Role:           *role,
		OrganizationID: *orgID,
	}, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s\n",
		time.Now().Add(lifetime).UTC().Format(time.RFC3339))
	return nil
}

// runOrg registers an organization directly in the store.
func runOrg(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: switchboard org add --id ID --name NAME --phone E164")
	}

	fs := flag.NewFlagSet("org add", flag.ContinueOnError)
	id := fs.String("id", "", "organization id (generated when empty)")
	name := fs.String("name", "", "display name (required)")
	phone := fs.String("phone", "", "inbound phone number (required)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if strings.TrimSpace(*name) == "" || *phone == "" {
		return errors.New("--name and --phone are required")
	}
	orgID := *id
	if orgID == "" {
		orgID = uuid.New().String()
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	org := &store.Organization{
		ID:        orgID,
		Name:      strings.TrimSpace(*name),
		Phone:     cache.NormalizePhone(*phone),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateOrganization(ctx, org); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("an organization with id %s or phone %s already exists", org.ID, org.Phone)
		}
		return fmt.Errorf("creating organization: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Organization %s (%s) answers %s\n", org.Name, org.ID, org.Phone)
	return nil
}
