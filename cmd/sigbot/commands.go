// ABOUTME: Setup and operator subcommands: init, bootstrap, token, health
// ABOUTME: bootstrap creates the first user and refuses once any user exists

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/2389/sigbot/internal/auth"
	"github.com/2389/sigbot/internal/config"
	"github.com/2389/sigbot/internal/gateway"
	"github.com/2389/sigbot/internal/store"
)

// runInit writes a starter config with a fresh store key.
func runInit(args []string) error {
	fs, configPath := newFlagSet("init")
	dataDir := fs.String("data-dir", getDataPath(), "directory for the database and attachments")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *configPath)
	}

	storeKey, err := store.GenerateStoreKey()
	if err != nil {
		return fmt.Errorf("generating store key: %w", err)
	}
	jwtSecret, err := randomSecret()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(*configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	// The config holds the store key.
	if err := os.WriteFile(*configPath, []byte(config.Starter(*dataDir, storeKey)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Created config: %s\n", *configPath)
	green.Printf("  ✓ Data directory: %s\n", *dataDir)
	fmt.Println()
	yellow.Println("  The config reads the JWT secret from the environment:")
	fmt.Printf("    export SIGBOT_JWT_SECRET=%s\n", jwtSecret)
	fmt.Println()
	yellow.Println("  Next:")
	fmt.Println("    sigbot bootstrap --email you@example.com")
	fmt.Println("    sigbot serve")
	fmt.Println()
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// credentialFlags adds --email and --password. An empty password is read
// from SIGBOT_PASSWORD or prompted for on a terminal.
type credentialFlags struct {
	email    *string
	password *string
}

func (c credentialFlags) resolve() (email, password string, err error) {
	email = strings.TrimSpace(*c.email)
	if email == "" {
		return "", "", fmt.Errorf("--email is required")
	}
	password = *c.password
	if password == "" {
		password = os.Getenv("SIGBOT_PASSWORD")
	}
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return "", "", fmt.Errorf("--password or SIGBOT_PASSWORD is required")
		}
		fmt.Print("Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		password = string(pw)
	}
	return email, password, nil
}

func addCredentialFlags(fs *pflag.FlagSet) credentialFlags {
	return credentialFlags{
		email:    fs.String("email", "", "user email"),
		password: fs.String("password", "", "user password (default $SIGBOT_PASSWORD or prompt)"),
	}
}

// openStore loads the config and opens its database with logging silenced.
func openStore(configPath string) (*config.Config, store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := gateway.OpenStore(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

// runBootstrap creates the first user. It refuses once any user exists.
func runBootstrap(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("bootstrap")
	creds := addCredentialFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	email, password, err := creds.resolve()
	if err != nil {
		return err
	}

	cfg, s, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	count, err := s.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("checking users: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("bootstrap already complete: %d user(s) exist", count)
	}

	user, err := auth.NewUser(email, password)
	if err != nil {
		return err
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	if err := s.AppendAuditLog(ctx, &store.AuditEntry{Action: store.AuditCreateUser, TargetID: user.ID}); err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}

	green.Printf("  ✓ Created user: %s\n", user.Email)
	fmt.Println()
	cyan.Println("  User")
	cyan.Println("  ----")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    sigbot serve")
	fmt.Printf("    sigbot token --email %s\n", user.Email)
	fmt.Println()
	return nil
}

// runToken prints a JWT for the user, for scripts that call the API.
func runToken(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("token")
	creds := addCredentialFlags(fs)
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	email, password, err := creds.resolve()
	if err != nil {
		return err
	}

	cfg, s, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	authn := auth.NewAuthenticator(s, auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), lifetime)
	token, _, err := authn.Login(ctx, email, password)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

// runHealth checks the running gateway's liveness, or readiness with --ready.
func runHealth(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("health")
	ready := fs.Bool("ready", false, "check readiness instead of liveness")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path := "/health"
	if *ready {
		path = "/health/ready"
	}
	url := "http://" + cfg.Server.HTTPAddr + path

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
