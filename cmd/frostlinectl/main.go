package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/frostline/frostline/cmd/frostlinectl/cli"
	"github.com/frostline/frostline/internal/access"
	"github.com/frostline/frostline/internal/app"
	"github.com/frostline/frostline/internal/auth"
	"github.com/frostline/frostline/internal/platform/cache"
	"github.com/frostline/frostline/internal/platform/db"
	"github.com/frostline/frostline/internal/rbac"
	"github.com/frostline/frostline/internal/realtime"
	"github.com/frostline/frostline/jobs"
)

const usage = `usage: frostlinectl <command> [flags]

commands:
  session login   --email E --password P [--client ID] [--json]
  session whoami  [--client ID] [--json]
  session can     --perm P[,P...] [--client ID]
  session logout  [--client ID]
  jobs purge      [--retention 168h]
  jobs stats`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping cli startup")
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return cli.ExitFailure
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return cli.ExitFailure
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "jobs":
		return runJobs(ctx, cfg, args[1], args[2:])
	case "session":
		return runSession(ctx, cfg, logger, args[1], args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		return cli.ExitFailure
	}
}

func runJobs(ctx context.Context, cfg *app.Config, cmd string, args []string) int {
	fs := flag.NewFlagSet("jobs "+cmd, flag.ContinueOnError)
	retention := fs.Duration("retention", 0, "keep ended sessions this long")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()

	switch cmd {
	case "purge":
		info, err := jobsCLI.Trigger(ctx, jobs.TaskSessionsPurge, *retention)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs purge: %v\n", err)
			return cli.ExitFailure
		}
		fmt.Printf("enqueued %s on %s\n", info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return cli.ExitFailure
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return cli.ExitFailure
	}
	return cli.ExitOK
}

func runSession(ctx context.Context, cfg *app.Config, logger *slog.Logger, cmd string, args []string) int {
	fs := flag.NewFlagSet("session "+cmd, flag.ContinueOnError)
	clientID := fs.String("client", hostname(), "client identifier the session is stored under")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	perms := fs.String("perm", "", "comma separated permissions")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
		return cli.ExitFailure
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect redis: %v\n", err)
		return cli.ExitFailure
	}
	defer redisClient.Close()

	service := auth.NewService(auth.ServiceConfig{
		Repo:       auth.NewRepository(pool),
		Tokens:     auth.NewTokenStore(redisClient),
		Issuer:     auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL),
		RefreshTTL: cfg.RefreshTokenTTL,
		Logger:     logger,
	})
	backend := auth.NewClientBackend(service, redisClient, *clientID, auth.ClientMeta{UserAgent: "frostlinectl"})
	store := auth.NewStore(backend, auth.StoreConfig{Timeout: cfg.SessionFetchTimeout, Logger: logger})
	resolver := rbac.NewResolver(rbac.NewRepository(pool), rbac.ResolverConfig{Timeout: cfg.SessionFetchTimeout, Logger: logger})
	// Commands are one-shot; change feeds are not needed.
	notifier := realtime.NewNotifier(ctx, nil, realtime.Config{Logger: logger})

	ac := access.New(store, resolver, notifier, access.Config{Logger: logger})
	defer ac.Close()

	sessionCLI := cli.NewSessionCLI(ac)
	opts := cli.SessionOptions{JSONOutput: *jsonOut}
	switch cmd {
	case "login":
		return sessionCLI.LoginCommand(ctx, *email, *password, opts)
	case "whoami":
		return sessionCLI.WhoAmICommand(ctx, opts)
	case "can":
		return sessionCLI.CanCommand(ctx, splitList(*perms), opts)
	case "logout":
		return sessionCLI.LogoutCommand(ctx, opts)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return cli.ExitFailure
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "default"
	}
	return name
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

