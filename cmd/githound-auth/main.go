// Command githound-auth serves the githound git tools over MCP behind the
// configured authentication provider and policy decorators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/factory"
	"github.com/githound/mcp-auth/internal/logctx"
)

var Version = "dev"

type config struct {
	ListenAddr string `env:"GITHOUND_LISTEN_ADDR,default=:8080"`
	// PublicURL is the externally reachable MCP endpoint.
	PublicURL  string `env:"GITHOUND_PUBLIC_URL,default=http://localhost:8080/mcp"`
	RepoPath   string `env:"GITHOUND_REPO_PATH,default=."`
	ServerName string `env:"GITHOUND_SERVER_NAME,default=githound"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	printSchema := flag.Bool("print-policy-schema", false, "print the JSON schema of the policy file and exit")
	flag.Parse()

	if *printSchema {
		return printPolicySchema(os.Stdout)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", *envFile, err)
	}
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("server config: %w", err)
	}
	resource, err := url.Parse(cfg.PublicURL)
	if err != nil || resource.Host == "" {
		return fmt.Errorf("GITHOUND_PUBLIC_URL must be an absolute URL")
	}
	if resource.Path == "" || resource.Path == "/" {
		resource.Path = "/mcp"
	}

	logger := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := factory.FromEnv(ctx, factory.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building auth provider: %w", err)
	}
	guard, err := auth.NewGuard(stack.Provider, auth.WithGuardLogger(logger))
	if err != nil {
		return err
	}

	rt := &routes{guard: guard, resource: resource, name: cfg.ServerName, log: logger}
	rt.setProvider(stack.Provider)

	server := mcp.NewServer(&mcp.Implementation{Name: cfg.ServerName, Version: Version}, nil)
	t := &tools{guard: guard, repo: gitRepo{dir: cfg.RepoPath}, identify: identifyRequest(guard), log: logger}
	t.register(server)

	live := &liveStack{log: logger}
	live.start(ctx, stack)
	defer live.close()
	go reloadOnHangup(ctx, *envFile, logger, guard, rt, live)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rt.handler(server),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("resource", resource.String()),
		slog.String("provider", fmt.Sprintf("%T", stack.Provider)),
		slog.Any("decorators", stack.Decorators),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// liveStack owns the provider stack in service along with its policy file
// watchers.
type liveStack struct {
	log *slog.Logger

	mu     sync.Mutex
	stack  *factory.Stack
	cancel context.CancelFunc
}

type policyWatcher interface {
	Watch(ctx context.Context) error
}

func (l *liveStack) start(ctx context.Context, s *factory.Stack) {
	wctx, cancel := context.WithCancel(ctx)
	for _, p := range auth.Chain(s.Provider) {
		if w, ok := p.(policyWatcher); ok {
			go func() {
				if err := w.Watch(wctx); err != nil {
					l.log.Warn("policy.watch.stopped", slog.String("err", err.Error()))
				}
			}()
		}
	}

	l.mu.Lock()
	old, oldCancel := l.stack, l.cancel
	l.stack, l.cancel = s, cancel
	l.mu.Unlock()

	if old != nil {
		oldCancel()
		if err := old.Close(); err != nil {
			l.log.Warn("auth.stack.close", slog.String("err", err.Error()))
		}
	}
}

func (l *liveStack) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stack != nil {
		l.cancel()
		_ = l.stack.Close()
		l.stack = nil
	}
}

// reloadOnHangup re-reads envFile and rebuilds the provider on SIGHUP,
// swapping it in. A failed rebuild keeps the current provider.
func reloadOnHangup(ctx context.Context, envFile string, logger *slog.Logger, guard *auth.Guard, rt *routes, live *liveStack) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if err := godotenv.Overload(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("auth.reload.failed", slog.String("err", err.Error()))
			continue
		}
		stack, err := factory.FromEnv(ctx, factory.WithLogger(logger))
		if err != nil {
			logger.Error("auth.reload.failed", slog.String("err", err.Error()))
			continue
		}
		if _, err := guard.Swap(stack.Provider); err != nil {
			_ = stack.Close()
			logger.Error("auth.reload.failed", slog.String("err", err.Error()))
			continue
		}
		rt.setProvider(stack.Provider)
		live.start(ctx, stack)
	}
}
