// Package factory builds the provider graph named by configuration: a base
// provider looked up in a registry, wrapped by the policy decorators that
// are both requested and linked into the binary.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/storage"
	"github.com/githound/mcp-auth/storage/memory"
	redisstore "github.com/githound/mcp-auth/storage/redis"
)

// Decorator names, in the order they are applied.
const (
	DecoratorEunomia = "eunomia"
	DecoratorPermit  = "permit"
)

var decoratorOrder = []string{DecoratorEunomia, DecoratorPermit}

// ErrDuplicateProvider is returned when a registry key is taken.
var ErrDuplicateProvider = errors.New("provider already registered")

// ProviderFactory builds a base provider. Resources it opens should be
// handed to deps.OnClose.
type ProviderFactory func(ctx context.Context, cfg Config, deps *Deps) (auth.Provider, error)

// DecoratorFactory wraps inner with a policy decorator configured from cfg.
type DecoratorFactory func(ctx context.Context, inner auth.Provider, cfg Config, deps *Deps) (auth.Provider, error)

// linked holds decorators compiled into the binary. Build-tagged files add
// to it from init.
var (
	linkedMu sync.Mutex
	linked   = map[string]DecoratorFactory{}
)

func linkDecorator(name string, f DecoratorFactory) {
	linkedMu.Lock()
	defer linkedMu.Unlock()
	linked[name] = f
}

// Deps carries runtime dependencies shared by the factories.
type Deps struct {
	Logger     *slog.Logger
	HTTPClient *http.Client

	cfg     Config
	store   storage.Storage
	closers []func() error
}

// Storage returns the configured proxy store, opening it on first use.
func (d *Deps) Storage(ctx context.Context) (storage.Storage, error) {
	if d.store != nil {
		return d.store, nil
	}
	switch strings.ToLower(d.cfg.Storage) {
	case "", StorageMemory:
		s := memory.New(d.cfg.StorageMaxItems)
		d.OnClose(s.Close)
		d.store = s
	case StorageRedis:
		if d.cfg.RedisAddr == "" {
			return nil, auth.MissingField("REDIS_ADDR")
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     d.cfg.RedisAddr,
			Password: d.cfg.RedisPassword,
			DB:       d.cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: redis %s: %v", auth.ErrUpstreamUnavailable, d.cfg.RedisAddr, err)
		}
		s, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: d.cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		d.OnClose(client.Close)
		d.store = s
	default:
		return nil, &auth.ConfigError{Field: "GITHOUND_AUTH_STORAGE", Reason: fmt.Sprintf("unknown backend %q", d.cfg.Storage)}
	}
	return d.store, nil
}

// OnClose registers fn to run when the owning Stack closes.
func (d *Deps) OnClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Option configures New.
type Option func(*Deps)

func WithLogger(l *slog.Logger) Option {
	return func(d *Deps) { d.Logger = l }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(d *Deps) { d.HTTPClient = hc }
}

// WithConfig supplies the settings Wrap hands to decorators. New uses its
// own cfg argument instead.
func WithConfig(cfg Config) Option {
	return func(d *Deps) { d.cfg = cfg }
}

// WithStorage supplies the proxy store. The caller keeps ownership.
func WithStorage(s storage.Storage) Option {
	return func(d *Deps) { d.store = s }
}

// Stack is a built provider together with the resources it holds.
type Stack struct {
	Provider auth.Provider
	// Decorators lists the decorators applied, innermost first.
	Decorators []string

	closeOnce sync.Once
	closers   []func() error
	closeErr  error
}

// Close releases the stack's resources in reverse order of acquisition.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

type entry struct {
	name  string
	build ProviderFactory
}

// Registry maps provider keys to factories.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]entry
	decorators map[string]DecoratorFactory
}

// NewRegistry returns a registry holding the built-in providers and every
// linked decorator.
func NewRegistry() *Registry {
	r := &Registry{
		providers:  map[string]entry{},
		decorators: map[string]DecoratorFactory{},
	}
	for name, f := range builtins {
		r.providers[normalize(name)] = entry{name: name, build: f}
	}
	for alias, name := range aliases {
		r.providers[normalize(alias)] = entry{name: name, build: builtins[name]}
	}

	linkedMu.Lock()
	for name, f := range linked {
		r.decorators[name] = f
	}
	linkedMu.Unlock()
	return r
}

var defaultRegistry = sync.OnceValue(NewRegistry)

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry() }

// Register adds a provider under name. Legacy class paths resolve to it by
// their final segment.
func (r *Registry) Register(name string, f ProviderFactory) error {
	key := normalize(name)
	if key == "" || f == nil {
		return &auth.ConfigError{Field: "provider", Reason: "name and factory are required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.providers[key] = entry{name: name, build: f}
	return nil
}

// RegisterDecorator links a decorator factory under name, replacing any
// previous one.
func (r *Registry) RegisterDecorator(name string, f DecoratorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decorators[name] = f
}

// Resolve maps a registry key or legacy class path to its canonical name.
func (r *Registry) Resolve(name string) (string, ProviderFactory, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, auth.MissingField("FASTMCP_SERVER_AUTH")
	}
	r.mu.RLock()
	e, ok := r.providers[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return "", nil, &auth.ConfigError{Field: "FASTMCP_SERVER_AUTH", Reason: fmt.Sprintf("unknown provider %q", name)}
	}
	return e.name, e.build, nil
}

// Linked reports whether the named decorator is available.
func (r *Registry) Linked(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decorators[name]
	return ok
}

// New builds the base provider named by cfg and wraps it with the requested
// decorators. Every resource opened along the way is released if any step
// fails. A requested decorator that is not linked is logged and skipped.
func (r *Registry) New(ctx context.Context, cfg Config, opts ...Option) (*Stack, error) {
	deps := &Deps{}
	for _, opt := range opts {
		opt(deps)
	}
	deps.cfg = cfg
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	name, build, err := r.Resolve(cfg.Provider)
	if err != nil {
		return nil, err
	}

	// Background refreshers started by the factories live as long as the
	// stack does.
	ctx, cancel := context.WithCancel(ctx)
	stack := &Stack{}
	fail := func(err error) (*Stack, error) {
		stack.closers = append([]func() error{func() error { cancel(); return nil }}, deps.closers...)
		_ = stack.Close()
		return nil, err
	}

	p, err := build(ctx, cfg, deps)
	if err != nil {
		return fail(fmt.Errorf("%s provider: %w", name, err))
	}
	deps.Logger.DebugContext(ctx, "factory.provider.built", slog.String("provider", name))

	p, applied, err := r.wrap(ctx, p, cfg.Decorators(), deps)
	if err != nil {
		return fail(err)
	}

	stack.Provider = p
	stack.Decorators = applied
	stack.closers = append([]func() error{func() error { cancel(); return nil }}, deps.closers...)
	return stack, nil
}

// Wrap applies the named decorators to base in canonical order. Their
// settings come from WithConfig; without it each decorator runs on its
// package defaults.
func (r *Registry) Wrap(ctx context.Context, base auth.Provider, names []string, opts ...Option) (auth.Provider, error) {
	deps := &Deps{}
	for _, opt := range opts {
		opt(deps)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	p, _, err := r.wrap(ctx, base, names, deps)
	return p, err
}

func (r *Registry) wrap(ctx context.Context, p auth.Provider, names []string, deps *Deps) (auth.Provider, []string, error) {
	requested := map[string]bool{}
	for _, n := range names {
		requested[strings.ToLower(n)] = true
	}
	var applied []string
	for _, name := range decoratorOrder {
		if !requested[name] {
			continue
		}
		r.mu.RLock()
		f, ok := r.decorators[name]
		r.mu.RUnlock()
		if !ok {
			deps.Logger.WarnContext(ctx, "factory.decorator.unavailable",
				slog.String("decorator", name),
				slog.String("hint", "binary built with no_"+name))
			continue
		}
		next, err := f(ctx, p, deps.cfg, deps)
		if err != nil {
			return nil, nil, fmt.Errorf("%s decorator: %w", name, err)
		}
		deps.Logger.InfoContext(ctx, "factory.decorator.applied", slog.String("decorator", name))
		p = next
		applied = append(applied, name)
	}
	return p, applied, nil
}

// New builds a provider stack with the default registry.
func New(ctx context.Context, cfg Config, opts ...Option) (*Stack, error) {
	return Default().New(ctx, cfg, opts...)
}

// FromEnv reads Config from the environment and builds it with the default
// registry.
func FromEnv(ctx context.Context, opts ...Option) (*Stack, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// Register adds a provider to the default registry.
func Register(name string, f ProviderFactory) error {
	return Default().Register(name, f)
}

// normalize reduces a key or class path such as
// "fastmcp.server.auth.providers.github.GitHubProvider" to "github".
func normalize(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(name)
	name = strings.NewReplacer("_", "", "-", "").Replace(name)
	for _, suffix := range []string{"provider", "verifier"} {
		if trimmed := strings.TrimSuffix(name, suffix); trimmed != "" {
			name = trimmed
		}
	}
	return name
}
