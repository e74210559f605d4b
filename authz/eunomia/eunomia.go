// Package eunomia authorizes requests against a JSON policy document, or a
// remote Eunomia server, layered over an inner authentication provider.
package eunomia

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/authz"
	"github.com/githound/mcp-auth/internal/httpclient"
)

// Name identifies the decorator in the factory registry and logs.
const Name = "eunomia"

type Provider struct {
	*authz.Decorator

	mu   sync.Mutex
	http *httpclient.Client
	log  *slog.Logger
}

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithHTTPClient sets the transport used in remote mode.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.http = httpclient.NewWithHTTPClient(hc, 0) }
}

// New wraps inner with policy enforcement. A missing policy file is not an
// error: the built-in role policy applies and a warning is logged.
func New(inner auth.Provider, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	cfg = cfg.withDefaults()
	if p.http == nil {
		p.http = httpclient.New(cfg.Timeout)
	}

	engine, err := p.buildEngine(cfg)
	if err != nil {
		return nil, err
	}
	d, err := authz.NewDecorator(inner, Name, settingsOf(cfg), engine, p.log)
	if err != nil {
		return nil, err
	}
	p.Decorator = d
	return p, nil
}

func settingsOf(cfg Config) authz.Settings {
	return authz.Settings{
		ServerName:    cfg.ServerName,
		BypassMethods: cfg.BypassMethods,
		AuditLog:      cfg.EnableAuditLogging,
		Config:        cfg,
	}
}

func (p *Provider) buildEngine(cfg Config) (authz.Engine, error) {
	if cfg.Endpoint != "" {
		return NewRemoteEngine(p.http, cfg.Endpoint, cfg.APIKey), nil
	}
	policy, err := LoadPolicyFile(cfg.PolicyFile)
	if errors.Is(err, fs.ErrNotExist) {
		p.log.Warn("eunomia.policy.missing", slog.String("path", cfg.PolicyFile))
		return authz.DefaultPolicy{Server: cfg.ServerName}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", auth.ErrPolicyEngineUnavailable, cfg.PolicyFile, err)
	}
	p.log.Info("eunomia.policy.loaded", slog.String("path", cfg.PolicyFile), slog.Int("rules", len(policy.Rules)))
	return NewPolicyEngine(policy, cfg.ServerName), nil
}

// Config returns a copy of the active configuration. It always matches the
// engine in service.
func (p *Provider) Config() Config {
	c, _ := p.Settings().Config.(Config)
	c.BypassMethods = append([]string(nil), c.BypassMethods...)
	return c
}

func (p *Provider) PolicyFilePath() string { return p.Config().PolicyFile }

func (p *Provider) ServerName() string { return p.Config().ServerName }

// ReloadPolicies re-reads the policy document. On failure the previous
// engine stays in service.
func (p *Provider) ReloadPolicies() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.Config()
	engine, err := p.buildEngine(cfg)
	if err != nil {
		p.log.Error("eunomia.policy.reload_failed", slog.String("err", err.Error()))
		return err
	}
	return p.Reconfigure(settingsOf(cfg), engine)
}

// UpdateConfig applies fn to a copy of the configuration and re-initializes
// the engine. Checks in flight see either the old or the new configuration.
func (p *Provider) UpdateConfig(fn func(*Config)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.Config()
	fn(&next)
	next = next.withDefaults()
	engine, err := p.buildEngine(next)
	if err != nil {
		return err
	}
	return p.Reconfigure(settingsOf(next), engine)
}

// Watch reloads the policy whenever the policy file changes, until ctx is
// done. It is a no-op in remote mode.
func (p *Provider) Watch(ctx context.Context) error {
	if p.Config().Endpoint != "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	// Editors replace files by rename, so watch the directory.
	path, err := filepath.Abs(p.PolicyFilePath())
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			p.log.Info("eunomia.policy.changed", slog.String("op", ev.Op.String()))
			_ = p.ReloadPolicies()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.Debug("eunomia.watch.error", slog.String("err", err.Error()))
		}
	}
}
