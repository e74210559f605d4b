//go:build !no_permit

package factory

import (
	"context"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/authz/permit"
)

func init() {
	linkDecorator(DecoratorPermit, func(_ context.Context, inner auth.Provider, cfg Config, deps *Deps) (auth.Provider, error) {
		opts := []permit.Option{permit.WithLogger(deps.Logger)}
		if deps.HTTPClient != nil {
			opts = append(opts, permit.WithHTTPClient(deps.HTTPClient))
		}
		return permit.New(inner, cfg.Permit, opts...)
	})
}
