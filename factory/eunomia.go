//go:build !no_eunomia

package factory

import (
	"context"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/authz/eunomia"
)

func init() {
	linkDecorator(DecoratorEunomia, func(_ context.Context, inner auth.Provider, cfg Config, deps *Deps) (auth.Provider, error) {
		opts := []eunomia.Option{eunomia.WithLogger(deps.Logger)}
		if deps.HTTPClient != nil {
			opts = append(opts, eunomia.WithHTTPClient(deps.HTTPClient))
		}
		return eunomia.New(inner, cfg.Eunomia, opts...)
	})
}
