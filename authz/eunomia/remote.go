package eunomia

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/githound/mcp-auth/authz"
	"github.com/githound/mcp-auth/internal/httpclient"
	"github.com/tidwall/gjson"
)

// RemoteEngine asks a standalone Eunomia server for decisions.
type RemoteEngine struct {
	http     *httpclient.Client
	endpoint string
	apiKey   string
}

func NewRemoteEngine(client *httpclient.Client, endpoint, apiKey string) *RemoteEngine {
	return &RemoteEngine{http: client, endpoint: strings.TrimSuffix(endpoint, "/"), apiKey: apiKey}
}

type checkRequest struct {
	Principal entity `json:"principal"`
	Resource  entity `json:"resource"`
	Action    string `json:"action"`
}

type entity struct {
	URI        string         `json:"uri"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *RemoteEngine) Evaluate(ctx context.Context, req authz.Request) (authz.Decision, error) {
	opts := []httpclient.RequestOption{httpclient.WithBody(checkRequest{
		Principal: entity{URI: req.Subject, Attributes: req.Context},
		Resource:  entity{URI: req.Resource},
		Action:    req.Action,
	})}
	if e.apiKey != "" {
		opts = append(opts, httpclient.WithAuthToken(e.apiKey))
	}
	resp, err := e.http.Post(ctx, e.endpoint+"/check", opts...)
	if err != nil {
		return authz.Decision{}, err
	}
	if resp.IsError() {
		return authz.Decision{}, fmt.Errorf("eunomia server returned %d", resp.StatusCode())
	}
	allowed := gjson.GetBytes(resp.Body(), "allowed")
	if !allowed.Exists() {
		return authz.Decision{}, errors.New("eunomia server response carries no decision")
	}
	return authz.Decision{
		Allowed: allowed.Bool(),
		Reason:  gjson.GetBytes(resp.Body(), "reason").String(),
	}, nil
}
