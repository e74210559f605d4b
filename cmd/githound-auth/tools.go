package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/internal/logctx"
)

const maxOutput = 64 << 10

// repository is the git surface the tools expose.
type repository interface {
	Info(ctx context.Context) (*RepositoryInfo, error)
	Blame(ctx context.Context, in BlameInput) (*TextOutput, error)
	Diff(ctx context.Context, in DiffInput) (*TextOutput, error)
	Search(ctx context.Context, in SearchInput) (*TextOutput, error)
}

type RepositoryInfoInput struct{}

type RepositoryInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Head   string `json:"head"`
	Remote string `json:"remote,omitempty"`
}

type BlameInput struct {
	Path      string `json:"path" jsonschema:"file path relative to the repository root"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"first line to annotate, 1-indexed"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"last line to annotate"`
}

type DiffInput struct {
	Base         string `json:"base" jsonschema:"base revision"`
	Head         string `json:"head,omitempty" jsonschema:"head revision, defaults to the working tree"`
	Path         string `json:"path,omitempty" jsonschema:"limit the diff to this path"`
	ContextLines int    `json:"context_lines,omitempty" jsonschema:"lines of context around each change"`
}

type SearchInput struct {
	Query      string `json:"query" jsonschema:"fixed string to search for"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum matching lines, defaults to 50"`
}

type TextOutput struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

// identifyFunc resolves the caller of a tool request.
type identifyFunc func(ctx context.Context, req *mcp.CallToolRequest) (*auth.User, error)

type tools struct {
	guard    *auth.Guard
	repo     repository
	identify identifyFunc
	log      *slog.Logger
}

// register adds the git tools to server. Every call is authorized with the
// tool name and its arguments before the repository is touched.
func (t *tools) register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "repository_info",
		Description: "Current branch, head commit and origin of the repository.",
	}, guarded(t, "repository_info", func(ctx context.Context, _ RepositoryInfoInput) (*RepositoryInfo, error) {
		return t.repo.Info(ctx)
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "blame",
		Description: "Line-by-line authorship of a file, optionally restricted to a line range.",
	}, guarded(t, "blame", t.repo.Blame))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "diff",
		Description: "Unified diff between a base revision and a head revision or the working tree.",
	}, guarded(t, "diff", t.repo.Diff))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search",
		Description: "Fixed-string search across tracked files. Returns path:line:text matches.",
	}, guarded(t, "search", t.repo.Search))
}

func guarded[In, Out any](t *tools, name string, run func(context.Context, In) (*Out, error)) mcp.ToolHandlerFor[In, *Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, *Out, error) {
		ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
		user, err := t.identify(ctx, req)
		if err != nil {
			return errorResult("authentication required: " + err.Error()), nil, nil
		}
		args, err := toArgs(in)
		if err != nil {
			return nil, nil, err
		}
		if !t.guard.CheckToolPermission(ctx, user, name, args) {
			t.log.InfoContext(ctx, "tool.denied", slog.String("user", user.Username))
			return errorResult(fmt.Sprintf("permission denied: %s may not call %s", user.Username, name)), nil, nil
		}
		out, err := run(ctx, in)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		return textResult(out), out, nil
	}
}

// identifyRequest takes the user stored by the HTTP middleware and
// otherwise authenticates the Authorization header the SDK forwarded.
func identifyRequest(guard *auth.Guard) identifyFunc {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*auth.User, error) {
		if u, ok := auth.UserFromContext(ctx); ok {
			return u, nil
		}
		if req == nil || req.Extra == nil || req.Extra.Header == nil {
			return nil, auth.ErrInvalidCredential
		}
		return guard.AuthenticateRequest(ctx, req.Extra.Header.Get("Authorization"))
	}
}

func toArgs(in any) (map[string]any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	args := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	return args, nil
}

func textResult(v any) *mcp.CallToolResult {
	var text string
	if to, ok := v.(*TextOutput); ok {
		text = to.Text
	} else {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errorResult(fmt.Sprintf("error marshaling result: %v", err))
		}
		text = string(data)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// gitRepo shells out to the git binary.
type gitRepo struct {
	dir string
}

func (g gitRepo) git(ctx context.Context, args ...string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// git grep exits 1 when nothing matched.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && stderr.Len() == 0 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(stderr.String()))
	}
	out := stdout.String()
	if len(out) > maxOutput {
		return out[:maxOutput], true, nil
	}
	return out, false, nil
}

func (g gitRepo) Info(ctx context.Context) (*RepositoryInfo, error) {
	branch, _, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	head, _, err := g.git(ctx, "log", "-1", "--format=%H %s")
	if err != nil {
		return nil, err
	}
	remote, _, _ := g.git(ctx, "remote", "get-url", "origin")
	return &RepositoryInfo{
		Path:   g.dir,
		Branch: strings.TrimSpace(branch),
		Head:   strings.TrimSpace(head),
		Remote: strings.TrimSpace(remote),
	}, nil
}

func (g gitRepo) Blame(ctx context.Context, in BlameInput) (*TextOutput, error) {
	if in.Path == "" {
		return nil, errors.New("path is required")
	}
	args := []string{"blame", "--date=short"}
	if in.StartLine > 0 {
		end := ""
		if in.EndLine >= in.StartLine {
			end = strconv.Itoa(in.EndLine)
		}
		args = append(args, "-L", strconv.Itoa(in.StartLine)+","+end)
	}
	out, trunc, err := g.git(ctx, append(args, "--", in.Path)...)
	if err != nil {
		return nil, err
	}
	return &TextOutput{Text: out, Truncated: trunc}, nil
}

func (g gitRepo) Diff(ctx context.Context, in DiffInput) (*TextOutput, error) {
	if in.Base == "" {
		return nil, errors.New("base is required")
	}
	for _, rev := range []string{in.Base, in.Head} {
		if err := checkRevision(rev); err != nil {
			return nil, err
		}
	}
	args := []string{"diff"}
	if in.ContextLines > 0 {
		args = append(args, "--unified="+strconv.Itoa(in.ContextLines))
	}
	args = append(args, "--end-of-options", in.Base)
	if in.Head != "" {
		args = append(args, in.Head)
	}
	if in.Path != "" {
		args = append(args, "--", in.Path)
	}
	out, trunc, err := g.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	return &TextOutput{Text: out, Truncated: trunc}, nil
}

// checkRevision refuses revisions git would parse as options.
func checkRevision(rev string) error {
	if strings.HasPrefix(rev, "-") {
		return fmt.Errorf("invalid revision %q", rev)
	}
	return nil
}

func (g gitRepo) Search(ctx context.Context, in SearchInput) (*TextOutput, error) {
	if in.Query == "" {
		return nil, errors.New("query is required")
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = 50
	}
	out, trunc, err := g.git(ctx, "grep", "-n", "-I", "-F", "-e", in.Query)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitAfter(out, "\n")
	if len(lines) > limit {
		lines, trunc = lines[:limit], true
	}
	return &TextOutput{Text: strings.Join(lines, ""), Truncated: trunc}, nil
}
