package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loomhq/loom/internal/mcp"
)

// caldavArgs is the argument shape for calendar tools.
type caldavArgs struct {
	Action      string `json:"action"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
}

const caldavSchema = `{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["list", "create"]},
		"start": {"type": "string"},
		"end": {"type": "string"},
		"summary": {"type": "string"},
		"description": {"type": "string"}
	},
	"required": ["action"]
}`

// caldavAdapter talks to a calendar gateway over HTTP with Basic auth.
type caldavAdapter struct {
	name        string
	description string
	schema      json.RawMessage
	endpoint    string
	username    string
	password    string
	http        *http.Client
}

func newCalDAVAdapter(cfg Config, _ *mcp.Manager) (Adapter, error) {
	endpoint := strings.TrimRight(cfg.Settings["endpoint"], "/")
	if endpoint == "" {
		return nil, fmt.Errorf("settings.endpoint is required")
	}
	schema := json.RawMessage(caldavSchema)
	if len(cfg.Schema) > 0 {
		var err error
		schema, err = cfg.schemaJSON()
		if err != nil {
			return nil, err
		}
	}
	return &caldavAdapter{
		name:        cfg.Name,
		description: cfg.Description,
		schema:      schema,
		endpoint:    endpoint,
		username:    cfg.Credentials["username"],
		password:    cfg.Credentials["password"],
		http:        &http.Client{},
	}, nil
}

func (a *caldavAdapter) Name() string            { return a.name }
func (a *caldavAdapter) Description() string     { return a.description }
func (a *caldavAdapter) Schema() json.RawMessage { return a.schema }

func (a *caldavAdapter) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var parsed caldavArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, toolErr(KindProtocolError, a.name, fmt.Errorf("decode arguments: %w", err))
	}

	switch parsed.Action {
	case "list":
		return a.listEvents(ctx, parsed)
	case "create":
		return a.createEvent(ctx, parsed)
	default:
		return nil, toolErr(KindProtocolError, a.name, fmt.Errorf("unsupported action %q", parsed.Action))
	}
}

func (a *caldavAdapter) listEvents(ctx context.Context, args caldavArgs) (json.RawMessage, error) {
	q := url.Values{}
	if args.Start != "" {
		q.Set("start", args.Start)
	}
	if args.End != "" {
		q.Set("end", args.End)
	}
	target := a.endpoint + "/events"
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, toolErr(KindUnknown, a.name, err)
	}
	return a.do(req)
}

func (a *caldavAdapter) createEvent(ctx context.Context, args caldavArgs) (json.RawMessage, error) {
	if args.Summary == "" || args.Start == "" {
		return nil, toolErr(KindProtocolError, a.name, fmt.Errorf("create requires summary and start"))
	}
	body, err := json.Marshal(map[string]string{
		"summary":     args.Summary,
		"description": args.Description,
		"start":       args.Start,
		"end":         args.End,
	})
	if err != nil {
		return nil, toolErr(KindUnknown, a.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, toolErr(KindUnknown, a.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

func (a *caldavAdapter) do(req *http.Request) (json.RawMessage, error) {
	if a.username != "" || a.password != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, toolErr(KindTimeout, a.name, err)
		}
		return nil, toolErr(KindUnknown, a.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, toolErr(KindUnknown, a.name, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, toolErr(KindAuthFailure, a.name, fmt.Errorf("calendar returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, toolErr(KindNotFound, a.name, fmt.Errorf("calendar returned 404"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, toolErr(KindProtocolError, a.name, fmt.Errorf("calendar returned %d: %s", resp.StatusCode, string(raw)))
	}

	if !json.Valid(raw) {
		out, err := json.Marshal(map[string]string{"output": string(raw)})
		if err != nil {
			return nil, toolErr(KindUnknown, a.name, err)
		}
		return out, nil
	}
	return json.RawMessage(raw), nil
}
