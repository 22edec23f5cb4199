package downloads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/darshan-rambhia/sweep/internal/model"
)

// DefaultBaseURL is the production download-service API root.
const DefaultBaseURL = "https://api.torbox.app/v1/api"

// ErrUnsupportedAction is returned when an action has no equivalent for an
// item's kind.
var ErrUnsupportedAction = errors.New("action not supported for item kind")

// RetryableError wraps a transport failure that can be retried.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string     { return e.Err.Error() }
func (e *RetryableError) Unwrap() error     { return e.Err }
func (e *RetryableError) IsRetryable() bool { return true }

// APIError is a non-2xx (or success=false) response from the download service.
type APIError struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func isRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	return errors.As(err, &r) && r.IsRetryable()
}

// Config configures the HTTP client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second across all tenants
	Burst     int
}

// Observer is notified after every request the client makes.
type Observer func(endpoint string, status int, elapsed time.Duration)

// Client is the download-service HTTP client. It is shared by every tenant;
// the credential travels with each call.
type Client struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	observe  Observer
	attempts int
	backoff  time.Duration
}

// NewClient creates a client from cfg, filling in defaults for zero values.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// SetObserver installs a per-request callback, typically for metrics.
func (c *Client) SetObserver(o Observer) { c.observe = o }

// envelope is the standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Error   *string         `json:"error"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path, credential string, payload any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encoding request for %s: %w", path, err)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.notify(path, 0, start)
		return nil, &RetryableError{Err: fmt.Errorf("requesting %s: %w", path, err)}
	}
	defer resp.Body.Close()
	c.notify(path, resp.StatusCode, start)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10 MB max
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw), Endpoint: path}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing response from %s: %w", path, err)
	}
	if !env.Success {
		msg := env.Detail
		if env.Error != nil && *env.Error != "" {
			msg = *env.Error + ": " + msg
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: msg, Endpoint: path}
	}
	return env.Data, nil
}

func (c *Client) notify(path string, status int, start time.Time) {
	if c.observe != nil {
		c.observe(path, status, time.Since(start))
	}
}

// get retries retryable failures with linear backoff. Control posts are never
// retried since the service does not make them idempotent.
func (c *Client) get(ctx context.Context, path, credential string) (json.RawMessage, error) {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		var data json.RawMessage
		data, err = c.do(ctx, http.MethodGet, path, credential, nil)
		if err == nil || !isRetryable(err) || attempt == c.attempts {
			return data, err
		}
		slog.Debug("retrying download-service request", "endpoint", path, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	return nil, err
}

func listKind[T any, PT interface {
	*T
	Item
}](ctx context.Context, c *Client, path, credential string) ([]Item, error) {
	data, err := c.get(ctx, path, credential)
	if err != nil {
		return nil, err
	}
	var list []T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	items := make([]Item, 0, len(list))
	for i := range list {
		items = append(items, PT(&list[i]))
	}
	return items, nil
}

// ListItems fetches the tenant's torrents, usenet downloads and web downloads
// concurrently. Any list failing fails the whole fetch.
func (c *Client) ListItems(ctx context.Context, credential string) ([]Item, error) {
	var torrents, usenet, web []Item
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		torrents, err = listKind[Torrent](gctx, c, "/torrents/mylist?bypass_cache=true", credential)
		return err
	})
	g.Go(func() (err error) {
		usenet, err = listKind[UsenetDownload](gctx, c, "/usenet/mylist?bypass_cache=true", credential)
		return err
	})
	g.Go(func() (err error) {
		web, err = listKind[WebDownload](gctx, c, "/webdl/mylist?bypass_cache=true", credential)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	items := make([]Item, 0, len(torrents)+len(usenet)+len(web))
	items = append(items, torrents...)
	items = append(items, usenet...)
	items = append(items, web...)
	return items, nil
}

type controlEndpoint struct {
	path    string
	idField string
	ops     map[model.ActionType][]string
}

// Restart has no native operation; it is a pause followed by a resume.
var controlEndpoints = map[Kind]controlEndpoint{
	KindTorrent: {
		path:    "/torrents/controltorrent",
		idField: "torrent_id",
		ops: map[model.ActionType][]string{
			model.ActionStopSeeding: {"stop_seeding"},
			model.ActionStop:        {"pause"},
			model.ActionResume:      {"resume"},
			model.ActionRestart:     {"pause", "resume"},
			model.ActionForceStart:  {"resume"},
			model.ActionReannounce:  {"reannounce"},
			model.ActionDelete:      {"delete"},
		},
	},
	KindUsenet: {
		path:    "/usenet/controlusenetdownload",
		idField: "usenet_id",
		ops: map[model.ActionType][]string{
			model.ActionStop:    {"pause"},
			model.ActionResume:  {"resume"},
			model.ActionRestart: {"pause", "resume"},
			model.ActionDelete:  {"delete"},
		},
	},
	KindWeb: {
		path:    "/webdl/controlwebdownload",
		idField: "webdl_id",
		ops: map[model.ActionType][]string{
			model.ActionDelete: {"delete"},
		},
	},
}

// Control applies action to item on behalf of the credential's owner. The
// action's params are sent with every request; they cannot replace the item
// id or the operation.
func (c *Client) Control(ctx context.Context, credential string, item Item, action model.Action) error {
	ep, ok := controlEndpoints[item.Kind()]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrUnsupportedAction, item.Kind())
	}
	ops, ok := ep.ops[action.Type]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action.Type, item.Kind())
	}
	for _, op := range ops {
		payload := make(map[string]any, len(action.Params)+2)
		maps.Copy(payload, action.Params)
		payload[ep.idField] = item.ID()
		payload["operation"] = op
		if _, err := c.do(ctx, http.MethodPost, ep.path, credential, payload); err != nil {
			return fmt.Errorf("%s %s %d: %w", op, item.Kind(), item.ID(), err)
		}
	}
	return nil
}
