package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/httpclient"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/observability"
)

// Client talks to the LM gateway service over HTTP.
type Client struct {
	cfg     *config.GatewayConfig
	http    *httpclient.Client
	flight  singleflight.Group
	embeds  *lru.Cache[string, []float32]
	results *lru.Cache[string, json.RawMessage]

	global *semaphore.Weighted

	mu     sync.Mutex
	worlds map[string]*semaphore.Weighted

	metrics *observability.Metrics
}

type Option func(*Client)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func NewClient(cfg *config.GatewayConfig, opts ...Option) (*Client, error) {
	embeds, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	results, err := lru.New[string, json.RawMessage](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion cache: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		embeds:  embeds,
		results: results,
		global:  semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		worlds:  make(map[string]*semaphore.Weighted),
		http: httpclient.New(
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(cfg.RetryBaseDelay),
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// acquire takes the global slot and, when ctx carries a world tag, the
// world's slot. Release order is the reverse of acquisition.
func (c *Client) acquire(ctx context.Context) (release func(), err error) {
	if err := c.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	worldID := WorldFrom(ctx)
	if worldID == "" {
		return func() { c.global.Release(1) }, nil
	}

	c.mu.Lock()
	sem, ok := c.worlds[worldID]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.cfg.WorldConcurrency))
		c.worlds[worldID] = sem
	}
	c.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		c.global.Release(1)
		return nil, err
	}
	return func() {
		sem.Release(1)
		c.global.Release(1)
	}, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := "embed:" + contentHash(text)
	if vec, ok := c.embeds.Get(key); ok {
		c.record("embed", "cache_hit", 0)
		return vec, nil
	}

	v, err := c.do(ctx, "embed", key, func(callCtx context.Context) (any, error) {
		var resp embedResponse
		if err := c.post(callCtx, "/embeddings", embedRequest{Text: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding) != c.cfg.EmbeddingDimension {
			return nil, &model.FatalError{
				Op:  "embed",
				Err: fmt.Errorf("embedding dimension %d, want %d", len(resp.Embedding), c.cfg.EmbeddingDimension),
			}
		}
		c.embeds.Add(key, resp.Embedding)
		return resp.Embedding, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

type importanceRequest struct {
	Content      string `json:"content"`
	AgentContext string `json:"agent_context,omitempty"`
}

type importanceResponse struct {
	Importance int `json:"importance"`
}

func (c *Client) ScoreImportance(ctx context.Context, content, agentContext string) (int, error) {
	key := "importance:" + contentHash(content, agentContext)

	v, err := c.do(ctx, "importance", key, func(callCtx context.Context) (any, error) {
		var resp importanceResponse
		if err := c.post(callCtx, "/importance/score", importanceRequest{
			Content:      content,
			AgentContext: agentContext,
		}, &resp); err != nil {
			return nil, err
		}
		if resp.Importance < model.MinImportance || resp.Importance > model.MaxImportance {
			return nil, fmt.Errorf("importance %d out of range", resp.Importance)
		}
		return resp.Importance, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// Scoring is best-effort: degrade to the neutral fallback.
		slog.Debug("importance scoring failed, using fallback", "error", err)
		return FallbackImportance, nil
	}
	return v.(int), nil
}

func (c *Client) Complete(ctx context.Context, kind CompletionKind, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode completion payload: %w", err)
	}
	key := "complete:" + string(kind) + ":" + contentHash(string(body))

	if cached, ok := c.results.Get(key); ok {
		c.record(string(kind), "cache_hit", 0)
		return json.Unmarshal(cached, out)
	}

	v, err := c.do(ctx, string(kind), key, func(callCtx context.Context) (any, error) {
		var raw json.RawMessage
		if err := c.post(callCtx, "/"+string(kind)+"/generate", json.RawMessage(body), &raw); err != nil {
			return nil, err
		}
		c.results.Add(key, raw)
		return raw, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &model.LMUnavailableError{Op: string(kind), Err: err}
	}
	return json.Unmarshal(v.(json.RawMessage), out)
}

// do runs fn under the concurrency caps with single-flight deduplication.
// The shared call runs on a context detached from the initiating caller so
// one caller's cancellation cannot poison the result for waiters; the
// per-call deadline still bounds it.
func (c *Client) do(ctx context.Context, op, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.flight.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
		defer cancel()

		release, err := c.acquire(callCtx)
		if err != nil {
			return nil, err
		}
		defer release()

		start := time.Now()
		v, err := fn(callCtx)
		if err != nil {
			c.record(op, "error", time.Since(start))
			return nil, err
		}
		c.record(op, "ok", time.Since(start))
		return v, nil
	})

	select {
	case <-ctx.Done():
		c.flight.Forget(key)
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unexpected response shape from %s: %w", path, err)
	}
	return nil
}

func (c *Client) record(op, outcome string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordGatewayCall(op, outcome, elapsed)
}
