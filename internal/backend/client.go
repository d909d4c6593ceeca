// Package backend talks to the Remrin service: auth session, persona reads,
// and memory retrieval. It is the only package holding the authenticated
// session; everything else reaches it through the broker.
//
// The service is an opaque collaborator. Calls go through a circuit breaker
// and a rate limiter so a degraded backend trips to the caller's
// empty-result path quickly instead of stalling a chat submission.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/remrin/locket/internal/soul"
)

// Config holds backend connection settings.
type Config struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	TimeoutMs      int     `yaml:"timeout_ms"`
	RetrievalLimit int     `yaml:"retrieval_limit"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
	BreakerTrips   uint32  `yaml:"breaker_trips"`
	BreakerResetMs int     `yaml:"breaker_reset_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.remrin.ai",
		TimeoutMs:      10000,
		RetrievalLimit: 5,
		RatePerSec:     4,
		BreakerTrips:   3,
		BreakerResetMs: 30000,
	}
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) breakerReset() time.Duration {
	if c.BreakerResetMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BreakerResetMs) * time.Millisecond
}

// Snippet is one ranked retrieval result.
type Snippet struct {
	Content    string   `json:"content"`
	Similarity *float64 `json:"similarity,omitempty"`
}

// SearchResult is the retrieval response shape.
type SearchResult struct {
	Success    bool      `json:"success"`
	LocketData *string   `json:"locket_data"`
	Results    []Snippet `json:"results"`
}

// Client is the backend HTTP client.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	tokens  TokenStore

	mu      sync.RWMutex
	session *Session
}

// New creates a client. tokens may be nil, in which case the session only
// lives in memory.
func New(cfg Config, tokens TokenStore, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	trips := cfg.BreakerTrips
	if trips == 0 {
		trips = 3
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 4
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.timeout()},
		log:  log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "remrin-backend",
			Timeout: cfg.breakerReset(),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trips
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		tokens:  tokens,
	}
}

// RetrievalLimit returns the configured result cap for memory searches.
func (c *Client) RetrievalLimit() int {
	if c.cfg.RetrievalLimit <= 0 {
		return 5
	}
	return c.cfg.RetrievalLimit
}

// personaRow mirrors the backend's personas table projection.
type personaRow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ImagePath     *string        `json:"image_path"`
	PersonaPrompt *string        `json:"persona_prompt"`
	PersonaConfig map[string]any `json:"persona_config"`
	CreatedAt     time.Time      `json:"created_at"`
}

// lockets table projection: curated core-memory blocks per persona.
type locketRow struct {
	PersonaID string  `json:"persona_id"`
	Data      *string `json:"data"`
}

// ListPersonas fetches all personas owned by the signed-in user, newest
// first, mapped to the Soul shape. Absent fields are nulled or defaulted,
// never dropped.
func (c *Client) ListPersonas(ctx context.Context) ([]soul.Soul, error) {
	sess := c.Session()
	if sess == nil {
		return nil, ErrNotAuthenticated
	}

	q := url.Values{}
	q.Set("select", "id,name,image_path,persona_prompt,persona_config,created_at")
	q.Set("user_id", "eq."+sess.UserID)
	q.Set("order", "created_at.desc")

	var rows []personaRow
	if err := c.getJSON(ctx, "/rest/v1/personas?"+q.Encode(), &rows); err != nil {
		return nil, fmt.Errorf("fetch personas: %w", err)
	}

	lockets := c.fetchLockets(ctx, sess.UserID)

	souls := make([]soul.Soul, 0, len(rows))
	for _, row := range rows {
		s := soul.Soul{
			ID:        row.ID,
			Name:      row.Name,
			AvatarURL: row.ImagePath,
			Config:    row.PersonaConfig,
			CreatedAt: row.CreatedAt,
		}
		if row.PersonaPrompt != nil {
			s.SystemPrompt = *row.PersonaPrompt
		}
		if s.Config == nil {
			s.Config = map[string]any{}
		}
		if data, ok := lockets[row.ID]; ok {
			s.LocketData = data
		}
		souls = append(souls, s)
	}
	return souls, nil
}

// fetchLockets pulls core-memory blocks for the user's personas. Failure is
// not fatal: souls without locket data are still usable.
func (c *Client) fetchLockets(ctx context.Context, userID string) map[string]*string {
	q := url.Values{}
	q.Set("select", "persona_id,data")
	q.Set("user_id", "eq."+userID)

	var rows []locketRow
	if err := c.getJSON(ctx, "/rest/v1/lockets?"+q.Encode(), &rows); err != nil {
		c.log.Debug("locket fetch failed", zap.Error(err))
		return nil
	}
	out := make(map[string]*string, len(rows))
	for _, row := range rows {
		out[row.PersonaID] = row.Data
	}
	return out
}

// SearchMemories invokes the search-memories function for the signed-in user
// and the given persona.
func (c *Client) SearchMemories(ctx context.Context, query, personaID string, limit int) (*SearchResult, error) {
	sess := c.Session()
	if sess == nil {
		return nil, ErrNotAuthenticated
	}
	if limit <= 0 {
		limit = c.RetrievalLimit()
	}

	body := map[string]any{
		"query":      query,
		"persona_id": personaID,
		"user_id":    sess.UserID,
		"limit":      limit,
	}

	var result SearchResult
	if err := c.postJSON(ctx, "/functions/v1/search-memories", body, &result); err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.roundTrip(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.roundTrip(ctx, http.MethodPost, path, payload, out)
}

// roundTrip runs one request through the limiter and the breaker.
func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		if sess := c.Session(); sess != nil {
			req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		}
		if out == nil {
			return nil, nil
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}
