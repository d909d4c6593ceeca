// Package broker is the background worker: the single owner of the
// authenticated backend session and the only writer to the state store. Page
// agents and the CLI reach it through a small request/response message
// surface; all handlers run on one goroutine, so state mutations are
// serialized by construction rather than by locks.
//
// Handlers never propagate errors across the message boundary. The transport
// contract is exactly one response per request, so failures become
// {success:false, error} and retrieval failures degrade to empty results;
// a hung or failed context lookup must never block the user from sending a
// plain, uncontextualized message.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/remrin/locket/internal/backend"
	"github.com/remrin/locket/internal/retrieval"
	"github.com/remrin/locket/internal/soul"
	"github.com/remrin/locket/internal/state"
)

// MessageType identifies one RPC.
type MessageType string

const (
	MsgGetState      MessageType = "GET_STATE"
	MsgGetSouls      MessageType = "GET_SOULS"
	MsgSetActiveSoul MessageType = "SET_ACTIVE_SOUL"
	MsgGetRAGContext MessageType = "GET_RAG_CONTEXT"
	MsgLogout        MessageType = "LOGOUT"
	// MsgInjectionComplete is reserved for agents to report finished
	// injections; no handler consumes it yet.
	MsgInjectionComplete MessageType = "INJECTION_COMPLETE"

	// internal messages, not part of the public surface
	msgTabRemoved MessageType = "tab_removed"
	msgTabSession MessageType = "tab_session"
)

// Request is one message to the worker.
type Request struct {
	Type    MessageType
	Payload any
}

// Response is the single reply to a request.
type Response struct {
	Success bool
	Data    any
	Error   string
}

// RAGQuery is the payload for MsgGetRAGContext.
type RAGQuery struct {
	Query     string
	PersonaID string
}

// TabUpdate is the payload for the internal tab-session message.
type TabUpdate struct {
	TabID        string
	URL          string
	Injected     bool
	SoulID       string
	MessageDelta int
}

// Backend is the slice of the backend client the worker needs.
type Backend interface {
	Authenticated() bool
	UserID() string
	ListPersonas(ctx context.Context) ([]soul.Soul, error)
	SearchMemories(ctx context.Context, query, personaID string, limit int) (*backend.SearchResult, error)
	SignOut() error
}

// ContextCache is the optional offline fallback for retrieved context.
type ContextCache interface {
	CacheContext(soulID, context string) error
	CachedContext(soulID string, maxAge time.Duration) (string, bool, error)
}

type call struct {
	req  Request
	resp chan Response
}

// Broker runs the worker loop.
type Broker struct {
	log            *zap.Logger
	state          *state.Store
	backend        Backend
	cache          ContextCache
	retrievalLimit int
	cacheMaxAge    time.Duration

	calls chan call
	done  chan struct{}
}

// Options configures a Broker.
type Options struct {
	State          *state.Store
	Backend        Backend
	Cache          ContextCache // may be nil
	RetrievalLimit int
	CacheMaxAge    time.Duration
	Logger         *zap.Logger
}

// New creates a broker. Start must be called before Call.
func New(opts Options) *Broker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limit := opts.RetrievalLimit
	if limit <= 0 || limit > 5 {
		limit = 5
	}
	maxAge := opts.CacheMaxAge
	if maxAge == 0 {
		maxAge = 15 * time.Minute
	}
	return &Broker{
		log:            log,
		state:          opts.State,
		backend:        opts.Backend,
		cache:          opts.Cache,
		retrievalLimit: limit,
		cacheMaxAge:    maxAge,
		calls:          make(chan call),
		done:           make(chan struct{}),
	}
}

// Start runs the dispatch loop until ctx is done.
func (b *Broker) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-b.calls:
				c.resp <- b.dispatch(ctx, c.req)
			}
		}
	}()
}

// Call sends a request and waits for its single response. A stopped broker
// or cancelled context yields a failure response, never a hang.
func (b *Broker) Call(ctx context.Context, req Request) Response {
	c := call{req: req, resp: make(chan Response, 1)}
	select {
	case b.calls <- c:
	case <-ctx.Done():
		return Response{Success: false, Error: ctx.Err().Error()}
	case <-b.done:
		return Response{Success: false, Error: "worker stopped"}
	}
	select {
	case resp := <-c.resp:
		return resp
	case <-ctx.Done():
		return Response{Success: false, Error: ctx.Err().Error()}
	case <-b.done:
		return Response{Success: false, Error: "worker stopped"}
	}
}

// OnTabRemoved garbage-collects a closed tab's session record. Routed
// through the worker loop so the single-writer rule holds.
func (b *Broker) OnTabRemoved(ctx context.Context, tabID string) {
	b.Call(ctx, Request{Type: msgTabRemoved, Payload: tabID})
}

// UpdateTabSession merges an agent-observed tab update into the state store,
// again through the worker loop.
func (b *Broker) UpdateTabSession(ctx context.Context, upd TabUpdate) {
	b.Call(ctx, Request{Type: msgTabSession, Payload: upd})
}

func (b *Broker) dispatch(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", zap.String("type", string(req.Type)), zap.Any("panic", r))
			resp = Response{Success: false, Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	switch req.Type {
	case MsgGetState:
		return b.handleGetState()
	case MsgGetSouls:
		return b.handleGetSouls(ctx)
	case MsgSetActiveSoul:
		return b.handleSetActiveSoul(req.Payload)
	case MsgGetRAGContext:
		return b.handleGetRAGContext(ctx, req.Payload)
	case MsgLogout:
		return b.handleLogout()
	case msgTabRemoved:
		return b.handleTabRemoved(req.Payload)
	case msgTabSession:
		return b.handleTabSession(req.Payload)
	default:
		return Response{Success: false, Error: "unknown message type"}
	}
}

func (b *Broker) handleGetState() Response {
	st := b.state.Get()
	// The stored flag can go stale (token expiry); recompute on every read.
	st.IsAuthenticated = b.backend.Authenticated()
	return Response{Success: true, Data: st}
}

func (b *Broker) handleGetSouls(ctx context.Context) Response {
	souls, err := b.backend.ListPersonas(ctx)
	if err != nil {
		b.log.Warn("soul fetch failed", zap.Error(err))
		souls = []soul.Soul{}
	}
	if err := b.state.SetSouls(souls); err != nil {
		b.log.Warn("could not cache souls", zap.Error(err))
	}
	return Response{Success: true, Data: souls}
}

func (b *Broker) handleSetActiveSoul(payload any) Response {
	var id *string
	switch v := payload.(type) {
	case nil:
	case string:
		if v != "" {
			id = &v
		}
	case *string:
		id = v
	default:
		return Response{Success: false, Error: fmt.Sprintf("bad payload type %T", payload)}
	}
	if err := b.state.SetActiveSoul(id); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true}
}

func (b *Broker) handleGetRAGContext(ctx context.Context, payload any) Response {
	q, ok := payload.(RAGQuery)
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("bad payload type %T", payload)}
	}
	if !b.backend.Authenticated() {
		return Response{Success: true, Data: ""}
	}

	res, err := b.backend.SearchMemories(ctx, q.Query, q.PersonaID, b.retrievalLimit)
	if err != nil {
		b.log.Warn("retrieval failed", zap.String("soul", q.PersonaID), zap.Error(err))
		return Response{Success: true, Data: b.cachedContext(q.PersonaID)}
	}
	if !res.Success || len(res.Results) == 0 {
		return Response{Success: true, Data: ""}
	}

	// Servers are free to omit similarity scores; re-rank locally so the
	// cap keeps the most on-topic memories.
	res.Results = retrieval.Rank(res.Results, q.Query, b.retrievalLimit)

	text := formatContext(res, b.retrievalLimit)
	if b.cache != nil && text != "" {
		if err := b.cache.CacheContext(q.PersonaID, text); err != nil {
			b.log.Debug("context cache write failed", zap.Error(err))
		}
	}
	return Response{Success: true, Data: text}
}

// cachedContext serves the last known context when the backend is down;
// empty when nothing usable is cached.
func (b *Broker) cachedContext(soulID string) string {
	if b.cache == nil {
		return ""
	}
	text, ok, err := b.cache.CachedContext(soulID, b.cacheMaxAge)
	if err != nil || !ok {
		return ""
	}
	b.log.Debug("serving cached context", zap.String("soul", soulID))
	return text
}

func (b *Broker) handleLogout() Response {
	if err := b.backend.SignOut(); err != nil {
		b.log.Warn("backend sign-out failed", zap.Error(err))
	}
	if err := b.state.Reset(); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true}
}

func (b *Broker) handleTabRemoved(payload any) Response {
	tabID, ok := payload.(string)
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("bad payload type %T", payload)}
	}
	if err := b.state.DeleteTabSession(tabID); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true}
}

func (b *Broker) handleTabSession(payload any) Response {
	upd, ok := payload.(TabUpdate)
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("bad payload type %T", payload)}
	}
	err := b.state.UpsertTabSession(upd.TabID, func(ts *state.TabSession) {
		if upd.URL != "" {
			ts.URL = upd.URL
		}
		if upd.Injected {
			ts.Injected = true
		}
		if upd.SoulID != "" {
			ts.SoulID = upd.SoulID
		}
		ts.MessageCount += upd.MessageDelta
	})
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true}
}

// formatContext assembles at most two labeled sections: core memories and a
// numbered list of the top matches, joined with a blank line.
func formatContext(res *backend.SearchResult, limit int) string {
	var parts []string

	if res.LocketData != nil && strings.TrimSpace(*res.LocketData) != "" {
		parts = append(parts, "[Core Memories]:\n"+strings.TrimSpace(*res.LocketData))
	}

	results := res.Results
	if len(results) > limit {
		results = results[:limit]
	}
	var lines []string
	for i, r := range results {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[Memory %d]: %s", i+1, r.Content))
	}
	if len(lines) > 0 {
		parts = append(parts, "[Relevant Memories]:\n"+strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}
