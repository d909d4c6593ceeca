// Package agent runs the per-tab orchestrator. One Agent owns one supported
// tab: it renders the locket control, hooks the page's submission paths, and
// on each intercepted send rewrites the input with persona framing before
// letting the site's own handler fire.
//
// The page and the agent communicate through window-scoped globals. Hooks
// cancel native submissions synchronously in-page while the agent is armed
// and queue a record into a shared buffer; the agent drains that buffer on a
// ticker, does the async rewrite, then replays the submission with a bypass
// flag set so the replay passes the hooks untouched.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remrin/locket/internal/broker"
	"github.com/remrin/locket/internal/dom"
	"github.com/remrin/locket/internal/inject"
	"github.com/remrin/locket/internal/intercept"
	"github.com/remrin/locket/internal/memory"
	"github.com/remrin/locket/internal/sites"
	"github.com/remrin/locket/internal/soul"
	"github.com/remrin/locket/internal/state"
)

const (
	defaultPollInterval = 150 * time.Millisecond
	// Matches the settle delay the sites' own composers need between a
	// programmatic value write and the submit click.
	defaultSubmitDelay = 50 * time.Millisecond
)

// hookJS installs capture-phase submission hooks once per page. Enter (no
// shift) on a composer input and clicks on a submit control are cancelled and
// queued while the armed flag is up; the bypass flag lets the agent's own
// replayed click through. SPA navigations are surfaced as nav records by
// wrapping the history API.
const hookJS = `
(inputSelectors, submitSelectors) => {
	if (window.__remrinLocketHooked) return 'hooked';
	window.__remrinLocketHooked = true;
	window.__remrinLocketEvents = window.__remrinLocketEvents || [];
	window.__remrinLocketArmed = window.__remrinLocketArmed || false;
	window.__remrinLocketBypass = false;

	const matches = (el, sels) => {
		if (!el || !el.closest) return false;
		for (const s of sels) {
			try { if (el.closest(s)) return true; } catch (e) {}
		}
		return false;
	};
	const capture = (e) => {
		if (!window.__remrinLocketArmed || window.__remrinLocketBypass) return;
		e.preventDefault();
		e.stopImmediatePropagation();
		window.__remrinLocketEvents.push({ kind: 'submit', ts: Date.now() });
	};
	document.addEventListener('keydown', (e) => {
		if (e.key !== 'Enter' || e.shiftKey || e.isComposing) return;
		if (!matches(e.target, inputSelectors)) return;
		capture(e);
	}, true);
	document.addEventListener('click', (e) => {
		if (!matches(e.target, submitSelectors)) return;
		capture(e);
	}, true);

	const pushNav = () => {
		window.__remrinLocketEvents.push({ kind: 'nav', url: location.href, ts: Date.now() });
	};
	const origPush = history.pushState.bind(history);
	history.pushState = function (...args) { origPush(...args); pushNav(); };
	const origReplace = history.replaceState.bind(history);
	history.replaceState = function (...args) { origReplace(...args); pushNav(); };
	window.addEventListener('popstate', pushNav);
	return 'hooked';
}
`

// drainJS swaps the shared buffer for an empty one and returns the old
// contents, so no record is lost between polls.
const drainJS = `
() => {
	const buf = window.__remrinLocketEvents || [];
	window.__remrinLocketEvents = [];
	return { events: buf, url: location.href, hooked: !!window.__remrinLocketHooked };
}
`

const armJS = `
(armed) => { window.__remrinLocketArmed = !!armed; return window.__remrinLocketArmed; }
`

const bypassJS = `
(bypass) => { window.__remrinLocketBypass = !!bypass; return window.__remrinLocketBypass; }
`

// pageEvent is one record drained from the in-page buffer.
type pageEvent struct {
	Kind   string  `json:"kind"`
	SoulID *string `json:"soulId"`
	URL    string  `json:"url"`
}

type drainResult struct {
	Events []pageEvent `json:"events"`
	URL    string      `json:"url"`
	Hooked bool        `json:"hooked"`
}

// Worker is the slice of the background broker the agent talks to.
type Worker interface {
	Call(ctx context.Context, req broker.Request) broker.Response
	UpdateTabSession(ctx context.Context, upd broker.TabUpdate)
}

// Recorder persists finished interceptions. *memory.Store satisfies it.
type Recorder interface {
	Record(rec memory.Interception) error
}

// Options configures an Agent.
type Options struct {
	TabID        string
	URL          string
	Site         *sites.Config
	Evaluator    dom.Evaluator
	Worker       Worker
	Recorder     Recorder // may be nil
	Logger       *zap.Logger
	PollInterval time.Duration
	SubmitDelay  time.Duration
}

// Agent orchestrates one tab.
type Agent struct {
	tabID  string
	site   *sites.Config
	ev     dom.Evaluator
	dom    *dom.Accessor
	ui     *inject.Injector
	worker Worker
	rec    Recorder
	icept  *intercept.Interceptor
	log    *zap.Logger

	pollInterval time.Duration
	submitDelay  time.Duration

	mu         sync.Mutex
	url        string
	souls      []soul.Soul
	activeID   *string
	processing bool
}

// New builds an agent. Run must be called to start serving the tab.
func New(opts Options) *Agent {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SubmitDelay <= 0 {
		opts.SubmitDelay = defaultSubmitDelay
	}
	return &Agent{
		tabID:        opts.TabID,
		site:         opts.Site,
		ev:           opts.Evaluator,
		dom:          dom.NewAccessor(opts.Evaluator),
		ui:           inject.New(opts.Evaluator, opts.Site, log),
		worker:       opts.Worker,
		rec:          opts.Recorder,
		icept:        intercept.New(),
		log:          log.With(zap.String("tab", opts.TabID)),
		pollInterval: opts.PollInterval,
		submitDelay:  opts.SubmitDelay,
		url:          opts.URL,
	}
}

// Run bootstraps the tab and then drains page events until ctx is done.
// It returns the first bootstrap error; drain errors are logged and retried
// on the next tick since a reloading page fails evaluations transiently.
func (a *Agent) Run(ctx context.Context) error {
	if a.site == nil {
		<-ctx.Done()
		return nil
	}
	if err := a.bootstrap(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.drain(ctx); err != nil {
				a.log.Debug("event drain failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) bootstrap(ctx context.Context) error {
	if err := a.ui.Inject(ctx); err != nil {
		return err
	}
	if _, err := a.ev.Eval(ctx, hookJS, a.site.InputSelectors, a.site.SubmitSelectors); err != nil {
		return fmt.Errorf("install submission hooks: %w", err)
	}
	if err := a.SyncState(ctx); err != nil {
		return err
	}
	a.worker.UpdateTabSession(ctx, broker.TabUpdate{
		TabID:    a.tabID,
		URL:      a.currentURL(),
		Injected: true,
	})
	a.log.Info("tab attached", zap.String("site", a.site.Name))
	return nil
}

// SyncState re-reads worker state (souls, active soul), re-renders the
// picker, and arms or disarms the hooks. The manager calls it when the state
// file changes under another writer.
func (a *Agent) SyncState(ctx context.Context) error {
	resp := a.worker.Call(ctx, broker.Request{Type: broker.MsgGetState})
	if !resp.Success {
		return fmt.Errorf("get state: %s", resp.Error)
	}
	st, ok := resp.Data.(state.State)
	if !ok {
		return fmt.Errorf("unexpected state payload %T", resp.Data)
	}

	souls := st.Souls
	if st.IsAuthenticated {
		if r := a.worker.Call(ctx, broker.Request{Type: broker.MsgGetSouls}); r.Success {
			if fetched, ok := r.Data.([]soul.Soul); ok {
				souls = fetched
			}
		}
	}

	a.mu.Lock()
	a.souls = souls
	a.activeID = st.ActiveSoulID
	active := st.ActiveSoulID
	a.mu.Unlock()

	if err := a.ui.UpdateSouls(ctx, souls, active); err != nil {
		return err
	}
	return a.setArmed(ctx, active != nil)
}

func (a *Agent) drain(ctx context.Context) error {
	raw, err := a.ev.Eval(ctx, drainJS)
	if err != nil {
		return err
	}
	var res drainResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode page events: %w", err)
	}
	a.mu.Lock()
	a.url = res.URL
	a.mu.Unlock()

	// A hard reload wiped the page globals; rebuild the control and hooks
	// before touching the (necessarily empty) buffer.
	if !res.Hooked {
		a.ui.MarkDetached()
		a.icept.Reset()
		return a.bootstrap(ctx)
	}

	for _, ev := range res.Events {
		switch ev.Kind {
		case "select":
			a.handleSelect(ctx, ev.SoulID)
		case "submit":
			a.handleSubmit(ctx)
		case "nav":
			a.handleNav(ctx, ev.URL)
		default:
			a.log.Debug("unknown page event", zap.String("kind", ev.Kind))
		}
	}
	return nil
}

func (a *Agent) handleSelect(ctx context.Context, soulID *string) {
	var payload any
	if soulID != nil {
		payload = *soulID
	}
	resp := a.worker.Call(ctx, broker.Request{Type: broker.MsgSetActiveSoul, Payload: payload})
	if !resp.Success {
		a.log.Warn("soul selection failed", zap.String("error", resp.Error))
		return
	}

	// Any selection drops the priming state, even re-picking the current
	// soul; the next send reintroduces the persona in full.
	a.icept.Reset()

	a.mu.Lock()
	a.activeID = soulID
	souls := a.souls
	a.mu.Unlock()

	if err := a.ui.UpdateSouls(ctx, souls, soulID); err != nil {
		a.log.Warn("soul list render failed", zap.Error(err))
	}
	if err := a.setArmed(ctx, soulID != nil); err != nil {
		a.log.Warn("arm toggle failed", zap.Error(err))
	}

	sid := ""
	if soulID != nil {
		sid = *soulID
	}
	a.worker.UpdateTabSession(ctx, broker.TabUpdate{TabID: a.tabID, URL: a.currentURL(), Injected: true, SoulID: sid})
}

// handleNav resets the priming state: a new conversation must open with the
// full persona frame again.
func (a *Agent) handleNav(ctx context.Context, url string) {
	a.mu.Lock()
	if url != "" {
		a.url = url
	}
	a.mu.Unlock()
	a.icept.Reset()
	a.worker.UpdateTabSession(ctx, broker.TabUpdate{TabID: a.tabID, URL: url, Injected: true})
}

func (a *Agent) handleSubmit(ctx context.Context) {
	a.mu.Lock()
	if a.processing {
		a.mu.Unlock()
		return
	}
	a.processing = true
	active := a.activeSoulLocked()
	url := a.url
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.processing = false
		a.mu.Unlock()
	}()

	if err := a.interceptSubmit(ctx, active, url); err != nil {
		// The user's text stays in the composer untouched so nothing is
		// lost; they can resend manually.
		a.log.Warn("interception failed", zap.Error(err))
	}
}

func (a *Agent) interceptSubmit(ctx context.Context, active *soul.Soul, url string) error {
	if err := a.ui.SetThinking(ctx, true); err != nil {
		a.log.Debug("thinking indicator failed", zap.Error(err))
	}
	defer func() {
		if err := a.ui.SetThinking(context.WithoutCancel(ctx), false); err != nil {
			a.log.Debug("thinking indicator failed", zap.Error(err))
		}
	}()

	text, found, err := a.dom.ReadText(ctx, a.site.InputSelectors)
	if err != nil {
		return fmt.Errorf("read composer: %w", err)
	}
	if !found {
		return fmt.Errorf("composer input not found")
	}

	ragContext := ""
	if active != nil && strings.TrimSpace(text) != "" {
		resp := a.worker.Call(ctx, broker.Request{
			Type:    broker.MsgGetRAGContext,
			Payload: broker.RAGQuery{Query: text, PersonaID: active.ID},
		})
		if resp.Success {
			if s, ok := resp.Data.(string); ok {
				ragContext = s
			}
		} else {
			a.log.Warn("context retrieval failed", zap.String("error", resp.Error))
		}
	}

	wrapped, mode := a.icept.WrapInput(text, active, ragContext, a.site.IsNewChat(url))
	if mode != intercept.ModeNone {
		if err := a.dom.WriteText(ctx, a.site.InputSelectors, wrapped); err != nil {
			return fmt.Errorf("write composer: %w", err)
		}
	}

	// Let the site's composer react to the input event before clicking.
	select {
	case <-time.After(a.submitDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.releaseSubmit(ctx); err != nil {
		return err
	}

	if mode != intercept.ModeNone && a.rec != nil && active != nil {
		err := a.rec.Record(memory.Interception{
			SoulID:   active.ID,
			SoulName: active.Name,
			Site:     a.site.Name,
			TabID:    a.tabID,
			Mode:     mode.String(),
		})
		if err != nil {
			a.log.Warn("history record failed", zap.Error(err))
		}
	}
	sid := ""
	if active != nil {
		sid = active.ID
	}
	a.worker.UpdateTabSession(ctx, broker.TabUpdate{
		TabID:        a.tabID,
		URL:          url,
		Injected:     true,
		SoulID:       sid,
		MessageDelta: 1,
	})
	a.log.Info("submission intercepted", zap.String("mode", mode.String()))
	return nil
}

// releaseSubmit replays the send with the bypass flag up so the capture
// hooks let it through. The flag is lowered even when the click fails.
func (a *Agent) releaseSubmit(ctx context.Context) error {
	if _, err := a.ev.Eval(ctx, bypassJS, true); err != nil {
		return fmt.Errorf("raise bypass: %w", err)
	}
	clickErr := a.dom.Click(ctx, a.site.SubmitSelectors)
	if _, err := a.ev.Eval(context.WithoutCancel(ctx), bypassJS, false); err != nil {
		a.log.Warn("lower bypass failed", zap.Error(err))
	}
	if clickErr != nil {
		return fmt.Errorf("release submit: %w", clickErr)
	}
	return nil
}

func (a *Agent) setArmed(ctx context.Context, armed bool) error {
	if _, err := a.ev.Eval(ctx, armJS, armed); err != nil {
		return fmt.Errorf("toggle armed flag: %w", err)
	}
	return nil
}

func (a *Agent) currentURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url
}

func (a *Agent) activeSoulLocked() *soul.Soul {
	if a.activeID == nil {
		return nil
	}
	return soul.FindByID(a.souls, *a.activeID)
}
