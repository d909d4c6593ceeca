// Package browser owns the Chrome connection. The Manager attaches to a
// running browser (or launches one against the user's own profile, since the
// companion sites need the user's existing logins), watches DevTools targets,
// and hands every tab that lands on a supported site to the attach callback.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/remrin/locket/internal/dom"
	"github.com/remrin/locket/internal/sites"
)

// Tab is the public metadata for one tracked browser tab.
type Tab struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	Site       string    `json:"site,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type tabRecord struct {
	meta Tab
	page *rod.Page
}

// Config holds browser connection configuration.
type Config struct {
	// DebuggerURL attaches to an already-running Chrome. When empty a new
	// instance is launched.
	DebuggerURL string `yaml:"debugger_url"`
	// Launch is the browser binary followed by extra flags.
	Launch              []string `yaml:"launch"`
	Headless            bool     `yaml:"headless"`
	ProfileDir          string   `yaml:"profile_dir"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
	TabStore            string   `yaml:"tab_store"`
}

// DefaultConfig returns sensible defaults. Headless stays off: the user has
// to be able to see and use the chat they are talking through.
func DefaultConfig() Config {
	return Config{
		Headless:            false,
		NavigationTimeoutMs: 30000,
	}
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// AttachFunc is called once for every tab that arrives on a supported site.
type AttachFunc func(tab Tab, site *sites.Config, ev dom.Evaluator)

// DetachFunc is called when a tracked tab closes or leaves its site.
type DetachFunc func(tab Tab)

// Manager owns the Chrome connection and tracks supported tabs.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	onAttach AttachFunc
	onDetach DetachFunc

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	launched   bool
	tabs       map[string]*tabRecord
	byTarget   map[string]string // TargetID -> tab ID
}

// NewManager creates a manager. Start must be called before anything else.
func NewManager(cfg Config, onAttach AttachFunc, onDetach DetachFunc, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		onAttach: onAttach,
		onDetach: onDetach,
		tabs:     make(map[string]*tabRecord),
		byTarget: make(map[string]string),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection, reconnecting")
		if m.launched {
			_ = m.browser.Close()
		}
		m.browser = nil
		m.controlURL = ""
		m.tabs = make(map[string]*tabRecord)
		m.byTarget = make(map[string]string)
	}

	if err := m.loadTabsLocked(); err != nil {
		return fmt.Errorf("load tab store: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	launched := false
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		launched = true
		bin := m.cfg.Launch[0]
		launch := m.newLauncher().Bin(bin)
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Retry without the extra flags.
			fallback := m.newLauncher().Bin(bin)
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		url, err := m.newLauncher().Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
		launched = true
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.launched = launched
	m.log.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (m *Manager) newLauncher() *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.Headless)
	if m.cfg.ProfileDir != "" {
		l = l.UserDataDir(m.cfg.ProfileDir)
	}
	return l
}

// ControlURL returns the WebSocket debugger URL.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected reports whether the browser is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Watch adopts tabs already open on supported sites, then follows target
// lifecycle events until ctx is done. It blocks.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return errors.New("browser not connected")
	}

	pages, err := browser.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, page := range pages {
		if info, err := page.Info(); err == nil {
			m.considerTarget(string(info.TargetID), info.URL)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	wait := browser.Context(ctx).EachEvent(
		func(ev *proto.TargetTargetCreated) {
			if ev.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			m.considerTarget(string(ev.TargetInfo.TargetID), ev.TargetInfo.URL)
		},
		func(ev *proto.TargetTargetInfoChanged) {
			if ev.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			m.considerTarget(string(ev.TargetInfo.TargetID), ev.TargetInfo.URL)
		},
		func(ev *proto.TargetTargetDestroyed) {
			m.dropTarget(string(ev.TargetID))
		},
	)
	g.Go(func() error {
		wait()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// considerTarget attaches untracked targets that sit on a supported site and
// drops tracked targets that navigated off of one.
func (m *Manager) considerTarget(targetID, url string) {
	site, supported := sites.LookupURL(url)

	m.mu.Lock()
	if tabID, tracked := m.byTarget[targetID]; tracked {
		rec := m.tabs[tabID]
		if supported && rec.meta.Site == site.Name {
			rec.meta.URL = url
			rec.meta.LastActive = time.Now()
			m.mu.Unlock()
			_ = m.persistTabs()
			return
		}
		m.mu.Unlock()
		m.dropTarget(targetID)
	} else {
		m.mu.Unlock()
	}
	if !supported {
		return
	}

	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return
	}

	page, err := browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		m.log.Warn("attach to target failed", zap.String("target", targetID), zap.Error(err))
		return
	}

	meta := Tab{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Site:       site.Name,
		URL:        url,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.mu.Lock()
	m.tabs[meta.ID] = &tabRecord{meta: meta, page: page}
	m.byTarget[targetID] = meta.ID
	m.mu.Unlock()
	_ = m.persistTabs()

	m.log.Info("tab attached", zap.String("tab", meta.ID), zap.String("site", site.Name))
	if m.onAttach != nil {
		m.onAttach(meta, site, &rodEvaluator{page: page})
	}
}

func (m *Manager) dropTarget(targetID string) {
	m.mu.Lock()
	tabID, ok := m.byTarget[targetID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec := m.tabs[tabID]
	delete(m.byTarget, targetID)
	delete(m.tabs, tabID)
	m.mu.Unlock()
	_ = m.persistTabs()

	m.log.Info("tab detached", zap.String("tab", tabID))
	if m.onDetach != nil {
		m.onDetach(rec.meta)
	}
}

// Open creates a new tab on the named site's home page. The target watcher
// picks it up like any other tab.
func (m *Manager) Open(ctx context.Context, siteName string) error {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return errors.New("browser not connected")
	}
	url := sites.HomeURL(siteName)
	if url == "" {
		return fmt.Errorf("unknown site %q", siteName)
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return fmt.Errorf("open %s: %w", siteName, err)
	}
	_ = page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).WaitLoad()
	return nil
}

// List returns metadata for all tracked tabs.
func (m *Manager) List() []Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tab, 0, len(m.tabs))
	for _, rec := range m.tabs {
		out = append(out, rec.meta)
	}
	return out
}

// Tab returns metadata for one tab.
func (m *Manager) Tab(tabID string) (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tabs[tabID]
	if !ok {
		return Tab{}, false
	}
	return rec.meta, true
}

// Shutdown closes tracked pages and disconnects. The browser process itself
// is left running when we attached to an existing instance.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.tabs {
		delete(m.tabs, id)
		delete(m.byTarget, rec.meta.TargetID)
	}

	var err error
	if m.browser != nil {
		if m.launched {
			err = m.browser.Close()
		}
		m.browser = nil
	}
	m.controlURL = ""
	m.launched = false
	return err
}

// persistTabs writes tab metadata to disk so `locket status` can report
// attachments from another process.
func (m *Manager) persistTabs() error {
	if m.cfg.TabStore == "" {
		return nil
	}
	m.mu.RLock()
	tabs := make([]Tab, 0, len(m.tabs))
	for _, rec := range m.tabs {
		tabs = append(tabs, rec.meta)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(tabs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.TabStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.TabStore, data, 0o644)
}

// loadTabsLocked loads persisted metadata. Caller must hold the lock.
func (m *Manager) loadTabsLocked() error {
	if m.cfg.TabStore == "" {
		return nil
	}
	data, err := os.ReadFile(m.cfg.TabStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var tabs []Tab
	if err := json.Unmarshal(data, &tabs); err != nil {
		return err
	}
	for _, t := range tabs {
		t.Status = "detached"
		m.tabs[t.ID] = &tabRecord{meta: t}
	}
	return nil
}

// rodEvaluator adapts a rod page to the evaluator seam the DOM accessor,
// injector, and agent are written against.
type rodEvaluator struct {
	page *rod.Page
}

func (e *rodEvaluator) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := e.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	return res.Value.MarshalJSON()
}
