package browser

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remrin/locket/internal/dom"
	"github.com/remrin/locket/internal/sites"
)

func TestNavigationTimeoutDefault(t *testing.T) {
	assert.Equal(t, 30*time.Second, Config{}.NavigationTimeout())
	assert.Equal(t, 5*time.Second, Config{NavigationTimeoutMs: 5000}.NavigationTimeout())
}

func TestTabStoreRoundTrip(t *testing.T) {
	store := filepath.Join(t.TempDir(), "tabs.json")
	cfg := Config{TabStore: store}

	m := NewManager(cfg, nil, nil, zap.NewNop())
	meta := Tab{
		ID:        "tab-1",
		TargetID:  "target-1",
		Site:      "claude",
		URL:       "https://claude.ai/chat/abc",
		Status:    "attached",
		CreatedAt: time.Now(),
	}
	m.tabs[meta.ID] = &tabRecord{meta: meta}
	m.byTarget[meta.TargetID] = meta.ID
	require.NoError(t, m.persistTabs())

	reloaded := NewManager(cfg, nil, nil, zap.NewNop())
	reloaded.mu.Lock()
	err := reloaded.loadTabsLocked()
	reloaded.mu.Unlock()
	require.NoError(t, err)

	got, ok := reloaded.Tab("tab-1")
	require.True(t, ok)
	assert.Equal(t, "claude", got.Site)
	// Pages cannot survive a restart, so reloaded tabs read as detached.
	assert.Equal(t, "detached", got.Status)
}

func TestDropTargetNotifiesDetach(t *testing.T) {
	var detached []string
	m := NewManager(Config{}, nil, func(tab Tab) {
		detached = append(detached, tab.ID)
	}, zap.NewNop())

	m.tabs["tab-1"] = &tabRecord{meta: Tab{ID: "tab-1", TargetID: "target-1"}}
	m.byTarget["target-1"] = "tab-1"

	m.dropTarget("target-1")
	assert.Equal(t, []string{"tab-1"}, detached)
	assert.Empty(t, m.List())

	// Unknown targets are ignored.
	m.dropTarget("target-9")
	assert.Len(t, detached, 1)
}

func TestConsiderTargetIgnoresUnsupportedURLs(t *testing.T) {
	attached := 0
	m := NewManager(Config{}, func(Tab, *sites.Config, dom.Evaluator) {
		attached++
	}, nil, zap.NewNop())

	m.considerTarget("target-1", "https://example.com/")
	assert.Zero(t, attached)
	assert.Empty(t, m.List())

	// Supported URL but no live browser connection: nothing to attach to.
	m.considerTarget("target-2", "https://claude.ai/new")
	assert.Zero(t, attached)
	assert.Empty(t, m.List())
}

func TestConsiderTargetDropsTabThatLeftItsSite(t *testing.T) {
	var detached []string
	m := NewManager(Config{}, nil, func(tab Tab) {
		detached = append(detached, tab.ID)
	}, zap.NewNop())

	m.tabs["tab-1"] = &tabRecord{meta: Tab{ID: "tab-1", TargetID: "target-1", Site: "claude"}}
	m.byTarget["target-1"] = "tab-1"

	// Same site, new conversation path: metadata refresh only.
	m.considerTarget("target-1", "https://claude.ai/chat/xyz")
	assert.Empty(t, detached)
	got, ok := m.Tab("tab-1")
	require.True(t, ok)
	assert.Equal(t, "https://claude.ai/chat/xyz", got.URL)

	// Navigated off the site entirely.
	m.considerTarget("target-1", "https://example.com/")
	assert.Equal(t, []string{"tab-1"}, detached)
	assert.Empty(t, m.List())
}
