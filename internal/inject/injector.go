// Package inject renders the floating locket control into a host page: a
// toggle button plus an expandable soul picker, isolated inside a closed
// Shadow DOM subtree so styles leak in neither direction.
//
// Selection events cross the DevTools boundary the same way the rest of the
// pipeline's page events do: the in-page UI pushes records into a
// window-scoped buffer that the page agent drains on a ticker.
package inject

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/remrin/locket/internal/dom"
	"github.com/remrin/locket/internal/sites"
	"github.com/remrin/locket/internal/soul"
)

// hostElementID marks the injected host element; its presence is the
// in-page idempotence check.
const hostElementID = "remrin-locket-root"

const locketStyles = `
:host { all: initial; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; }
.locket-container { position: fixed; bottom: 100px; right: 24px; z-index: 2147483647; }
.locket-button { width: 52px; height: 52px; border-radius: 50%; border: none; outline: none; cursor: pointer;
  background: linear-gradient(135deg, #8B5CF6 0%, #EC4899 100%);
  display: flex; align-items: center; justify-content: center;
  box-shadow: 0 4px 20px rgba(139, 92, 246, 0.4); transition: transform 0.2s ease; }
.locket-button:hover { transform: scale(1.1); }
.locket-icon { font-size: 24px; line-height: 1; }
.locket-icon.thinking { animation: locket-pulse 1.5s ease-in-out infinite; }
@keyframes locket-pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.5; } }
.locket-status { position: absolute; bottom: -4px; right: -4px; width: 16px; height: 16px; border-radius: 50%;
  background: #10B981; border: 2px solid #1a1a2e; display: none; }
.locket-status.connected { display: block; }
.locket-menu { position: absolute; bottom: 64px; right: 0; width: 280px; max-height: 400px; overflow-y: auto;
  background: #1a1a2e; border-radius: 16px; border: 1px solid rgba(139, 92, 246, 0.3);
  box-shadow: 0 8px 32px rgba(0, 0, 0, 0.5); opacity: 0; visibility: hidden; transform: translateY(10px);
  transition: all 0.2s ease; }
.locket-menu.open { opacity: 1; visibility: visible; transform: translateY(0); }
.locket-header { padding: 16px; border-bottom: 1px solid rgba(139, 92, 246, 0.2); }
.locket-title { font-size: 14px; font-weight: 600; color: #fff; margin: 0 0 4px 0; }
.locket-subtitle { font-size: 12px; color: rgba(255, 255, 255, 0.5); margin: 0; }
.locket-souls { padding: 8px; }
.locket-empty { color: rgba(255, 255, 255, 0.5); font-size: 13px; text-align: center; padding: 20px; }
.soul-item { display: flex; align-items: center; gap: 12px; padding: 12px; border-radius: 12px; cursor: pointer; }
.soul-item:hover { background: rgba(139, 92, 246, 0.15); }
.soul-item.active { background: rgba(139, 92, 246, 0.25); }
.soul-avatar { width: 40px; height: 40px; border-radius: 50%; flex-shrink: 0; overflow: hidden;
  background: linear-gradient(135deg, #6366F1, #8B5CF6);
  display: flex; align-items: center; justify-content: center; color: white; font-size: 18px; font-weight: 600; }
.soul-avatar img { width: 100%; height: 100%; object-fit: cover; }
.soul-name { font-size: 14px; font-weight: 500; color: #fff; margin: 0; white-space: nowrap; overflow: hidden; text-overflow: ellipsis; }
.soul-status { font-size: 11px; color: rgba(255, 255, 255, 0.4); margin: 2px 0 0 0; }
.locket-footer { padding: 12px 16px; border-top: 1px solid rgba(139, 92, 246, 0.2); }
.disable-btn { width: 100%; padding: 10px; border-radius: 8px; background: rgba(239, 68, 68, 0.2);
  border: 1px solid rgba(239, 68, 68, 0.3); color: #F87171; font-size: 13px; cursor: pointer; }
`

// injectJS builds the control inside a closed shadow root. The shadow
// reference is stashed on window because a closed root is unreachable from
// later evaluations.
const injectJS = `
(hostId, styles) => {
	if (document.getElementById(hostId)) return 'exists';
	window.__remrinLocketEvents = window.__remrinLocketEvents || [];

	const host = document.createElement('div');
	host.id = hostId;
	const shadow = host.attachShadow({ mode: 'closed' });

	const style = document.createElement('style');
	style.textContent = styles;
	shadow.appendChild(style);

	const container = document.createElement('div');
	container.className = 'locket-container';
	container.innerHTML =
		'<button class="locket-button" id="locket-toggle">' +
		'<span class="locket-icon" id="locket-icon">&#128302;</span>' +
		'<span class="locket-status" id="locket-status"></span>' +
		'</button>' +
		'<div class="locket-menu" id="locket-menu">' +
		'<div class="locket-header">' +
		'<p class="locket-title">Remrin Locket</p>' +
		'<p class="locket-subtitle">Select a soul to activate</p>' +
		'</div>' +
		'<div class="locket-souls" id="soul-list">' +
		'<p class="locket-empty">Loading souls...</p>' +
		'</div>' +
		'<div class="locket-footer">' +
		'<button class="disable-btn" id="disable-locket">Disable Locket</button>' +
		'</div>' +
		'</div>';
	shadow.appendChild(container);
	document.body.appendChild(host);

	const toggle = shadow.getElementById('locket-toggle');
	const menu = shadow.getElementById('locket-menu');
	const closeMenu = () => {
		menu.classList.remove('open');
		toggle.classList.remove('active');
	};
	toggle.addEventListener('click', () => {
		menu.classList.toggle('open');
		toggle.classList.toggle('active');
	});
	shadow.getElementById('disable-locket').addEventListener('click', () => {
		window.__remrinLocketEvents.push({ kind: 'select', soulId: null, ts: Date.now() });
		closeMenu();
	});
	document.addEventListener('click', (e) => {
		if (!host.contains(e.target)) closeMenu();
	});

	window.__remrinLocketUI = { host, shadow };
	return 'injected';
}
`

// updateSoulsJS re-renders the picker body from a row list.
const updateSoulsJS = `
(rows) => {
	const ui = window.__remrinLocketUI;
	if (!ui) return 'missing';
	const shadow = ui.shadow;
	const list = shadow.getElementById('soul-list');
	const status = shadow.getElementById('locket-status');
	list.textContent = '';

	if (!rows.length) {
		const p = document.createElement('p');
		p.className = 'locket-empty';
		p.textContent = 'No souls found. Create one on Remrin.ai';
		list.appendChild(p);
		if (status) status.classList.remove('connected');
		return 'empty';
	}

	let anyActive = false;
	for (const row of rows) {
		const item = document.createElement('div');
		item.className = 'soul-item' + (row.active ? ' active' : '');

		const avatar = document.createElement('div');
		avatar.className = 'soul-avatar';
		if (row.avatarUrl) {
			const img = document.createElement('img');
			img.src = row.avatarUrl;
			img.alt = row.name;
			avatar.appendChild(img);
		} else {
			avatar.textContent = row.initial;
		}

		const info = document.createElement('div');
		const name = document.createElement('p');
		name.className = 'soul-name';
		name.textContent = row.name;
		const state = document.createElement('p');
		state.className = 'soul-status';
		state.textContent = row.active ? '✓ Active' : 'Click to activate';
		info.appendChild(name);
		info.appendChild(state);

		item.appendChild(avatar);
		item.appendChild(info);
		item.addEventListener('click', () => {
			window.__remrinLocketEvents.push({ kind: 'select', soulId: row.id, ts: Date.now() });
		});
		list.appendChild(item);
		if (row.active) anyActive = true;
	}
	if (status) status.classList.toggle('connected', anyActive);
	return 'rendered';
}
`

const setThinkingJS = `
(thinking) => {
	const ui = window.__remrinLocketUI;
	if (!ui) return 'missing';
	const icon = ui.shadow.getElementById('locket-icon');
	if (icon) icon.classList.toggle('thinking', thinking);
	return 'ok';
}
`

const removeJS = `
(hostId) => {
	const el = document.getElementById(hostId);
	if (el) el.remove();
	delete window.__remrinLocketUI;
	return 'removed';
}
`

// soulRow is the wire view handed to updateSoulsJS.
type soulRow struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatarUrl"`
	Initial   string  `json:"initial"`
	Active    bool    `json:"active"`
}

// Injector owns the in-page control for one tab.
type Injector struct {
	ev   dom.Evaluator
	site *sites.Config
	log  *zap.Logger

	mu       sync.Mutex
	injected bool
}

// New creates an injector for a tab on the given site. site may be nil, in
// which case every operation is a silent no-op (unsupported pages are inert).
func New(ev dom.Evaluator, site *sites.Config, log *zap.Logger) *Injector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Injector{ev: ev, site: site, log: log}
}

// Inject renders the control. Idempotent: repeat calls, and calls racing an
// already-present host element, leave exactly one control in the page.
func (i *Injector) Inject(ctx context.Context) error {
	if i.site == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.injected {
		return nil
	}
	raw, err := i.ev.Eval(ctx, injectJS, hostElementID, locketStyles)
	if err != nil {
		return fmt.Errorf("inject locket UI: %w", err)
	}
	i.injected = true
	i.log.Debug("locket UI injected",
		zap.String("site", i.site.Name),
		zap.ByteString("result", raw))
	return nil
}

// UpdateSouls re-renders the picker body and marks the active row.
func (i *Injector) UpdateSouls(ctx context.Context, souls []soul.Soul, activeID *string) error {
	if i.site == nil {
		return nil
	}
	rows := make([]soulRow, 0, len(souls))
	for _, s := range souls {
		rows = append(rows, soulRow{
			ID:        s.ID,
			Name:      s.Name,
			AvatarURL: s.AvatarURL,
			Initial:   s.Initial(),
			Active:    activeID != nil && s.ID == *activeID,
		})
	}
	// rod marshals args itself, but going through json.RawMessage keeps the
	// Evaluator seam uniform for fakes.
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode soul rows: %w", err)
	}
	if _, err := i.ev.Eval(ctx, updateSoulsJS, json.RawMessage(payload)); err != nil {
		return fmt.Errorf("update soul list: %w", err)
	}
	return nil
}

// SetThinking toggles the pulsing state on the icon while an interception is
// in flight.
func (i *Injector) SetThinking(ctx context.Context, thinking bool) error {
	if i.site == nil {
		return nil
	}
	if _, err := i.ev.Eval(ctx, setThinkingJS, thinking); err != nil {
		return fmt.Errorf("set thinking indicator: %w", err)
	}
	return nil
}

// MarkDetached forgets the injected flag without touching the page. Called
// after a hard reload destroyed the document the control lived in.
func (i *Injector) MarkDetached() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.injected = false
}

// Remove detaches the host element.
func (i *Injector) Remove(ctx context.Context) error {
	if i.site == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.injected {
		return nil
	}
	if _, err := i.ev.Eval(ctx, removeJS, hostElementID); err != nil {
		return fmt.Errorf("remove locket UI: %w", err)
	}
	i.injected = false
	return nil
}
