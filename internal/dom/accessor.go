// Package dom reads and writes text inside the host page's chat input. The
// input may be a value-bearing element (<textarea>, <input>) or a
// contenteditable region; the capability check happens once inside the
// injected function, so callers never branch on tag names.
//
// Writes dispatch a bubbling synthetic "input" event, because host frameworks
// reconcile their internal state from the DOM event stream, not from any
// return value. The write must have landed before the caller clicks the
// site's own submit button.
package dom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrElementNotFound is returned when no selector in the list matches.
var ErrElementNotFound = errors.New("dom: element not found")

// Evaluator runs a JavaScript function in the page and returns its JSON
// result. The production implementation wraps a rod page; tests substitute a
// fake.
type Evaluator interface {
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)
}

// readTextJS returns {found, text} for the first matching element.
const readTextJS = `
(selectors) => {
	let el = null;
	for (const s of selectors) {
		el = document.querySelector(s);
		if (el) break;
	}
	if (!el) return { found: false, text: '' };
	const tag = el.tagName;
	if (tag === 'TEXTAREA' || tag === 'INPUT') {
		return { found: true, text: el.value || '' };
	}
	return { found: true, text: el.innerText || '' };
}
`

// writeTextJS assigns the text and fires one bubbling input event. For value
// elements the prototype's native setter is used so framework-patched value
// properties still observe the change.
const writeTextJS = `
(selectors, text) => {
	let el = null;
	for (const s of selectors) {
		el = document.querySelector(s);
		if (el) break;
	}
	if (!el) return { found: false };
	const tag = el.tagName;
	if (tag === 'TEXTAREA' || tag === 'INPUT') {
		const proto = tag === 'TEXTAREA' ? window.HTMLTextAreaElement.prototype : window.HTMLInputElement.prototype;
		const desc = Object.getOwnPropertyDescriptor(proto, 'value');
		if (desc && desc.set) {
			desc.set.call(el, text);
		} else {
			el.value = text;
		}
	} else {
		el.innerText = text;
	}
	el.dispatchEvent(new Event('input', { bubbles: true }));
	return { found: true };
}
`

// clickJS clicks the first matching element.
const clickJS = `
(selectors) => {
	let el = null;
	for (const s of selectors) {
		el = document.querySelector(s);
		if (el) break;
	}
	if (!el) return { found: false };
	el.click();
	return { found: true };
}
`

// Accessor performs text reads/writes through an Evaluator.
type Accessor struct {
	ev Evaluator
}

func NewAccessor(ev Evaluator) *Accessor {
	return &Accessor{ev: ev}
}

type foundResult struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// ReadText returns the current text of the first element matching selectors.
// The second return reports whether any element matched.
func (a *Accessor) ReadText(ctx context.Context, selectors []string) (string, bool, error) {
	res, err := a.eval(ctx, readTextJS, selectors)
	if err != nil {
		return "", false, fmt.Errorf("read input text: %w", err)
	}
	return res.Text, res.Found, nil
}

// WriteText replaces the element's text and notifies the host framework.
// The evaluation is synchronous with respect to the page: once it returns,
// the DOM already holds the new text.
func (a *Accessor) WriteText(ctx context.Context, selectors []string, text string) error {
	res, err := a.eval(ctx, writeTextJS, selectors, text)
	if err != nil {
		return fmt.Errorf("write input text: %w", err)
	}
	if !res.Found {
		return ErrElementNotFound
	}
	return nil
}

// Click programmatically clicks the first element matching selectors.
func (a *Accessor) Click(ctx context.Context, selectors []string) error {
	res, err := a.eval(ctx, clickJS, selectors)
	if err != nil {
		return fmt.Errorf("click element: %w", err)
	}
	if !res.Found {
		return ErrElementNotFound
	}
	return nil
}

func (a *Accessor) eval(ctx context.Context, js string, args ...any) (foundResult, error) {
	raw, err := a.ev.Eval(ctx, js, args...)
	if err != nil {
		return foundResult{}, err
	}
	var res foundResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return foundResult{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}
