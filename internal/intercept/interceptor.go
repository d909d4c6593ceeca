// Package intercept implements the submission-rewrite state machine: it
// decides whether an outgoing user message needs the full persona preamble or
// only a lightweight context fragment, and composes the final text.
//
// Chat backends keep no persistent memory of a persona outside what is sent
// in-band, so the full preamble must be repeated whenever context could
// plausibly have been lost: a fresh conversation, an explicit reset, or a
// persona swap. Once primed, light mode avoids resending a possibly large
// system prompt on every turn.
package intercept

import (
	"fmt"
	"strings"
	"sync"

	"github.com/remrin/locket/internal/soul"
)

// Mode is the injection mode chosen for one submission.
type Mode int

const (
	// ModeNone means the text was left untouched (blank input or no soul).
	ModeNone Mode = iota
	// ModeFull means the complete persona preamble was prepended.
	ModeFull
	// ModeLight means at most a retrieved-context fragment was prepended.
	ModeLight
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeLight:
		return "light"
	default:
		return "none"
	}
}

// Interceptor tracks, per (tab, conversation), whether a full preamble has
// been injected and for which soul. It mirrors the per-tab session record in
// memory so every keystroke does not round-trip to the state store.
type Interceptor struct {
	mu           sync.Mutex
	primed       bool
	primedSoulID string
}

func New() *Interceptor {
	return &Interceptor{}
}

// Reset returns the machine to uninitialized. Called on SPA navigation so a
// new conversation gets a fresh full-context injection.
func (i *Interceptor) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.primed = false
	i.primedSoulID = ""
}

// Primed reports whether a full preamble has been injected since the last
// reset, and for which soul.
func (i *Interceptor) Primed() (bool, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.primed, i.primedSoulID
}

// WrapInput composes the text to submit in place of userText. Blank input is
// returned unchanged with ModeNone; the caller is expected to abort the
// submission in that case. newChat comes from the site adapter's URL
// heuristic.
func (i *Interceptor) WrapInput(userText string, s *soul.Soul, ragContext string, newChat bool) (string, Mode) {
	if s == nil || strings.TrimSpace(userText) == "" {
		return userText, ModeNone
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	full := newChat || !i.primed || i.primedSoulID != s.ID
	if !full {
		return composeLight(userText, ragContext), ModeLight
	}

	i.primed = true
	i.primedSoulID = s.ID
	return composeFull(userText, s, ragContext), ModeFull
}

func composeFull(userText string, s *soul.Soul, ragContext string) string {
	var b strings.Builder

	b.WriteString("=== PERSONA ACTIVE ===\n")
	fmt.Fprintf(&b, "Character: %s\n", s.Name)
	b.WriteString(strings.TrimSpace(s.SystemPrompt))
	b.WriteString("\n")

	if s.HasLocketData() {
		b.WriteString("\n[Core Memories]\n")
		b.WriteString(strings.TrimSpace(*s.LocketData))
		b.WriteString("\n")
	}

	if strings.TrimSpace(ragContext) != "" {
		b.WriteString("\n[Relevant Context]\n")
		b.WriteString(strings.TrimSpace(ragContext))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n=== Respond fully in character as %s for the rest of this conversation. ===\n\n", s.Name)
	b.WriteString(userText)
	return b.String()
}

func composeLight(userText, ragContext string) string {
	if strings.TrimSpace(ragContext) == "" {
		return userText
	}
	return fmt.Sprintf("[Relevant context from memory:\n%s]\n\n%s", strings.TrimSpace(ragContext), userText)
}
