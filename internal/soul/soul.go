// Package soul defines the persona model the locket agent injects into
// third-party chat sites. Souls are owned by the Remrin backend; the agent
// only ever reads snapshots of them.
package soul

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// Soul is one persona: the character profile injected into a chat.
type Soul struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	AvatarURL    *string        `json:"avatar_url"`
	SystemPrompt string         `json:"system_prompt"`
	LocketData   *string        `json:"locket_data"`
	Config       map[string]any `json:"config"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Initial returns the single-character avatar fallback for souls without an
// avatar image.
func (s Soul) Initial() string {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return "?"
	}
	return strings.ToUpper(string([]rune(name)[0]))
}

// HasLocketData reports whether the soul carries a core-memory block.
func (s Soul) HasLocketData() bool {
	return s.LocketData != nil && strings.TrimSpace(*s.LocketData) != ""
}

// FindByID returns the soul with the given id, or nil when the id is absent.
// A stale id (e.g. after logout) is treated as "no active soul", never as an
// error.
func FindByID(souls []Soul, id string) *Soul {
	if id == "" {
		return nil
	}
	found, ok := lo.Find(souls, func(s Soul) bool { return s.ID == id })
	if !ok {
		return nil
	}
	return &found
}
