package intercept

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remrin/locket/internal/soul"
)

func aria() *soul.Soul {
	return &soul.Soul{
		ID:           "soul-aria",
		Name:         "Aria",
		SystemPrompt: "You are Aria, a cheerful guide.",
	}
}

func TestFirstSubmissionIsFullInjection(t *testing.T) {
	ic := New()

	out, mode := ic.WrapInput("hello", aria(), "", true)

	assert.Equal(t, ModeFull, mode)
	assert.Contains(t, out, "=== PERSONA ACTIVE ===")
	assert.Contains(t, out, "Character: Aria")
	assert.Contains(t, out, "You are Aria, a cheerful guide.")
	assert.NotContains(t, out, "[Core Memories]")
	assert.True(t, strings.HasSuffix(out, "hello"), "composed text must end with the user text")
}

func TestSecondSubmissionIsLight(t *testing.T) {
	ic := New()
	ic.WrapInput("hello", aria(), "", true)

	out, mode := ic.WrapInput("how are you", aria(), "", false)

	assert.Equal(t, ModeLight, mode)
	assert.Equal(t, "how are you", out, "light mode with empty context leaves text untouched")
}

func TestResetRestoresFullInjection(t *testing.T) {
	ic := New()
	ic.WrapInput("hello", aria(), "", true)
	ic.Reset()

	out, mode := ic.WrapInput("again", aria(), "", false)

	assert.Equal(t, ModeFull, mode)
	assert.Contains(t, out, "You are Aria, a cheerful guide.")
}

func TestSoulSwapForcesFullInjection(t *testing.T) {
	ic := New()
	ic.WrapInput("hello", aria(), "", true)

	kai := &soul.Soul{ID: "soul-kai", Name: "Kai", SystemPrompt: "You are Kai."}
	out, mode := ic.WrapInput("hi kai", kai, "", false)

	assert.Equal(t, ModeFull, mode)
	assert.Contains(t, out, "Character: Kai")

	// And swapping back behaves the same without an explicit reset.
	out, mode = ic.WrapInput("back", aria(), "", false)
	assert.Equal(t, ModeFull, mode)
	assert.Contains(t, out, "Character: Aria")
}

func TestNewChatForcesFullInjectionEvenWhenPrimed(t *testing.T) {
	ic := New()
	ic.WrapInput("hello", aria(), "", false)

	out, mode := ic.WrapInput("fresh thread", aria(), "", true)

	assert.Equal(t, ModeFull, mode)
	assert.Contains(t, out, "=== PERSONA ACTIVE ===")
}

func TestBlankInputUnchanged(t *testing.T) {
	ic := New()

	for _, text := range []string{"", "   ", "\n\t "} {
		out, mode := ic.WrapInput(text, aria(), "ctx", true)
		assert.Equal(t, text, out)
		assert.Equal(t, ModeNone, mode)
	}

	// Blank input must not consume the priming transition.
	out, mode := ic.WrapInput("hello", aria(), "", false)
	assert.Equal(t, ModeFull, mode)
	assert.Contains(t, out, "Character: Aria")
}

func TestNilSoulUnchanged(t *testing.T) {
	ic := New()
	out, mode := ic.WrapInput("hello", nil, "ctx", true)
	assert.Equal(t, "hello", out)
	assert.Equal(t, ModeNone, mode)
}

func TestCoreMemoriesSection(t *testing.T) {
	s := aria()
	locket := "Aria grew up by the sea."
	s.LocketData = &locket

	out, mode := New().WrapInput("hello", s, "", true)

	require.Equal(t, ModeFull, mode)
	assert.Contains(t, out, "[Core Memories]")
	assert.Contains(t, out, "Aria grew up by the sea.")
}

func TestRelevantContextSections(t *testing.T) {
	ic := New()

	out, _ := ic.WrapInput("hello", aria(), "[Memory 1]: likes tea", true)
	assert.Contains(t, out, "[Relevant Context]")
	assert.Contains(t, out, "[Memory 1]: likes tea")

	out, mode := ic.WrapInput("more", aria(), "[Memory 1]: likes tea", false)
	assert.Equal(t, ModeLight, mode)
	assert.Contains(t, out, "[Relevant context from memory:")
	assert.True(t, strings.HasSuffix(out, "more"))
	assert.NotContains(t, out, "You are Aria, a cheerful guide.", "light mode must not repeat the system prompt")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "none", ModeNone.String())
	assert.Equal(t, "full", ModeFull.String())
	assert.Equal(t, "light", ModeLight.String())
}
