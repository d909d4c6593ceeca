package sites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupSupportedHosts(t *testing.T) {
	for _, host := range []string{
		"claude.ai",
		"chatgpt.com",
		"chat.openai.com",
		"gemini.google.com",
	} {
		cfg, ok := Lookup(host)
		require.True(t, ok, "expected %s to be supported", host)
		require.NotNil(t, cfg)
		assert.NotEmpty(t, cfg.InputSelectors, "%s must have input selectors", host)
		assert.NotEmpty(t, cfg.SubmitSelectors, "%s must have submit selectors", host)
	}
}

func TestLookupNormalization(t *testing.T) {
	cfg, ok := Lookup("www.chatgpt.com")
	require.True(t, ok)
	assert.Equal(t, "ChatGPT", cfg.Name)

	cfg, ok = Lookup("CLAUDE.AI:443")
	require.True(t, ok)
	assert.Equal(t, "Claude", cfg.Name)
}

func TestLookupUnsupportedHosts(t *testing.T) {
	for _, host := range []string{
		"example.com",
		"google.com",
		"claude.ai.evil.com",
		"notchatgpt.com",
		"",
	} {
		_, ok := Lookup(host)
		assert.False(t, ok, "expected %s to be unsupported", host)
	}
}

func TestLookupURL(t *testing.T) {
	cfg, ok := LookupURL("https://claude.ai/chat/abc-123")
	require.True(t, ok)
	assert.Equal(t, "Claude", cfg.Name)

	_, ok = LookupURL("https://example.com/chat")
	assert.False(t, ok)

	_, ok = LookupURL("not a url")
	assert.False(t, ok)
}

func TestIsNewChat(t *testing.T) {
	tests := []struct {
		site string
		url  string
		want bool
	}{
		{"ChatGPT", "https://chatgpt.com/", true},
		{"ChatGPT", "https://chatgpt.com/c/abc-123", false},
		{"Claude", "https://claude.ai/new", true},
		{"Claude", "https://claude.ai/", true},
		{"Claude", "https://claude.ai/chat/abc-123", false},
		{"Gemini", "https://gemini.google.com/app", true},
		{"Gemini", "https://gemini.google.com/c/xyz", false},
	}
	for _, tt := range tests {
		cfg, ok := LookupURL(tt.url)
		require.True(t, ok, tt.url)
		require.Equal(t, tt.site, cfg.Name)
		assert.Equal(t, tt.want, cfg.IsNewChat(tt.url), "%s %s", tt.site, tt.url)
	}
}

func TestSupportedAndHostnames(t *testing.T) {
	assert.ElementsMatch(t, []string{"Claude", "ChatGPT", "Gemini"}, Supported())
	assert.Contains(t, Hostnames(), "chat.openai.com")
}

func TestHomeURL(t *testing.T) {
	assert.Equal(t, "https://claude.ai/", HomeURL("claude"))
	assert.Equal(t, "https://chatgpt.com/", HomeURL("ChatGPT"))
	assert.Empty(t, HomeURL("unknown"))
}
