// Package sites holds the per-site adapter table: which selectors locate the
// chat input, the submit button, and rendered messages on each supported chat
// platform, plus the URL heuristic that decides whether a page shows a fresh
// conversation.
//
// The table is declarative and deliberately brittle: host sites own their
// markup and routing, and adding or repairing a site means editing exactly one
// entry here. Everything downstream treats an unknown hostname as inert.
package sites

import (
	"net/url"
	"strings"
)

// Config describes one supported chat platform. Selector lists are ordered;
// the first selector that matches wins, because sites sometimes ship more than
// one possible markup.
type Config struct {
	Name             string
	Hostnames        []string
	InputSelectors   []string
	SubmitSelectors  []string
	MessageSelectors []string
	InjectPosition   string

	// newChat reports whether the given path belongs to a fresh conversation.
	// Kept behind the adapter seam so routing-scheme churn never touches the
	// interceptor's state machine.
	newChat func(path string) bool
}

// IsNewChat reports whether rawURL points at a fresh conversation on this
// site. Unparseable URLs count as new: repeating the full preamble is
// harmless, dropping it is not.
func (c *Config) IsNewChat(rawURL string) bool {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	return c.newChat(path)
}

var table = []*Config{
	{
		Name:      "Claude",
		Hostnames: []string{"claude.ai"},
		InputSelectors: []string{
			`div[contenteditable="true"].ProseMirror`,
			`div[contenteditable="true"]`,
		},
		SubmitSelectors: []string{
			`button[aria-label="Send Message"]`,
			`button[aria-label="Send message"]`,
		},
		MessageSelectors: []string{
			`div[data-testid="chat-message"]`,
			`div.font-claude-message`,
		},
		InjectPosition: "bottom-right",
		newChat: func(path string) bool {
			return strings.Contains(path, "/new") || !strings.Contains(path, "/chat/")
		},
	},
	{
		Name:      "ChatGPT",
		Hostnames: []string{"chatgpt.com", "chat.openai.com"},
		InputSelectors: []string{
			`#prompt-textarea`,
			`textarea[data-id="root"]`,
			`div[contenteditable="true"]`,
		},
		SubmitSelectors: []string{
			`button[data-testid="send-button"]`,
			`button[aria-label="Send prompt"]`,
		},
		MessageSelectors: []string{
			`div[data-message-author-role]`,
		},
		InjectPosition: "bottom-right",
		newChat: func(path string) bool {
			return !strings.Contains(path, "/c/")
		},
	},
	{
		Name:      "Gemini",
		Hostnames: []string{"gemini.google.com"},
		InputSelectors: []string{
			`rich-textarea div[contenteditable="true"]`,
			`div.ql-editor`,
		},
		SubmitSelectors: []string{
			`button[aria-label="Send message"]`,
			`button.send-button`,
		},
		MessageSelectors: []string{
			`message-content`,
		},
		InjectPosition: "bottom-right",
		newChat: func(path string) bool {
			return !strings.Contains(path, "/c/")
		},
	},
}

// Lookup returns the adapter entry for a hostname, or false when the host is
// unsupported. Ports and a leading "www." are ignored.
func Lookup(hostname string) (*Config, bool) {
	host := strings.ToLower(hostname)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	host = strings.TrimPrefix(host, "www.")
	for _, cfg := range table {
		for _, h := range cfg.Hostnames {
			if host == h {
				return cfg, true
			}
		}
	}
	return nil, false
}

// LookupURL is Lookup over a full URL string.
func LookupURL(rawURL string) (*Config, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, false
	}
	return Lookup(u.Hostname())
}

// Supported returns the names of all supported sites.
func Supported() []string {
	names := make([]string, 0, len(table))
	for _, cfg := range table {
		names = append(names, cfg.Name)
	}
	return names
}

// Hostnames returns every hostname in the adapter table.
func Hostnames() []string {
	var hosts []string
	for _, cfg := range table {
		hosts = append(hosts, cfg.Hostnames...)
	}
	return hosts
}

// HomeURL returns the landing URL for a site name, used by the CLI to open a
// fresh tab. Empty string for unknown names.
func HomeURL(name string) string {
	for _, cfg := range table {
		if strings.EqualFold(cfg.Name, name) {
			return "https://" + cfg.Hostnames[0] + "/"
		}
	}
	return ""
}
