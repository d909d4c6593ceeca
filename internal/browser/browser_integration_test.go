//go:build integration

package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/remrin/locket/internal/dom"
)

// Runs against a real headless Chrome; kept behind the integration tag so
// the normal test run stays hermetic.

func TestManagerStartAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Headless = true
	m := NewManager(cfg, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, m.Start(ctx))
	require.True(t, m.IsConnected())
	require.NotEmpty(t, m.ControlURL())

	// Start is idempotent while the connection is healthy.
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.Shutdown())
	require.False(t, m.IsConnected())
}

func TestEvaluatorRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `<html><body>
			<textarea id="composer"></textarea>
			<button id="send" onclick="window.sent = true"></button>
		</body></html>`)
	}))
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.Headless = true
	m := NewManager(cfg, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Shutdown()

	browser := rod.New().ControlURL(m.ControlURL()).Context(ctx)
	require.NoError(t, browser.Connect())
	page, err := browser.Page(proto.TargetCreateTarget{URL: ts.URL})
	require.NoError(t, err)
	require.NoError(t, page.WaitLoad())

	ev := &rodEvaluator{page: page}
	acc := dom.NewAccessor(ev)
	selectors := []string{"#composer"}

	text, found, err := acc.ReadText(ctx, selectors)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, text)

	require.NoError(t, acc.WriteText(ctx, selectors, "hello from locket"))
	text, found, err = acc.ReadText(ctx, selectors)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello from locket", text)

	require.NoError(t, acc.Click(ctx, []string{"#send"}))
	raw, err := ev.Eval(ctx, `() => window.sent === true`)
	require.NoError(t, err)
	require.Equal(t, "true", string(raw))

	_, found, err = acc.ReadText(ctx, []string{"#missing"})
	require.NoError(t, err)
	require.False(t, found)
}
