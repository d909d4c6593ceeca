package dom

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEvaluator records calls and plays back canned results.
type fakeEvaluator struct {
	result json.RawMessage
	err    error
	lastJS string
	args   []any
}

func (f *fakeEvaluator) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	f.lastJS = js
	f.args = args
	return f.result, f.err
}

func TestReadText(t *testing.T) {
	ev := &fakeEvaluator{result: json.RawMessage(`{"found":true,"text":"hello"}`)}
	a := NewAccessor(ev)

	text, found, err := a.ReadText(context.Background(), []string{"#prompt-textarea"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", text)
	assert.Equal(t, []any{[]string{"#prompt-textarea"}}, ev.args)
}

func TestReadTextNotFound(t *testing.T) {
	ev := &fakeEvaluator{result: json.RawMessage(`{"found":false,"text":""}`)}
	a := NewAccessor(ev)

	text, found, err := a.ReadText(context.Background(), []string{".missing"})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, text)
}

func TestWriteTextPassesTextArgument(t *testing.T) {
	ev := &fakeEvaluator{result: json.RawMessage(`{"found":true}`)}
	a := NewAccessor(ev)

	err := a.WriteText(context.Background(), []string{"#in"}, "composed message")
	require.NoError(t, err)
	require.Len(t, ev.args, 2)
	assert.Equal(t, "composed message", ev.args[1])
}

func TestWriteTextNotFound(t *testing.T) {
	ev := &fakeEvaluator{result: json.RawMessage(`{"found":false}`)}
	a := NewAccessor(ev)

	err := a.WriteText(context.Background(), []string{"#in"}, "x")
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestClick(t *testing.T) {
	ev := &fakeEvaluator{result: json.RawMessage(`{"found":true}`)}
	a := NewAccessor(ev)
	require.NoError(t, a.Click(context.Background(), []string{"button.send"}))

	ev.result = json.RawMessage(`{"found":false}`)
	assert.ErrorIs(t, a.Click(context.Background(), []string{"button.send"}), ErrElementNotFound)
}

func TestEvalErrorWrapped(t *testing.T) {
	ev := &fakeEvaluator{err: errors.New("page gone")}
	a := NewAccessor(ev)

	_, _, err := a.ReadText(context.Background(), []string{"#in"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page gone")
}

func TestScriptsHandleBothElementKinds(t *testing.T) {
	// The injected functions carry the capability check; callers never branch
	// on tag names. Guard against accidental edits dropping a branch.
	for _, js := range []string{readTextJS, writeTextJS} {
		assert.Contains(t, js, "TEXTAREA")
		assert.Contains(t, js, "INPUT")
		assert.Contains(t, js, "innerText")
	}
	assert.Contains(t, writeTextJS, `new Event('input', { bubbles: true })`)
}
