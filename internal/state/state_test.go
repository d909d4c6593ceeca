package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remrin/locket/internal/soul"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestDefaultShape(t *testing.T) {
	s := tempStore(t)

	st := s.Get()
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.UserID)
	assert.Nil(t, st.ActiveSoulID)
	assert.NotNil(t, st.Souls)
	assert.Empty(t, st.Souls)
	assert.NotNil(t, st.SessionState)
	assert.Empty(t, st.SessionState)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	uid := "user-1"
	active := "soul-1"
	require.NoError(t, s.SetAuth(true, &uid))
	require.NoError(t, s.SetActiveSoul(&active))
	require.NoError(t, s.SetSouls([]soul.Soul{{ID: "soul-1", Name: "Aria"}}))
	require.NoError(t, s.UpsertTabSession("42", func(ts *TabSession) {
		ts.URL = "https://chatgpt.com/"
		ts.Injected = true
		ts.SoulID = "soul-1"
		ts.MessageCount = 3
	}))

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	if diff := cmp.Diff(s.Get(), reopened.Get()); diff != "" {
		t.Fatalf("state mismatch after reload (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, reopened.Get().SessionState["42"].MessageCount)
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, s.Get().Souls)
}

func TestSetSoulsReplacesWholesale(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.SetSouls([]soul.Soul{{ID: "a"}, {ID: "b"}}))
	require.NoError(t, s.SetSouls([]soul.Soul{{ID: "c"}}))

	st := s.Get()
	require.Len(t, st.Souls, 1)
	assert.Equal(t, "c", st.Souls[0].ID)
}

func TestTabSessionLifecycle(t *testing.T) {
	s := tempStore(t)

	require.NoError(t, s.UpsertTabSession("7", func(ts *TabSession) {
		ts.Injected = true
		ts.MessageCount++
	}))
	require.NoError(t, s.UpsertTabSession("7", func(ts *TabSession) {
		ts.MessageCount++
	}))

	ts := s.Get().SessionState["7"]
	assert.Equal(t, "7", ts.TabID)
	assert.True(t, ts.Injected)
	assert.Equal(t, 2, ts.MessageCount)

	require.NoError(t, s.DeleteTabSession("7"))
	_, ok := s.Get().SessionState["7"]
	assert.False(t, ok)

	// GC of an unknown tab is a no-op, never an error.
	require.NoError(t, s.DeleteTabSession("missing"))
}

func TestResetRestoresDefaults(t *testing.T) {
	s := tempStore(t)
	uid := "user-1"
	require.NoError(t, s.SetAuth(true, &uid))
	require.NoError(t, s.SetSouls([]soul.Soul{{ID: "a"}}))

	require.NoError(t, s.Reset())

	st := s.Get()
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.UserID)
	assert.Empty(t, st.Souls)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.SetSouls([]soul.Soul{{ID: "a", Name: "Aria"}}))

	st := s.Get()
	st.Souls[0].Name = "mutated"
	st.SessionState["x"] = TabSession{TabID: "x"}

	assert.Equal(t, "Aria", s.Get().Souls[0].Name)
	assert.Empty(t, s.Get().SessionState)
}

func TestReloadPicksUpExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.SetSouls([]soul.Soul{{ID: "a"}}))

	// Simulate another process rewriting the file.
	external := Default()
	active := "soul-ext"
	external.ActiveSoulID = &active
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	st, changed := s.reload()
	require.True(t, changed)
	require.NotNil(t, st.ActiveSoulID)
	assert.Equal(t, "soul-ext", *st.ActiveSoulID)

	// A second reload of identical bytes reports no change.
	_, changed = s.reload()
	assert.False(t, changed)
}

func TestPersistReplacesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.SetSouls([]soul.Soul{{ID: "a", Name: "Aria"}}))

	// The temp file from the write-then-rename must not linger.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// The renamed file holds the complete record.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	require.Len(t, st.Souls, 1)
	assert.Equal(t, "Aria", st.Souls[0].Name)
}
