package dictionary

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func TestDefault_Seeded(t *testing.T) {
	d := Default()
	assert.Equal(t, 1, d.Version())
	m, ok := d.Macro("websrch")
	require.True(t, ok)
	assert.Equal(t, SystemAuthor, m.AddedBy)
	assert.Equal(t, []string{"query", "limit"}, m.ParamNames)
	assert.Equal(t, "configuration", d.Abbreviations()["cfg"])
}

func TestAddRemoveMacro_BumpsVersion(t *testing.T) {
	d := New().WithClock(fixedClock)
	require.NoError(t, d.AddMacro("greet", Macro{Template: `CT/1 REQ chat text="{msg}"`, AddedBy: "agent"}))
	assert.Equal(t, 2, d.Version())

	m, ok := d.Macro("GREET")
	require.True(t, ok)
	assert.Equal(t, "2026-03-14", m.AddedAt)
	assert.Equal(t, []string{"msg"}, m.ParamNames)

	assert.True(t, d.RemoveMacro("Greet"))
	assert.Equal(t, 3, d.Version())
	assert.False(t, d.RemoveMacro("greet"))
	assert.Equal(t, 3, d.Version())
}

func TestAddMacro_Invalid(t *testing.T) {
	d := New()
	err := d.AddMacro("bad name", Macro{Template: "CT/1 NOOP"})
	assert.True(t, errors.Is(err, ErrInvalidMacro))
	err = d.AddMacro("EMPTY", Macro{Template: "  "})
	assert.True(t, errors.Is(err, ErrInvalidMacro))
	assert.Equal(t, 1, d.Version())
}

func TestTrackMacroUsage_NoVersionBump(t *testing.T) {
	d := Default()
	v := d.Version()
	assert.True(t, d.TrackMacroUsage("websrch"))
	assert.True(t, d.TrackMacroUsage("WEBSRCH"))
	assert.False(t, d.TrackMacroUsage("nope"))
	m, _ := d.Macro("WEBSRCH")
	assert.Equal(t, 2, m.UsageCount)
	assert.Equal(t, v, d.Version())
}

func TestReplacingMacroKeepsUsage(t *testing.T) {
	d := New().WithClock(fixedClock)
	require.NoError(t, d.AddMacro("PING", Macro{Template: "CT/1 STATUS"}))
	for i := 0; i < 3; i++ {
		require.True(t, d.TrackMacroUsage("PING"))
	}

	require.NoError(t, d.AddMacro("PING", Macro{Template: "CT/1 STATUS verbose=true"}))
	m, _ := d.Macro("PING")
	assert.Equal(t, 3, m.UsageCount)
	assert.Equal(t, "CT/1 STATUS verbose=true", m.Template)

	require.NoError(t, d.AddMacro("PING", Macro{Template: "CT/1 STATUS", UsageCount: 7}))
	m, _ = d.Macro("PING")
	assert.Equal(t, 7, m.UsageCount)

	require.NoError(t, d.Propose(Proposal{Name: "PING", Template: "CT/1 ACK"}))
	approved, err := d.ApproveProposal("ping")
	require.NoError(t, err)
	assert.Equal(t, 7, approved.UsageCount)
}

func TestProposalLifecycle(t *testing.T) {
	d := New().WithClock(fixedClock)
	require.NoError(t, d.Propose(Proposal{Name: "fetchdoc", Template: `CT/1 REQ browse url="{url}"`, Reason: "frequent", ProposedBy: "agent-7"}))
	require.NoError(t, d.Propose(Proposal{Name: "junk", Template: `CT/1 NOOP`}))
	assert.Equal(t, 1, d.Version())
	require.Len(t, d.Proposals(), 2)

	m, err := d.ApproveProposal("FETCHDOC")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", m.AddedAt)
	assert.Equal(t, "agent-7", m.AddedBy)
	assert.Equal(t, 2, d.Version())

	require.NoError(t, d.RejectProposal("junk"))
	assert.Equal(t, 2, d.Version())
	assert.Empty(t, d.Proposals())

	_, err = d.ApproveProposal("junk")
	assert.True(t, errors.Is(err, ErrProposalNotFound))
	assert.True(t, errors.Is(d.RejectProposal("missing"), ErrProposalNotFound))
}

func TestEvictLRU(t *testing.T) {
	d := New()
	require.NoError(t, d.AddMacro("A", Macro{Template: "CT/1 NOOP", AddedBy: SystemAuthor}))
	require.NoError(t, d.AddMacro("B", Macro{Template: "CT/1 ACK", AddedBy: "agent", UsageCount: 1}))
	require.NoError(t, d.AddMacro("C", Macro{Template: "CT/1 ACK", AddedBy: "agent", UsageCount: 5}))
	before := d.Version()

	evicted := d.EvictLRU(2)
	assert.Equal(t, []string{"B"}, evicted)
	assert.Equal(t, []string{"A", "C"}, d.MacroNames())
	assert.Equal(t, before+1, d.Version())

	assert.Empty(t, d.EvictLRU(2))
	assert.Equal(t, before+1, d.Version())
}

func TestEvictLRU_TiesAndSystemFloor(t *testing.T) {
	d := New()
	require.NoError(t, d.AddMacro("SYS", Macro{Template: "CT/1 NOOP", AddedBy: SystemAuthor}))
	require.NoError(t, d.AddMacro("X", Macro{Template: "CT/1 ACK", AddedBy: "a"}))
	require.NoError(t, d.AddMacro("Y", Macro{Template: "CT/1 ACK", AddedBy: "a"}))

	assert.Equal(t, []string{"X", "Y"}, d.EvictLRU(0))
	assert.Equal(t, []string{"SYS"}, d.MacroNames())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dictionary.json")
	d := Default().WithClock(fixedClock)
	require.NoError(t, d.AddMacro("ZED", Macro{Template: `CT/1 REQ chat text="{t}"`, AddedBy: "agent"}))
	require.NoError(t, d.AddMacro("ALPHA", Macro{Template: `CT/1 ACK`, AddedBy: "agent"}))
	require.NoError(t, d.Propose(Proposal{Name: "later", Template: "CT/1 NOOP"}))
	require.NoError(t, Save(d, path))

	loaded := Load(path)
	assert.Equal(t, d.Version(), loaded.Version())
	assert.Equal(t, d.MacroNames(), loaded.MacroNames())
	assert.True(t, fixedClock().Equal(loaded.UpdatedAt()))
	assert.Equal(t, d.Abbreviations(), loaded.Abbreviations())
	require.Len(t, loaded.Proposals(), 1)
	assert.Equal(t, "LATER", loaded.Proposals()[0].Name)
}

func TestLoad_FallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"garbage":        "{not json",
		"schema invalid": `{"schemaVersion":"1.0.0","version":-3,"macros":{}}`,
		"future schema":  `{"schemaVersion":"2.1.0","version":4,"macros":{}}`,
		"bad semver":     `{"schemaVersion":"one","version":4,"macros":{}}`,
		"bad macro":      `{"schemaVersion":"1.0.0","version":4,"macros":{"X":{"usageCount":2}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			d := Load(path)
			_, ok := d.Macro("WEBSRCH")
			assert.True(t, ok)
			assert.Equal(t, 1, d.Version())
		})
	}

	d := Load(filepath.Join(dir, "missing.json"))
	assert.Equal(t, Default().MacroNames(), d.MacroNames())
	assert.Equal(t, Default().MacroNames(), Load("").MacroNames())
}

func TestSave_ConcurrentWritersLastWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.json")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := Default()
			assert.NoError(t, Save(d, path))
		}()
	}
	wg.Wait()

	_, err := Unmarshal(mustRead(t, path))
	require.NoError(t, err)
	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".dictionary-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStore(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "d.json"))
	d := s.Load()
	d.TrackMacroUsage("READF")
	require.NoError(t, s.Save(d))
	m, ok := s.Load().Macro("READF")
	require.True(t, ok)
	assert.Equal(t, 1, m.UsageCount)
}

func TestTopMacros(t *testing.T) {
	d := Default()
	d.TrackMacroUsage("NOTE")
	d.TrackMacroUsage("NOTE")
	d.TrackMacroUsage("READF")
	assert.Equal(t, []string{"NOTE", "READF"}, d.TopMacros(2))
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
