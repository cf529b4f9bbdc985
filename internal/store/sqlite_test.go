package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/manifest"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seededLoom(t *testing.T) *loom.Loom {
	t.Helper()
	l := loom.New("The attention was a hand, and it was holding—", "a cold short story", nil)
	ev, err := l.AddCandidates(l.RootID, []loom.CandidateInput{
		{Text: " nothing at all."},
		{Text: " the door shut."},
	})
	require.NoError(t, err)
	require.NoError(t, l.CommitChoice(ev.ID, ev.CandidateNodeIDs[1], loom.ChosenBySelector, "colder register", nil))
	return l
}

func TestSQLiteSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	l := seededLoom(t)
	require.NoError(t, s.CreateSession(ctx, l, "stateless"))

	got, err := s.GetSnapshot(ctx, l.SessionID)
	require.NoError(t, err)
	assert.Equal(t, l.SessionID, got.SessionID)
	assert.Equal(t, l.CurrentText(), got.CurrentText())
	assert.Len(t, got.Nodes, 3)
}

func TestSQLiteSaveSnapshotUpdates(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	l := seededLoom(t)
	require.NoError(t, s.CreateSession(ctx, l, "human"))

	tip, ok := l.Tip()
	require.True(t, ok)
	ev, err := l.AddCandidates(tip.ID, []loom.CandidateInput{{Text: " Then, quiet."}})
	require.NoError(t, err)
	require.NoError(t, l.CommitStop(ev.ID, "the piece is done"))
	require.NoError(t, s.SaveSnapshot(ctx, l))

	got, err := s.GetSnapshot(ctx, l.SessionID)
	require.NoError(t, err)
	assert.True(t, got.Stopped)

	metas, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.True(t, metas[0].Stopped)
	assert.Equal(t, 1, metas[0].Steps)
}

func TestSQLiteSaveSnapshotUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)

	l := seededLoom(t)
	err := s.SaveSnapshot(context.Background(), l)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLiteGetSnapshotUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)

	_, err := s.GetSnapshot(context.Background(), "absent")
	assert.True(t, loom.IsUnresolvedReference(err))
}

func TestSQLiteListSessionsFilter(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, seededLoom(t), "human"))
	require.NoError(t, s.CreateSession(ctx, seededLoom(t), "agentic"))

	metas, err := s.ListSessions(ctx, SessionFilter{Selector: "agentic"})
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "agentic", metas[0].Selector)

	stopped := true
	metas, err = s.ListSessions(ctx, SessionFilter{Stopped: &stopped})
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestSQLiteDecisionRecords(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	recs := []manifest.Record{
		{SessionID: "s1", DecisionID: "d1", ParentNodeID: "root", Action: "choose", ChosenNodeID: "n2", Timestamp: "2026-03-01T12:00:00Z"},
		{SessionID: "s1", DecisionID: "d2", ParentNodeID: "n2", Action: "stop", Reason: "done", Timestamp: "2026-03-01T12:05:00Z"},
		{SessionID: "s2", DecisionID: "d3", ParentNodeID: "root", Action: "choose", Timestamp: "2026-03-01T12:01:00Z"},
	}
	require.NoError(t, s.SaveDecisions(ctx, recs))

	// Replaying the same manifest is idempotent.
	require.NoError(t, s.SaveDecisions(ctx, recs))

	got, err := s.ListDecisions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].DecisionID)
	assert.Equal(t, "stop", got[1].Action)

	got, err = s.ListDecisions(ctx, "s3")
	require.NoError(t, err)
	assert.Empty(t, got)
}
