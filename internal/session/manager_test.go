package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"answercore/internal/runstate"
	"answercore/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	st, err := store.Open(":memory:", 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewManager(st, rdb, 10, time.Hour, zaptest.NewLogger(t)), st, mr
}

func finishedTurn(sessionID string) *runstate.RunState {
	s := runstate.New("where is my order?", "u1", sessionID, "web")
	s.Answer = "It ships tomorrow."
	s.DialogState = runstate.StateAnswerProvided
	s.Action = runstate.ActionAutoReply
	s.AttemptCount = 1
	s.ExtractedEntities = map[string][]string{"order_number": {"A-1"}}
	return s
}

func TestArchiveThenStartRestoresHistoryAndHotState(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ArchiveTurn(ctx, finishedTurn("sess-1")))

	tc, err := m.StartTurn(ctx, "sess-1", "u1", "web")
	require.NoError(t, err)
	require.Len(t, tc.Messages, 2)
	assert.Equal(t, runstate.RoleUser, tc.Messages[0].Role)
	assert.Equal(t, runstate.RoleAssistant, tc.Messages[1].Role)
	assert.Equal(t, 1, tc.AttemptCount, "attempt counter survives between turns")
	assert.Equal(t, []string{"A-1"}, tc.Entities["order_number"])
}

func TestStartTurnNeverRestoresDialogState(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s := finishedTurn("sess-2")
	s.DialogState = runstate.StateEscalationNeeded
	s.EscalationReason = "low_confidence"
	require.NoError(t, m.ArchiveTurn(ctx, s))

	tc, err := m.StartTurn(ctx, "sess-2", "u1", "web")
	require.NoError(t, err)
	// The context carries messages and counters only; a fresh run-state
	// always begins in INITIAL.
	assert.Equal(t, 1, tc.AttemptCount)
	fresh := runstate.New("next question", "u1", "sess-2", "web")
	assert.Equal(t, runstate.StateInitial, fresh.DialogState)
}

func TestArchiveEscalationWritesRecord(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	s := finishedTurn("sess-3")
	s.Answer = ""
	s.EscalationMessage = "Transferring you to an agent."
	s.DialogState = runstate.StateEscalationRequested
	s.EscalationReason = "user_requested"
	require.NoError(t, m.ArchiveTurn(ctx, s))

	esc, err := st.GetEscalation(ctx, "sess-3")
	require.NoError(t, err)
	assert.Equal(t, "user_requested", esc.Reason)
	assert.Equal(t, "open", esc.Status)

	sess, err := st.GetSession(ctx, "sess-3")
	require.NoError(t, err)
	assert.Equal(t, store.SessionEscalated, sess.Status)

	msgs, err := st.RecentMessages(ctx, "sess-3", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Transferring you to an agent.", msgs[1].Content)
}

func TestHotStateExpires(t *testing.T) {
	m, _, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ArchiveTurn(ctx, finishedTurn("sess-4")))
	mr.FastForward(2 * time.Hour)

	tc, err := m.StartTurn(ctx, "sess-4", "u1", "web")
	require.NoError(t, err)
	assert.Zero(t, tc.AttemptCount, "expired hot state starts the counter over")
}

func TestStartTurnColdWhenRedisDown(t *testing.T) {
	m, _, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ArchiveTurn(ctx, finishedTurn("sess-5")))
	mr.Close()

	tc, err := m.StartTurn(ctx, "sess-5", "u1", "web")
	require.NoError(t, err, "redis outage degrades, it does not fail the turn")
	assert.Len(t, tc.Messages, 2)
	assert.Zero(t, tc.AttemptCount)
}

func TestHistoryLimitOldestFirst(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		s := finishedTurn("sess-6")
		s.Question = string(rune('a' + i))
		s.Answer = ""
		require.NoError(t, m.ArchiveTurn(ctx, s))
	}
	_ = st

	tc, err := m.StartTurn(ctx, "sess-6", "u1", "web")
	require.NoError(t, err)
	require.Len(t, tc.Messages, 10, "history is capped at the configured limit")
	assert.True(t, tc.Messages[0].Timestamp.Before(tc.Messages[9].Timestamp))
	assert.Equal(t, "o", tc.Messages[9].Content, "cap keeps the newest messages")
}

func TestPriorSessionsLazyHandle(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ArchiveTurn(ctx, finishedTurn("old-sess")))
	require.NoError(t, m.ArchiveTurn(ctx, finishedTurn("new-sess")))

	tc, err := m.StartTurn(ctx, "new-sess", "u1", "web")
	require.NoError(t, err)
	prior, err := tc.PriorSessions(ctx)
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.Equal(t, "old-sess", prior[0].SessionID)
}

func TestResolveIdentityStable(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.ResolveIdentity(ctx, "telegram", "12345", "proposed-1")
	require.NoError(t, err)
	second, err := m.ResolveIdentity(ctx, "telegram", "12345", "proposed-2")
	require.NoError(t, err)
	assert.Equal(t, first, second, "existing identity wins over the proposed id")
}

func TestStarterStageAppendsHistory(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.ArchiveTurn(ctx, finishedTurn("sess-7")))

	st := StarterStage{Manager: m}
	s := runstate.New("next", "u1", "sess-7", "web")
	u, err := st.Execute(ctx, s)
	require.NoError(t, err)
	assert.Len(t, u.AppendHistory, 2)
	assert.Equal(t, 1, *u.AttemptCount)
}
