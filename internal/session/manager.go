// Package session restores conversation context at the start of a turn and
// archives the turn's outcome at the end. Durable rows live in SQLite; the
// per-session hot state (attempt counter, extracted entities) lives in a
// Redis hash with a TTL.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"answercore/internal/runstate"
	"answercore/internal/store"
)

const hotPrefix = "session:hot:"

// TurnContext is what StartTurn restores for one request.
type TurnContext struct {
	Messages     []runstate.Message
	Profile      *store.UserProfile
	AttemptCount int
	Entities     map[string][]string
	// PriorSessions lazily loads the user's recent other sessions; prompt
	// construction calls it only when it actually wants them.
	PriorSessions func(ctx context.Context) ([]store.Session, error)
}

// Manager joins the row store and the hot session hash.
type Manager struct {
	store        *store.Store
	rdb          redis.UniversalClient
	historyLimit int
	hotTTL       time.Duration
	logger       *zap.Logger
}

// NewManager builds a manager. rdb may be nil, which disables hot state and
// restores every turn with a zero attempt counter.
func NewManager(st *store.Store, rdb redis.UniversalClient, historyLimit int, hotTTL time.Duration, logger *zap.Logger) *Manager {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	if hotTTL <= 0 {
		hotTTL = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, rdb: rdb, historyLimit: historyLimit, hotTTL: hotTTL, logger: logger}
}

// ResolveIdentity maps an external identity to a stable user id, creating
// the mapping on first sight.
func (m *Manager) ResolveIdentity(ctx context.Context, identityType, identityValue, proposedUserID string) (string, error) {
	return m.store.ResolveIdentity(ctx, identityType, identityValue, proposedUserID)
}

// StartTurn loads recent history (oldest first), the profile if one exists,
// and the hot state. dialog_state is deliberately not restored: a terminal
// state from the previous turn must not leak into this one.
func (m *Manager) StartTurn(ctx context.Context, sessionID, userID, channel string) (*TurnContext, error) {
	messages, err := m.store.RecentMessages(ctx, sessionID, m.historyLimit)
	if err != nil {
		return nil, err
	}

	tc := &TurnContext{Messages: messages}
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	tc.Profile = profile

	tc.PriorSessions = func(ctx context.Context) ([]store.Session, error) {
		return m.store.RecentSessions(ctx, userID, sessionID, 5)
	}

	if m.rdb == nil {
		return tc, nil
	}
	hot, err := m.rdb.HGetAll(ctx, hotPrefix+sessionID).Result()
	if err != nil {
		m.logger.Warn("hot session unavailable, starting cold", zap.Error(err))
		return tc, nil
	}
	if len(hot) == 0 {
		m.rdb.HSet(ctx, hotPrefix+sessionID, map[string]any{
			"user_id": userID,
			"channel": channel,
		})
		m.rdb.Expire(ctx, hotPrefix+sessionID, m.hotTTL)
		return tc, nil
	}
	if raw, ok := hot["attempt_count"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			tc.AttemptCount = n
		}
	}
	if raw, ok := hot["extracted_entities"]; ok && raw != "" {
		var entities map[string][]string
		if json.Unmarshal([]byte(raw), &entities) == nil {
			tc.Entities = entities
		}
	}
	return tc, nil
}

// ArchiveTurn persists the turn: both messages, the session row, the hot
// state, and an escalation record when the dialog ended in an escalation.
func (m *Manager) ArchiveTurn(ctx context.Context, s *runstate.RunState) error {
	now := time.Now().UTC()

	userMsg := runstate.Message{
		ID:        newID(),
		Role:      runstate.RoleUser,
		Content:   s.Question,
		Timestamp: now,
	}
	if err := m.store.AppendMessage(ctx, s.SessionID, s.UserID, userMsg); err != nil {
		return err
	}

	reply := s.Answer
	if reply == "" {
		reply = s.EscalationMessage
	}
	if reply != "" {
		assistantMsg := runstate.Message{
			ID:        newID(),
			Role:      runstate.RoleAssistant,
			Content:   reply,
			Timestamp: now.Add(time.Millisecond),
			Metadata: map[string]string{
				"dialog_state": string(s.DialogState),
				"action":       string(s.Action),
			},
		}
		if err := m.store.AppendMessage(ctx, s.SessionID, s.UserID, assistantMsg); err != nil {
			return err
		}
	}

	if err := m.store.UpsertSession(ctx, store.Session{
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Channel:   s.Channel,
		Status:    sessionStatus(s.DialogState),
		Metadata: map[string]string{
			"last_dialog_state": string(s.DialogState),
			"last_category":     s.Category,
		},
	}); err != nil {
		return err
	}

	if s.DialogState.IsEscalation() {
		if err := m.store.UpsertEscalation(ctx, store.Escalation{
			SessionID: s.SessionID,
			Reason:    s.EscalationReason,
			Priority:  escalationPriority(s.EscalationReason),
			Status:    "open",
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}

	if err := m.store.TouchProfile(ctx, s.UserID, ""); err != nil {
		m.logger.Warn("profile touch failed", zap.Error(err))
	}
	m.persistHot(ctx, s)
	return nil
}

func (m *Manager) persistHot(ctx context.Context, s *runstate.RunState) {
	if m.rdb == nil {
		return
	}
	fields := map[string]any{
		"user_id":       s.UserID,
		"channel":       s.Channel,
		"attempt_count": s.AttemptCount,
	}
	if len(s.ExtractedEntities) > 0 {
		if raw, err := json.Marshal(s.ExtractedEntities); err == nil {
			fields["extracted_entities"] = string(raw)
		}
	}
	if err := m.rdb.HSet(ctx, hotPrefix+s.SessionID, fields).Err(); err != nil {
		m.logger.Warn("hot session write failed", zap.Error(err))
		return
	}
	m.rdb.Expire(ctx, hotPrefix+s.SessionID, m.hotTTL)
}

func newID() string { return uuid.NewString() }

func sessionStatus(state runstate.DialogState) string {
	switch {
	case state.IsEscalation():
		return store.SessionEscalated
	case state == runstate.StateResolved:
		return store.SessionResolved
	default:
		return store.SessionActive
	}
}

func escalationPriority(reason string) string {
	if reason == "safety_violation" {
		return "high"
	}
	return "normal"
}
