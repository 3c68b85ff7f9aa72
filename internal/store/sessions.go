package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"answercore/internal/runstate"
)

// Session is one conversation lifecycle row.
type Session struct {
	SessionID string
	UserID    string
	Channel   string
	StartTime time.Time
	EndTime   *time.Time
	Status    string
	Metadata  map[string]string
}

// Session lifecycle statuses.
const (
	SessionActive    = "active"
	SessionResolved  = "resolved"
	SessionEscalated = "escalated"
)

// UserProfile is the durable per-user record.
type UserProfile struct {
	UserID         string
	Name           string
	LongTermMemory map[string]string
	LastSeen       time.Time
}

// Escalation is the handoff record written when a turn ends in an
// ESCALATION_* state.
type Escalation struct {
	SessionID string
	Reason    string
	Priority  string
	Status    string
	CreatedAt time.Time
}

// UpsertSession creates the session row or refreshes its mutable columns.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, err := json.Marshal(orEmpty(sess.Metadata))
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	if sess.StartTime.IsZero() {
		sess.StartTime = time.Now()
	}
	var end any
	if sess.EndTime != nil {
		end = sess.EndTime.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, channel, start_time, end_time, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id  = excluded.user_id,
			channel  = excluded.channel,
			end_time = excluded.end_time,
			status   = excluded.status,
			metadata = excluded.metadata`,
		sess.SessionID, sess.UserID, sess.Channel, sess.StartTime.UnixNano(), end, sess.Status, string(md))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionID, err)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sess    Session
		start   int64
		end     sql.NullInt64
		mdJSON  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, channel, start_time, end_time, status, metadata
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.UserID, &sess.Channel, &start, &end, &sess.Status, &mdJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	sess.StartTime = time.Unix(0, start)
	if end.Valid {
		t := time.Unix(0, end.Int64)
		sess.EndTime = &t
	}
	_ = json.Unmarshal([]byte(mdJSON), &sess.Metadata)
	return &sess, nil
}

// AppendMessage writes one turn message. Timestamps are stored at nanosecond
// resolution so within-session ordering never collides.
func (s *Store) AppendMessage(ctx context.Context, sessionID, userID string, m runstate.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	md, err := json.Marshal(orEmpty(m.Metadata))
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, user_id, role, content, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, userID, m.Role, m.Content, m.Timestamp.UnixNano(), string(md))
	if err != nil {
		return fmt.Errorf("append message to %s: %w", sessionID, err)
	}
	return nil
}

// RecentMessages returns the newest limit messages of a session in
// chronological oldest-first order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]runstate.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at, metadata
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []runstate.Message
	for rows.Next() {
		var (
			m       runstate.Message
			id      int64
			created int64
			mdJSON  string
		)
		if err := rows.Scan(&id, &m.Role, &m.Content, &created, &mdJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = fmt.Sprintf("%d", id)
		m.Timestamp = time.Unix(0, created)
		_ = json.Unmarshal([]byte(mdJSON), &m.Metadata)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse the DESC page into oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentSessions lists a user's newest sessions excluding the given one, for
// prompt construction.
func (s *Store) RecentSessions(ctx context.Context, userID, excludeSessionID string, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, channel, start_time, status
		FROM sessions
		WHERE user_id = ? AND session_id <> ?
		ORDER BY start_time DESC
		LIMIT ?`, userID, excludeSessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess  Session
			start int64
		)
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.Channel, &start, &sess.Status); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartTime = time.Unix(0, start)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetProfile loads a user profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p        UserProfile
		memJSON  string
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, long_term_memory, last_seen
		FROM user_profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Name, &memJSON, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	_ = json.Unmarshal([]byte(memJSON), &p.LongTermMemory)
	p.LastSeen = time.Unix(0, lastSeen)
	return &p, nil
}

// TouchProfile creates the profile on first sight and bumps last_seen.
func (s *Store) TouchProfile(ctx context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, name, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			name      = CASE WHEN excluded.name <> '' THEN excluded.name ELSE user_profiles.name END`,
		userID, name, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("touch profile %s: %w", userID, err)
	}
	return nil
}

// ResolveIdentity maps (identity_type, identity_value) to a user id,
// creating the identity row bound to newUserID when unseen. The returned id
// is the canonical one regardless of which caller raced the insert first.
func (s *Store) ResolveIdentity(ctx context.Context, identityType, identityValue, newUserID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM user_identities
		WHERE identity_type = ? AND identity_value = ?`, identityType, identityValue).
		Scan(&userID)
	switch {
	case err == nil:
		_, _ = s.db.ExecContext(ctx, `
			UPDATE user_identities SET last_seen = ?
			WHERE identity_type = ? AND identity_value = ?`,
			time.Now().UnixNano(), identityType, identityValue)
		return userID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("resolve identity: %w", err)
	}

	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_identities (identity_type, identity_value, user_id, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)`,
		identityType, identityValue, newUserID, now, now)
	if err != nil {
		return "", fmt.Errorf("create identity: %w", err)
	}
	return newUserID, nil
}

// UpsertEscalation records a handoff for the session. Re-escalating an open
// session refreshes the reason without duplicating the row.
func (s *Store) UpsertEscalation(ctx context.Context, e Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Priority == "" {
		e.Priority = "normal"
	}
	if e.Status == "" {
		e.Status = "open"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (session_id, reason, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			reason   = excluded.reason,
			priority = excluded.priority,
			status   = excluded.status`,
		e.SessionID, e.Reason, e.Priority, e.Status, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert escalation for %s: %w", e.SessionID, err)
	}
	return nil
}

// GetEscalation loads the escalation row for a session.
func (s *Store) GetEscalation(ctx context.Context, sessionID string) (*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e       Escalation
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, reason, priority, status, created_at
		FROM escalations WHERE session_id = ?`, sessionID).
		Scan(&e.SessionID, &e.Reason, &e.Priority, &e.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load escalation %s: %w", sessionID, err)
	}
	e.CreatedAt = time.Unix(0, created)
	return &e, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
