package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Sessions
// ============================================================

func sessionKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// UpsertSession creates or updates the session of a user and client
func (s *Store) UpsertSession(ctx context.Context, grant storage.SessionGrant) (_ *storage.Session, err error) {
	_, done := s.observe(ctx, "upsert_session")
	defer func() { done(err) }()

	if grant.UserID == "" || grant.ClientID == "" {
		return nil, fmt.Errorf("session requires user and client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(grant.UserID, grant.ClientID)
	if id, ok := s.sessionIndex[key]; ok {
		sess := s.sessions[id]
		if sess.Live() {
			sess.Scopes = storage.MergeScopes(sess.Scopes, grant.Scopes)
		} else {
			sess.Scopes = storage.MergeScopes(nil, grant.Scopes)
			sess.CreatedAt = grant.At
			sess.TerminatedAt = time.Time{}
		}
		sess.Admin = grant.Admin
		sess.LastUsedAt = grant.At
		if grant.IPAddress != "" {
			sess.IPAddress = grant.IPAddress
		}
		if grant.UserAgent != "" {
			sess.UserAgent = grant.UserAgent
		}
		return cloneSession(sess), nil
	}

	sess := &storage.Session{
		ID:         uuid.NewString(),
		UserID:     grant.UserID,
		ClientID:   grant.ClientID,
		Scopes:     storage.MergeScopes(nil, grant.Scopes),
		Admin:      grant.Admin,
		IPAddress:  grant.IPAddress,
		UserAgent:  grant.UserAgent,
		CreatedAt:  grant.At,
		LastUsedAt: grant.At,
	}
	s.sessions[sess.ID] = sess
	s.sessionIndex[key] = sess.ID
	s.sessionsCount.Add(1)
	return cloneSession(sess), nil
}

// GetSession returns the session for a user and client
func (s *Store) GetSession(ctx context.Context, userID, clientID string) (_ *storage.Session, err error) {
	_, done := s.observe(ctx, "get_session")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessionIndex[sessionKey(userID, clientID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSession(s.sessions[id]), nil
}

// ListSessions returns sessions matching the filter ordered by user and client
func (s *Store) ListSessions(ctx context.Context, filter storage.SessionFilter) (_ []*storage.Session, err error) {
	_, done := s.observe(ctx, "list_sessions")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Session
	for _, sess := range s.sessions {
		if filter.Match(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out, nil
}

// TerminateSessions marks live sessions terminated
func (s *Store) TerminateSessions(ctx context.Context, sessionIDs []string, at time.Time) (_ int, err error) {
	_, done := s.observe(ctx, "terminate_sessions")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	terminated := 0
	for _, id := range sessionIDs {
		sess, ok := s.sessions[id]
		if ok && sess.Live() {
			sess.TerminatedAt = at
			terminated++
		}
	}
	return terminated, nil
}

// touchLiveSessionLocked records a use of a live session. It changes nothing
// and returns false when the session is unknown, terminated, belongs to
// another user or client, or was re-created after notBefore.
func (s *Store) touchLiveSessionLocked(id, userID, clientID string, notBefore time.Time, ipAddress, userAgent string, at time.Time) bool {
	sess, ok := s.sessions[id]
	if !ok || !sess.Live() || sess.UserID != userID || sess.ClientID != clientID {
		return false
	}
	if notBefore.Before(sess.CreatedAt) {
		return false
	}
	sess.LastUsedAt = at
	if ipAddress != "" {
		sess.IPAddress = ipAddress
	}
	if userAgent != "" {
		sess.UserAgent = userAgent
	}
	return true
}

func cloneSession(sess *storage.Session) *storage.Session {
	cp := *sess
	cp.Scopes = slices.Clone(sess.Scopes)
	return &cp
}

// ============================================================
// User-switch audit
// ============================================================

// SaveUserSwitch appends an audit entry
func (s *Store) SaveUserSwitch(ctx context.Context, entry *storage.UserSwitchAuditEntry) (err error) {
	_, done := s.observe(ctx, "save_user_switch")
	defer func() { done(err) }()

	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.RiskFactors = slices.Clone(entry.RiskFactors)
	s.userSwitches = append(s.userSwitches, &cp)
	return nil
}

// LastUserSwitch returns the newest entry for a client and browser context
func (s *Store) LastUserSwitch(ctx context.Context, clientID, browserContext string) (_ *storage.UserSwitchAuditEntry, err error) {
	_, done := s.observe(ctx, "last_user_switch")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.userSwitches) - 1; i >= 0; i-- {
		e := s.userSwitches[i]
		if e.ClientID == clientID && e.BrowserContext == browserContext {
			cp := *e
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListUserSwitches returns matching entries, newest first
func (s *Store) ListUserSwitches(ctx context.Context, filter storage.UserSwitchFilter) (_ []*storage.UserSwitchAuditEntry, err error) {
	_, done := s.observe(ctx, "list_user_switches")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.UserSwitchAuditEntry
	for i := len(s.userSwitches) - 1; i >= 0; i-- {
		e := s.userSwitches[i]
		if !filter.Match(e) {
			continue
		}
		cp := *e
		cp.RiskFactors = slices.Clone(e.RiskFactors)
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
