package main

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
)

const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeGroupLen = 3

	// codeAttempts bounds collision retries during code generation. The
	// space is ~|alphabet|^6, so running out means something is badly
	// wrong, not bad luck.
	codeAttempts = 32
)

// SessionManager owns lobby lifecycle and membership. Game content never
// enters here; that is the coordinator's job.
type SessionManager struct {
	cfg   *Config
	store *SessionStore
	clock clockwork.Clock
}

func NewSessionManager(cfg *Config, store *SessionStore, clock clockwork.Clock) *SessionManager {
	return &SessionManager{
		cfg:   cfg,
		store: store,
		clock: clock,
	}
}

// newJoinCode generates a crypto-random join code as two 3-character
// groups, e.g. "K4F-W9T".
func newJoinCode() string {
	buf := make([]byte, codeGroupLen*2)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, 0, codeGroupLen*2+1)
	for i, b := range buf {
		if i == codeGroupLen {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
	}

	return string(out)
}

// NormalizeCode uppercases a join code as entered by a player and
// restores the XXX-XXX grouping. Returns ErrInvalid for anything that is
// not six alphanumerics with an optional separator.
func NormalizeCode(raw string) (string, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")

	if len(cleaned) != codeGroupLen*2 {
		return "", fmt.Errorf("join code must be 6 characters: %w", ErrInvalid)
	}
	for _, r := range cleaned {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("join code contains invalid character %q: %w", r, ErrInvalid)
		}
	}

	return cleaned[:codeGroupLen] + "-" + cleaned[codeGroupLen:], nil
}

func newPlayer(caller Identity) Player {
	return Player{
		UID:         caller.UID,
		DisplayName: caller.DisplayName,
		AvatarRef:   caller.AvatarRef,
		Score:       0,
		Guesses:     []*float64{},
	}
}

// Create opens a new lobby in Waiting with the caller as sole member and
// host. Code generation retries on collision before giving up.
func (m *SessionManager) Create(caller Identity) (Snapshot, error) {
	if caller.UID == "" {
		return Snapshot{}, fmt.Errorf("caller uid is required: %w", ErrInvalid)
	}

	now := m.clock.Now()

	for i := 0; i < codeAttempts; i++ {
		session := Session{
			Code:       newJoinCode(),
			HostUID:    caller.UID,
			Members:    []Player{newPlayer(caller)},
			Status:     StatusWaiting,
			Locations:  []Location{},
			MaxMembers: m.cfg.maxMembers,
			CreatedAt:  now,
			LastActive: now,
		}

		if err := m.store.Put(session); err != nil {
			continue
		}

		logf(m.cfg, "LOBBY: %s created session %s", caller.UID, session.Code)

		return m.store.Get(session.Code)
	}

	return Snapshot{}, fmt.Errorf("could not find a free join code after %d attempts: %w", codeAttempts, ErrConflict)
}

// Join adds the caller to a Waiting lobby. Joining a lobby the caller is
// already in is a no-op that returns the session unchanged.
func (m *SessionManager) Join(caller Identity, rawCode string) (Snapshot, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return Snapshot{}, err
	}

	err = updateWithRetry(m.store, code, func(s *Session) error {
		if s.member(caller.UID) != nil {
			return nil
		}
		if s.Status != StatusWaiting {
			return fmt.Errorf("session %s has already started: %w", code, ErrConflict)
		}
		if len(s.Members) >= s.MaxMembers {
			return fmt.Errorf("session %s is full: %w", code, ErrConflict)
		}

		s.Members = append(s.Members, newPlayer(caller))
		s.LastActive = m.clock.Now()

		logf(m.cfg, "LOBBY: %s joined session %s (%d/%d members)", caller.UID, code, len(s.Members), s.MaxMembers)

		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	return m.store.Get(code)
}

// Leave removes the caller from a lobby. The host role moves to an
// arbitrary remaining member when the host leaves; the last member out
// deletes the session entirely. Safe to call from a client that is about
// to disconnect: repeat calls find the member already gone and no-op.
func (m *SessionManager) Leave(caller Identity, rawCode string) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}

	deleteSession := false

	err = updateWithRetry(m.store, code, func(s *Session) error {
		// The retry re-runs this fn on fresh state; start from scratch.
		deleteSession = false

		if s.member(caller.UID) == nil {
			return nil
		}

		if len(s.Members) == 1 {
			deleteSession = true
			return nil
		}

		members := s.Members[:0]
		for _, member := range s.Members {
			if member.UID != caller.UID {
				members = append(members, member)
			}
		}
		s.Members = members

		if s.HostUID == caller.UID {
			s.HostUID = s.Members[0].UID
			logf(m.cfg, "LOBBY: host of %s left, promoted %s", code, s.HostUID)
		}

		s.LastActive = m.clock.Now()

		logf(m.cfg, "LOBBY: %s left session %s (%d members remain)", caller.UID, code, len(s.Members))

		return nil
	})
	if err != nil {
		return err
	}

	if deleteSession {
		logf(m.cfg, "LOBBY: last member left session %s, deleting", code)
		return m.store.Delete(code)
	}

	return nil
}

// Start transitions a Waiting lobby to Playing. Host only, and the
// minimum member policy is configurable rather than fixed.
func (m *SessionManager) Start(caller Identity, rawCode string) (Snapshot, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return Snapshot{}, err
	}

	err = updateWithRetry(m.store, code, func(s *Session) error {
		if s.HostUID != caller.UID {
			return fmt.Errorf("only the host may start session %s: %w", code, ErrForbidden)
		}
		if s.Status != StatusWaiting {
			return fmt.Errorf("session %s is not waiting: %w", code, ErrConflict)
		}
		if len(s.Members) < m.cfg.minMembers {
			return fmt.Errorf("session %s needs at least %d members: %w", code, m.cfg.minMembers, ErrConflict)
		}

		s.Status = StatusPlaying
		s.LastActive = m.clock.Now()

		logf(m.cfg, "LOBBY: session %s started with %d members", code, len(s.Members))

		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	return m.store.Get(code)
}

// Reap deletes sessions idle longer than the configured timeout and
// returns how many were removed.
func (m *SessionManager) Reap() int {
	cutoff := m.clock.Now().Add(-m.cfg.sessionTimeout)
	reaped := 0

	for code, lastActive := range m.store.Codes() {
		if lastActive.Before(cutoff) {
			if err := m.store.Delete(code); err == nil {
				logf(m.cfg, "LOBBY: reaped idle session %s", code)
				reaped++
			}
		}
	}

	return reaped
}

// reaperLoop periodically removes idle sessions until done closes. Runs
// on the injected clock so tests can drive it.
func (m *SessionManager) reaperLoop(done <-chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			m.Reap()
		}
	}
}
