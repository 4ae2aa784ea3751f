package main

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// errStaleRev marks a compare-and-set failure: the document changed
// between read and write. Callers retry once, then surface ErrConflict.
var errStaleRev = fmt.Errorf("stale revision: %w", ErrConflict)

type SessionStatus string

const (
	StatusWaiting  SessionStatus = "waiting"
	StatusPlaying  SessionStatus = "playing"
	StatusFinished SessionStatus = "finished"
)

// Identity is the narrow caller contract handed in by whatever
// authentication fronts the server.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// Player is one session member's record. Guesses[i] holds the angle
// submitted for round i+1, nil until that round is answered; an entry is
// written exactly once.
type Player struct {
	UID         string     `json:"uid"`
	DisplayName string     `json:"display_name"`
	AvatarRef   string     `json:"avatar_ref,omitempty"`
	Score       int        `json:"score"`
	Guesses     []*float64 `json:"guesses"`
}

// Session is the shared lobby document. Round and target fields are
// written only through host operations; membership and guess fields only
// by the member they belong to. No field has two writer roles.
type Session struct {
	Code         string        `json:"code"`
	HostUID      string        `json:"host_uid"`
	Members      []Player      `json:"members"`
	Status       SessionStatus `json:"status"`
	ChosenModeID string        `json:"chosen_mode_id,omitempty"`
	CurrentRound int           `json:"current_round"`
	Locations    []Location    `json:"locations"`
	MaxMembers   int           `json:"max_members"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActive   time.Time     `json:"last_active"`
}

func (s *Session) member(uid string) *Player {
	for i := range s.Members {
		if s.Members[i].UID == uid {
			return &s.Members[i]
		}
	}
	return nil
}

func cloneSession(s Session) Session {
	out := s

	out.Members = make([]Player, len(s.Members))
	for i, m := range s.Members {
		out.Members[i] = m
		if m.Guesses != nil {
			out.Members[i].Guesses = make([]*float64, len(m.Guesses))
			for j, g := range m.Guesses {
				if g != nil {
					angle := *g
					out.Members[i].Guesses[j] = &angle
				}
			}
		}
	}

	if s.Locations != nil {
		out.Locations = append([]Location(nil), s.Locations...)
	}

	return out
}

// Snapshot is one committed state of a session document as delivered to
// watchers. Deleted marks the final notification before the watch channel
// closes.
type Snapshot struct {
	Session Session
	Rev     int64
	Deleted bool
}

type sessionDoc struct {
	session  Session
	rev      int64
	watchers map[chan Snapshot]struct{}
}

// SessionStore is the shared mutable document collection keyed by join
// code. It linearizes writes per document through compare-and-set
// updates and pushes every committed change to all watchers in commit
// order.
type SessionStore struct {
	mu   sync.Mutex
	docs map[string]*sessionDoc
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		docs: make(map[string]*sessionDoc),
	}
}

// Put creates a new document; the code must be unused.
func (st *SessionStore) Put(s Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.docs[s.Code]; exists {
		return fmt.Errorf("session %s already exists: %w", s.Code, ErrConflict)
	}

	st.docs[s.Code] = &sessionDoc{
		session:  cloneSession(s),
		rev:      1,
		watchers: make(map[chan Snapshot]struct{}),
	}

	return nil
}

func (st *SessionStore) Get(code string) (Snapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	doc, ok := st.docs[code]
	if !ok {
		return Snapshot{}, fmt.Errorf("session %s: %w", code, ErrNotFound)
	}

	return Snapshot{Session: cloneSession(doc.session), Rev: doc.rev}, nil
}

// Update applies fn to a copy of the document and commits the result only
// if no other write landed in between; otherwise it returns ErrConflict
// and the caller decides whether to retry. fn runs outside the store
// lock, so it must not touch the store.
func (st *SessionStore) Update(code string, fn func(*Session) error) error {
	st.mu.Lock()
	doc, ok := st.docs[code]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("session %s: %w", code, ErrNotFound)
	}
	working := cloneSession(doc.session)
	readRev := doc.rev
	st.mu.Unlock()

	if err := fn(&working); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	doc, ok = st.docs[code]
	if !ok {
		return fmt.Errorf("session %s: %w", code, ErrNotFound)
	}
	if doc.rev != readRev {
		return fmt.Errorf("session %s: %w", code, errStaleRev)
	}

	doc.session = working
	doc.rev++

	committed := Snapshot{Session: cloneSession(doc.session), Rev: doc.rev}
	for ch := range doc.watchers {
		select {
		case ch <- committed:
		default:
			// Backlogged watcher: evict its oldest pending state so the
			// newest commit still lands. Intermediate states may coalesce
			// away, but the latest one is never lost.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- committed:
			default:
			}
		}
	}

	return nil
}

// updateWithRetry applies a session update, retrying exactly once when
// the commit loses a compare-and-set race. A second loss surfaces
// ErrConflict; fn must therefore be safe to run twice.
func updateWithRetry(st *SessionStore, code string, fn func(*Session) error) error {
	err := st.Update(code, fn)
	if errors.Is(err, errStaleRev) {
		err = st.Update(code, fn)
	}
	return err
}

// Delete removes the document. Every watcher receives a final deleted
// snapshot before its channel closes; members treat that as a forced
// reset regardless of local state.
func (st *SessionStore) Delete(code string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	doc, ok := st.docs[code]
	if !ok {
		return fmt.Errorf("session %s: %w", code, ErrNotFound)
	}

	delete(st.docs, code)

	final := Snapshot{Session: cloneSession(doc.session), Rev: doc.rev, Deleted: true}
	for ch := range doc.watchers {
		// Blocking send would stall the store on a dead watcher; spin the
		// delivery off instead so deletion always arrives.
		go func(ch chan Snapshot) {
			ch <- final
			close(ch)
		}(ch)
	}
	doc.watchers = nil

	return nil
}

// Watch subscribes to a session document. The returned channel first
// receives the current state, then every committed change, and finally a
// deleted snapshot when the session ends. cancel releases the watch.
func (st *SessionStore) Watch(code string) (<-chan Snapshot, func(), error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	doc, ok := st.docs[code]
	if !ok {
		return nil, nil, fmt.Errorf("session %s: %w", code, ErrNotFound)
	}

	ch := make(chan Snapshot, 16)
	doc.watchers[ch] = struct{}{}
	ch <- Snapshot{Session: cloneSession(doc.session), Rev: doc.rev}

	cancel := func() {
		st.mu.Lock()
		defer st.mu.Unlock()

		if doc, ok := st.docs[code]; ok {
			if _, watching := doc.watchers[ch]; watching {
				delete(doc.watchers, ch)
				close(ch)
			}
		}
	}

	return ch, cancel, nil
}

// Codes lists the codes of all live sessions together with their last
// activity, for the idle reaper.
func (st *SessionStore) Codes() map[string]time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make(map[string]time.Time, len(st.docs))
	for code, doc := range st.docs {
		out[code] = doc.session.LastActive
	}

	return out
}
