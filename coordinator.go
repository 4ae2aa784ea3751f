package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
)

// Phase is a member's locally derived view of a shared session. It is
// computed from session fields rather than stored, so members can never
// disagree with the document about where the game stands.
type Phase string

const (
	// PhaseModeWait: waiting for the host to pick a mode and start.
	PhaseModeWait Phase = "mode_wait"
	// PhaseLoadingTargets: mode chosen or game started, but no target is
	// playable yet (host still resolving the set, or round 1 not begun).
	PhaseLoadingTargets Phase = "loading_targets"
	// PhasePlaying: a target exists for the current round and this member
	// has not guessed yet.
	PhasePlaying Phase = "playing"
	// PhaseResults: this member has guessed the current round.
	PhaseResults Phase = "results"
)

// nearMeModeID is the pseudo-mode id recorded when the target set came
// from a nearby place search rather than the catalog.
const nearMeModeID = "NEARME"

// DerivePhase computes a member's phase from a session snapshot.
func DerivePhase(s Session, uid string) Phase {
	if s.Status != StatusPlaying || s.ChosenModeID == "" {
		return PhaseModeWait
	}
	if len(s.Locations) == 0 || s.CurrentRound < 1 {
		return PhaseLoadingTargets
	}

	member := s.member(uid)
	if member == nil {
		return PhaseModeWait
	}

	if hasGuess(member, s.CurrentRound) {
		return PhaseResults
	}

	return PhasePlaying
}

func hasGuess(p *Player, round int) bool {
	index := round - 1
	return index >= 0 && index < len(p.Guesses) && p.Guesses[index] != nil
}

// CurrentTarget returns the location for the session's current round.
func CurrentTarget(s Session) (Location, bool) {
	index := s.CurrentRound - 1
	if index < 0 || index >= len(s.Locations) {
		return Location{}, false
	}
	return s.Locations[index], true
}

// TotalRounds is fixed by the target set length at mode-choice time.
func TotalRounds(s Session) int {
	return len(s.Locations)
}

// LastRoundDone reports whether a member has played out the final round,
// at which point their continue action ends the game.
func LastRoundDone(s Session, uid string) bool {
	return TotalRounds(s) > 0 &&
		s.CurrentRound >= TotalRounds(s) &&
		DerivePhase(s, uid) == PhaseResults
}

// Coordinator keeps all members of a session in lockstep. The host is
// the only writer of round and target fields; every member, host
// included, writes only their own guesses and score.
type Coordinator struct {
	cfg      *Config
	store    *SessionStore
	catalog  *Catalog
	resolver PlaceResolver
	clock    clockwork.Clock
}

func NewCoordinator(cfg *Config, store *SessionStore, catalog *Catalog, resolver PlaceResolver, clock clockwork.Clock) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		catalog:  catalog,
		resolver: resolver,
		clock:    clock,
	}
}

// resolveMode turns a Mode into the id recorded on the session plus the
// ordered target set. Handling is exhaustive over the mode variants.
func (c *Coordinator) resolveMode(ctx context.Context, mode Mode) (string, []Location, error) {
	switch m := mode.(type) {
	case BuiltInMode:
		locations, err := c.catalog.LocationsFor(ctx, m.ID)
		return m.ID, locations, err

	case CustomMode:
		locations, err := c.catalog.LocationsFor(ctx, m.ID)
		return m.ID, locations, err

	case NearMeMode:
		if c.resolver == nil {
			return "", nil, fmt.Errorf("nearby place search is not configured: %w", ErrUnavailable)
		}
		locations, err := c.resolver.ResolvePlaces(ctx, m.Center, m.RadiusMeters, m.Categories)
		if err != nil {
			return "", nil, err
		}
		if m.Rounds > 0 && m.Rounds < len(locations) {
			locations = locations[:m.Rounds]
		}
		return nearMeModeID, locations, nil

	default:
		return "", nil, fmt.Errorf("unknown mode %T: %w", mode, ErrInvalid)
	}
}

// ChooseMode resolves the target set for a session and fixes it. The
// mode id and location list land in one atomic update, so no member can
// ever observe a chosen mode without its targets. Once fixed, the set is
// immutable for the life of the session.
func (c *Coordinator) ChooseMode(ctx context.Context, caller Identity, rawCode string, mode Mode) (Snapshot, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return Snapshot{}, err
	}

	modeID, locations, err := c.resolveMode(ctx, mode)
	if err != nil {
		return Snapshot{}, err
	}
	if len(locations) == 0 {
		return Snapshot{}, fmt.Errorf("mode %s has no locations: %w", modeID, ErrUnavailable)
	}

	err = updateWithRetry(c.store, code, func(s *Session) error {
		if s.HostUID != caller.UID {
			return fmt.Errorf("only the host may choose the mode: %w", ErrForbidden)
		}
		if s.Status != StatusPlaying {
			return fmt.Errorf("session %s is not playing: %w", code, ErrConflict)
		}
		if len(s.Locations) != 0 {
			return fmt.Errorf("session %s already has a fixed target set: %w", code, ErrConflict)
		}

		s.ChosenModeID = modeID
		s.Locations = append([]Location(nil), locations...)
		s.LastActive = c.clock.Now()

		logf(c.cfg, "ROUNDS: session %s fixed mode %s with %d targets", code, modeID, len(locations))

		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	return c.store.Get(code)
}

// AdvanceRound increments the session round by exactly one. Only the
// host may advance, and a compare-and-set loser whose intended increment
// already landed (a host-handoff race) discards instead of incrementing
// twice.
func (c *Coordinator) AdvanceRound(caller Identity, rawCode string) (Snapshot, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return Snapshot{}, err
	}

	before, err := c.store.Get(code)
	if err != nil {
		return Snapshot{}, err
	}
	intended := before.Session.CurrentRound + 1

	err = updateWithRetry(c.store, code, func(s *Session) error {
		if s.HostUID != caller.UID {
			return fmt.Errorf("only the host may advance the round: %w", ErrForbidden)
		}
		if s.Status != StatusPlaying {
			return fmt.Errorf("session %s is not playing: %w", code, ErrConflict)
		}
		if len(s.Locations) == 0 {
			return fmt.Errorf("session %s has no target set: %w", code, ErrConflict)
		}
		if s.CurrentRound >= len(s.Locations) {
			return fmt.Errorf("session %s has no rounds left: %w", code, ErrConflict)
		}
		if s.CurrentRound+1 != intended {
			// Someone else already advanced past our read; discard.
			return fmt.Errorf("round already advanced to %d: %w", s.CurrentRound, ErrConflict)
		}

		s.CurrentRound++
		s.LastActive = c.clock.Now()

		logf(c.cfg, "ROUNDS: session %s advanced to round %d/%d", code, s.CurrentRound, len(s.Locations))

		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	return c.store.Get(code)
}

// SubmitGuess records one member's angle for a round and scores it
// against that member's own position. Idempotent per (uid, round): a
// duplicate submission is rejected and never double-counts.
func (c *Coordinator) SubmitGuess(caller Identity, rawCode string, round int, angle float64, position Coordinate) (RoundResult, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return RoundResult{}, err
	}
	if !validAngle(angle) {
		return RoundResult{}, fmt.Errorf("guess angle %v is outside [0,360): %w", angle, ErrInvalid)
	}

	var result RoundResult

	err = updateWithRetry(c.store, code, func(s *Session) error {
		member := s.member(caller.UID)
		if member == nil {
			return fmt.Errorf("%s is not a member of session %s: %w", caller.UID, code, ErrForbidden)
		}
		if s.Status != StatusPlaying {
			return fmt.Errorf("session %s is not playing: %w", code, ErrConflict)
		}
		if round != s.CurrentRound {
			return fmt.Errorf("guess for round %d but session is on round %d: %w", round, s.CurrentRound, ErrConflict)
		}
		if hasGuess(member, round) {
			return fmt.Errorf("round %d already answered: %w", round, ErrConflict)
		}

		target, ok := CurrentTarget(*s)
		if !ok {
			return fmt.Errorf("session %s has no current target: %w", code, ErrConflict)
		}

		result = scoreGuess(position, target, angle)

		for len(member.Guesses) < round {
			member.Guesses = append(member.Guesses, nil)
		}
		recorded := result.GuessBearing
		member.Guesses[round-1] = &recorded
		member.Score += result.Points

		s.LastActive = c.clock.Now()

		logf(c.cfg, "ROUNDS: %s scored %d in round %d of %s (error %.1f°)",
			caller.UID, result.Points, round, code, result.AngularError)

		return nil
	})
	if err != nil {
		return RoundResult{}, err
	}

	return result, nil
}

// EndSession finishes a session and deletes its document, freeing the
// join code. Watchers observe the deletion and force-reset to idle.
func (c *Coordinator) EndSession(caller Identity, rawCode string) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}

	err = updateWithRetry(c.store, code, func(s *Session) error {
		if s.HostUID != caller.UID {
			return fmt.Errorf("only the host may end session %s: %w", code, ErrForbidden)
		}

		s.Status = StatusFinished

		return nil
	})
	if err != nil {
		return err
	}

	logf(c.cfg, "ROUNDS: session %s ended by host", code)

	return c.store.Delete(code)
}
