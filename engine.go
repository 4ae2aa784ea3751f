package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type EngineState string

const (
	StateIdle            EngineState = "idle"
	StateModeSelect      EngineState = "mode_select"
	StatePermission      EngineState = "permission"
	StateLoadingPosition EngineState = "loading_position"
	StatePlaying         EngineState = "playing"
	StateResults         EngineState = "results"
)

// HeadingProvider reports the device's current compass heading in
// degrees clockwise from north, already normalized by the sensor layer.
type HeadingProvider interface {
	Heading() float64
}

// PositionSource produces a device position fix. Absence of a fix is a
// hard failure; nothing downstream computes a bearing without one.
type PositionSource interface {
	Position(ctx context.Context) (Coordinate, error)
}

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionPrompt  PermissionState = "prompt"
	PermissionDenied  PermissionState = "denied"
)

// PermissionGate is the device-orientation permission flow, modeled as
// an explicit capability rather than ambient state.
type PermissionGate interface {
	State() PermissionState
	Request(ctx context.Context) (PermissionState, error)
}

// Engine is the single-player round state machine: pick a set, fix a
// position, guess one bearing per round against a countdown, tally the
// score. Sensor access is acquired when a game starts and has no effect
// once the engine returns to idle.
type Engine struct {
	cfg      *Config
	clock    clockwork.Clock
	heading  HeadingProvider
	position PositionSource
	perm     PermissionGate

	mu           sync.Mutex
	onAutoSubmit func(RoundResult)

	state       EngineState
	set         []Location
	totalRounds int
	round       int
	score       int
	target      Location
	pos         Coordinate
	guessed     bool
	lastResult  RoundResult
	deadline    time.Time
	timer       clockwork.Timer
	timerGen    int
}

func NewEngine(cfg *Config, clock clockwork.Clock, heading HeadingProvider, position PositionSource, perm PermissionGate) *Engine {
	return &Engine{
		cfg:      cfg,
		clock:    clock,
		heading:  heading,
		position: position,
		perm:     perm,
		state:    StateIdle,
	}
}

// OnAutoSubmit registers a callback invoked after a timer expiry scores
// the round, so a transport can push the outcome instead of waiting for
// the client's next request. Runs outside the engine lock.
func (e *Engine) OnAutoSubmit(fn func(RoundResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAutoSubmit = fn
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Score() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score
}

func (e *Engine) Round() (current, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round, e.totalRounds
}

func (e *Engine) Target() Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

func (e *Engine) LastResult() RoundResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// TimeLeft reports the remaining countdown for the current round.
func (e *Engine) TimeLeft() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePlaying {
		return 0
	}
	left := e.deadline.Sub(e.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Begin moves an idle engine to mode selection.
func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return fmt.Errorf("cannot begin from state %s: %w", e.state, ErrConflict)
	}

	e.state = StateModeSelect

	return nil
}

// ChooseSet fixes the target set for this playthrough. Round n plays
// set[n-1], so a set at least as long as the round count never repeats a
// target. rounds <= 0 plays the whole set.
func (e *Engine) ChooseSet(ctx context.Context, set []Location, rounds int) error {
	e.mu.Lock()

	if e.state != StateModeSelect {
		e.mu.Unlock()
		return fmt.Errorf("cannot choose a set from state %s: %w", e.state, ErrConflict)
	}
	if len(set) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("target set is empty: %w", ErrInvalid)
	}

	if rounds <= 0 || rounds > len(set) {
		rounds = len(set)
	}

	e.set = append([]Location(nil), set...)
	e.totalRounds = rounds
	e.round = 0
	e.score = 0

	switch e.perm.State() {
	case PermissionGranted:
		e.mu.Unlock()
		return e.startRound(ctx)
	case PermissionPrompt:
		e.state = StatePermission
		e.mu.Unlock()
		return nil
	default:
		e.resetLocked()
		e.mu.Unlock()
		return fmt.Errorf("device orientation permission denied: %w", ErrUnavailable)
	}
}

// GrantPermission runs the orientation permission prompt. Denial resets
// to idle; the game never starts blind.
func (e *Engine) GrantPermission(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePermission {
		e.mu.Unlock()
		return fmt.Errorf("no permission prompt pending in state %s: %w", e.state, ErrConflict)
	}
	e.mu.Unlock()

	state, err := e.perm.Request(ctx)
	if err != nil || state != PermissionGranted {
		e.mu.Lock()
		e.resetLocked()
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("permission request failed: %w", ErrUnavailable)
		}
		return fmt.Errorf("device orientation permission denied: %w", ErrUnavailable)
	}

	return e.startRound(ctx)
}

// startRound fetches a fresh position fix, then enters Playing with the
// next indexed target and arms the countdown. A failed fix surfaces the
// error and resets to idle rather than retrying silently.
func (e *Engine) startRound(ctx context.Context) error {
	e.mu.Lock()
	e.state = StateLoadingPosition
	gen := e.timerGen
	e.mu.Unlock()

	pos, err := e.position.Position(ctx)

	e.mu.Lock()

	if e.state != StateLoadingPosition || e.timerGen != gen {
		e.mu.Unlock()
		return fmt.Errorf("round setup interrupted: %w", ErrConflict)
	}

	if err != nil {
		e.resetLocked()
		e.mu.Unlock()
		return fmt.Errorf("could not get a position fix: %w", ErrUnavailable)
	}

	e.pos = pos
	e.round++
	e.target = e.set[e.round-1]
	e.guessed = false
	e.state = StatePlaying
	e.deadline = e.clock.Now().Add(e.cfg.roundTimer)

	e.timerGen++
	timerGen := e.timerGen
	e.timer = e.clock.AfterFunc(e.cfg.roundTimer, func() {
		e.autoSubmit(timerGen)
	})

	logf(e.cfg, "SOLO: round %d/%d started, target %q", e.round, e.totalRounds, e.target.Name)

	e.mu.Unlock()

	return nil
}

// autoSubmit fires when the countdown expires: the player's current
// heading becomes their guess, so every round terminates in bounded
// time. An explicit guess that committed first wins the race and this
// becomes a no-op.
func (e *Engine) autoSubmit(gen int) {
	e.mu.Lock()

	if e.state != StatePlaying || e.guessed || e.timerGen != gen {
		e.mu.Unlock()
		return
	}

	// Sensor layers promise a normalized heading, but this one comes in
	// unvalidated; clamp it onto the compass before it becomes a score.
	heading := normalizeDegrees(e.heading.Heading())
	e.submitLocked(heading)
	result := e.lastResult
	notify := e.onAutoSubmit

	logf(e.cfg, "SOLO: round %d timed out, auto-submitted heading %.1f°", e.round, heading)

	e.mu.Unlock()

	if notify != nil {
		notify(result)
	}
}

// SubmitGuess records the player's bearing for the current round. The
// first submission wins; anything after (including a racing timer) is
// rejected by the guessed guard.
func (e *Engine) SubmitGuess(angle float64) (RoundResult, error) {
	if !validAngle(angle) {
		return RoundResult{}, fmt.Errorf("guess angle %v is outside [0,360): %w", angle, ErrInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePlaying {
		return RoundResult{}, fmt.Errorf("no round in progress: %w", ErrConflict)
	}
	if e.guessed {
		return RoundResult{}, fmt.Errorf("round %d already answered: %w", e.round, ErrConflict)
	}

	e.submitLocked(angle)

	return e.lastResult, nil
}

func (e *Engine) submitLocked(angle float64) {
	e.guessed = true
	e.lastResult = scoreGuess(e.pos, e.target, angle)
	e.score += e.lastResult.Points
	e.state = StateResults

	if e.timer != nil {
		e.timer.Stop()
	}
}

// Continue advances past a results screen: into the next round, or back
// to idle when the playthrough is complete.
func (e *Engine) Continue(ctx context.Context) error {
	e.mu.Lock()

	if e.state != StateResults {
		e.mu.Unlock()
		return fmt.Errorf("nothing to continue from state %s: %w", e.state, ErrConflict)
	}

	if e.round >= e.totalRounds {
		logf(e.cfg, "SOLO: game over, final score %d", e.score)
		e.resetLocked()
		e.mu.Unlock()
		return nil
	}

	e.mu.Unlock()

	return e.startRound(ctx)
}

// Reset force-returns the engine to idle from any state, releasing the
// round timer.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	e.state = StateIdle
	e.set = nil
	e.totalRounds = 0
	e.round = 0
	e.score = 0
	e.target = Location{}
	e.guessed = false
}
