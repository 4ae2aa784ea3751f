// Solo play runs the round engine server-side, one engine per
// connection, with the phone streaming sensor readings up the same
// socket the round state comes down.

package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
)

// SoloClientMessage drives a single-player game.
type SoloClientMessage struct {
	Type       string       `json:"type"`                 // "begin", "choose_set", "grant", "guess", "continue", "sensors", "permission"
	ModeID     string       `json:"mode_id,omitempty"`    // choose_set (catalog modes)
	NearMe     *NearMeOpts  `json:"near_me,omitempty"`    // choose_set (place search)
	Rounds     int          `json:"rounds,omitempty"`     // choose_set override
	Angle      float64      `json:"angle,omitempty"`      // guess
	Sensors    *SensorState `json:"sensors,omitempty"`    // sensors
	Permission string       `json:"permission,omitempty"` // permission: "granted", "prompt", "denied"
}

// EngineStateMessage mirrors the engine back to the client after every
// transition.
type EngineStateMessage struct {
	Type        string      `json:"type"` // "engine_state"
	State       EngineState `json:"state"`
	Round       int         `json:"round"`
	TotalRounds int         `json:"total_rounds"`
	Score       int         `json:"score"`
	Target      *Location   `json:"target,omitempty"`
	TimeLeftMS  int64       `json:"time_left_ms"`
}

// soloSensors adapts a connection's latest sensor and permission reports
// into the capabilities the engine acquires. The engine's timer goroutine
// reads headings concurrently with the socket writing them, hence the
// lock.
type soloSensors struct {
	mu         sync.Mutex
	sensors    SensorState
	permission PermissionState
}

func newSoloSensors() *soloSensors {
	return &soloSensors{permission: PermissionPrompt}
}

func (s *soloSensors) update(state SensorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors = state
}

func (s *soloSensors) setPermission(p PermissionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = p
}

func (s *soloSensors) Heading() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensors.Heading
}

func (s *soloSensors) Position(ctx context.Context) (Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sensors.HasFix {
		return Coordinate{}, positionUnavailable()
	}
	return Coordinate{Latitude: s.sensors.Latitude, Longitude: s.sensors.Longitude}, nil
}

func (s *soloSensors) State() PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

// Request returns the device's answer to the orientation prompt; the
// client reports it via a permission message before continuing.
func (s *soloSensors) Request(ctx context.Context) (PermissionState, error) {
	return s.State(), nil
}

// serveSoloWS runs one engine per connection.
func serveSoloWS(cfg *Config, catalog *Catalog, resolver PlaceResolver, clock clockwork.Clock) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sensors := newSoloSensors()
		engine := NewEngine(cfg, clock, sensors, sensors, sensors)
		defer engine.Reset()

		session := &soloConn{
			cfg:      cfg,
			conn:     conn,
			catalog:  catalog,
			resolver: resolver,
			sensors:  sensors,
			engine:   engine,
		}

		// Timer expiries score the round server-side; push the outcome
		// down instead of leaving the client to discover it on its next
		// command.
		engine.OnAutoSubmit(func(result RoundResult) {
			round, _ := engine.Round()
			session.write(ResultMessage{Type: "result", Round: round, Result: result})
			session.sendState()
		})

		session.loop(r.Context())
	}
}

type soloConn struct {
	cfg      *Config
	conn     *websocket.Conn
	catalog  *Catalog
	resolver PlaceResolver
	sensors  *soloSensors
	engine   *Engine

	writeMu sync.Mutex
}

func (sc *soloConn) loop(ctx context.Context) {
	for {
		var msg SoloClientMessage
		if err := sc.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "sensors":
			if msg.Sensors != nil {
				sc.sensors.update(*msg.Sensors)
			}
			continue

		case "permission":
			sc.sensors.setPermission(PermissionState(msg.Permission))
			continue

		case "begin":
			if err := sc.engine.Begin(); err != nil {
				sc.notice(err)
			}

		case "choose_set":
			if err := sc.chooseSet(ctx, msg); err != nil {
				sc.notice(err)
			}

		case "grant":
			if err := sc.engine.GrantPermission(ctx); err != nil {
				sc.notice(err)
			}

		case "guess":
			result, err := sc.engine.SubmitGuess(msg.Angle)
			if err != nil {
				sc.notice(err)
			} else {
				round, _ := sc.engine.Round()
				sc.write(ResultMessage{Type: "result", Round: round, Result: result})
			}

		case "continue":
			if err := sc.engine.Continue(ctx); err != nil {
				sc.notice(err)
			}

		default:
			continue
		}

		sc.sendState()
	}
}

// chooseSet resolves the chosen mode into a target set, exactly as the
// lobby host path does, then hands it to the engine.
func (sc *soloConn) chooseSet(ctx context.Context, msg SoloClientMessage) error {
	var set []Location
	var err error

	if msg.NearMe != nil {
		if sc.resolver == nil {
			return positionUnavailable()
		}
		center, err := sc.sensors.Position(ctx)
		if err != nil {
			return err
		}
		set, err = sc.resolver.ResolvePlaces(ctx, center, msg.NearMe.RadiusMeters, msg.NearMe.Categories)
		if err != nil {
			return err
		}
		if msg.Rounds == 0 {
			msg.Rounds = msg.NearMe.Rounds
		}
	} else {
		set, err = sc.catalog.LocationsFor(ctx, msg.ModeID)
		if err != nil {
			return err
		}
	}

	return sc.engine.ChooseSet(ctx, set, msg.Rounds)
}

func (sc *soloConn) sendState() {
	round, total := sc.engine.Round()

	state := EngineStateMessage{
		Type:        "engine_state",
		State:       sc.engine.State(),
		Round:       round,
		TotalRounds: total,
		Score:       sc.engine.Score(),
		TimeLeftMS:  sc.engine.TimeLeft().Milliseconds(),
	}
	if state.State == StatePlaying || state.State == StateResults {
		target := sc.engine.Target()
		state.Target = &target
	}

	sc.write(state)
}

func (sc *soloConn) notice(err error) {
	sc.write(NoticeMessage{
		Type:    "notice",
		Kind:    errKind(err),
		Message: err.Error(),
	})
}

func (sc *soloConn) write(msg any) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	_ = sc.conn.SetWriteDeadline(time.Now().Add(timeout))
	_ = sc.conn.WriteJSON(msg)
}
