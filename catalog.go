package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GameMode is a named, ordered list of locations. Round n of a game maps
// to index n-1 of the list, so order is load-bearing.
type GameMode struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	OwnerUID  string     `json:"owner_uid,omitempty"`
	BuiltIn   bool       `json:"built_in"`
	Locations []Location `json:"locations"`
}

// Mode identifies how a target set is chosen: a built-in pack, a
// player-authored catalog entry, or a nearby-place search.
type Mode interface {
	isMode()
}

type BuiltInMode struct {
	ID string
}

type CustomMode struct {
	ID string
}

type NearMeMode struct {
	Center       Coordinate
	RadiusMeters float64
	Rounds       int
	Categories   []string
}

func (BuiltInMode) isMode() {}
func (CustomMode) isMode()  {}
func (NearMeMode) isMode()  {}

// Catalog stores game modes in SQLite. Locations travel as a JSON column
// since they are always read and written as a whole ordered list.
type Catalog struct {
	db *sql.DB
}

func NewCatalog(ctx context.Context, db *sql.DB) (*Catalog, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS game_modes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_uid TEXT NOT NULL DEFAULT '',
			builtin INTEGER NOT NULL DEFAULT 0,
			locations TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating game_modes table: %w", err)
	}

	return &Catalog{db: db}, nil
}

// builtinPacks are seeded on startup. WORLD is the classic wonders set.
var builtinPacks = []GameMode{
	{
		ID:   "WORLD",
		Name: "World Wonders",
		Locations: []Location{
			{Name: "Eiffel Tower", Coordinates: Coordinate{Latitude: 48.8584, Longitude: 2.2945}},
			{Name: "Statue of Liberty", Coordinates: Coordinate{Latitude: 40.6892, Longitude: -74.0445}},
			{Name: "Great Wall of China", Coordinates: Coordinate{Latitude: 40.4319, Longitude: 116.5704}},
			{Name: "Taj Mahal", Coordinates: Coordinate{Latitude: 27.1751, Longitude: 78.0421}},
			{Name: "Sydney Opera House", Coordinates: Coordinate{Latitude: -33.8568, Longitude: 151.2153}},
			{Name: "Pyramids of Giza", Coordinates: Coordinate{Latitude: 29.9792, Longitude: 31.1342}},
			{Name: "Colosseum", Coordinates: Coordinate{Latitude: 41.8902, Longitude: 12.4922}},
			{Name: "Machu Picchu", Coordinates: Coordinate{Latitude: -13.1631, Longitude: -72.5450}},
		},
	},
	{
		ID:   "EUROPE",
		Name: "European Capitals",
		Locations: []Location{
			{Name: "Big Ben", Coordinates: Coordinate{Latitude: 51.5007, Longitude: -0.1246}},
			{Name: "Brandenburg Gate", Coordinates: Coordinate{Latitude: 52.5163, Longitude: 13.3777}},
			{Name: "Sagrada Familia", Coordinates: Coordinate{Latitude: 41.4036, Longitude: 2.1744}},
			{Name: "Acropolis of Athens", Coordinates: Coordinate{Latitude: 37.9715, Longitude: 23.7257}},
			{Name: "Charles Bridge", Coordinates: Coordinate{Latitude: 50.0865, Longitude: 14.4114}},
			{Name: "Atomium", Coordinates: Coordinate{Latitude: 50.8950, Longitude: 4.3415}},
			{Name: "Little Mermaid", Coordinates: Coordinate{Latitude: 55.6929, Longitude: 12.5993}},
		},
	},
}

// Seed inserts the built-in packs if they are not already present.
// Idempotent: existing rows are left alone, including any admin edits.
func (c *Catalog) Seed(ctx context.Context) error {
	for _, pack := range builtinPacks {
		locations, err := json.Marshal(pack.Locations)
		if err != nil {
			return err
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO game_modes (id, name, owner_uid, builtin, locations, created_at)
			VALUES (?, ?, '', 1, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, pack.ID, pack.Name, string(locations), time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("seeding pack %s: %w", pack.ID, err)
		}
	}
	return nil
}

// ListModes returns all built-in modes when ownerFilter is empty, else
// the modes owned by that uid.
func (c *Catalog) ListModes(ctx context.Context, ownerFilter string) ([]GameMode, error) {
	var rows *sql.Rows
	var err error

	if ownerFilter == "" {
		rows, err = c.db.QueryContext(ctx, `
			SELECT id, name, owner_uid, builtin, locations
			FROM game_modes WHERE builtin = 1 ORDER BY id
		`)
	} else {
		rows, err = c.db.QueryContext(ctx, `
			SELECT id, name, owner_uid, builtin, locations
			FROM game_modes WHERE owner_uid = ? ORDER BY id
		`, ownerFilter)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var modes []GameMode
	for rows.Next() {
		mode, err := scanMode(rows)
		if err != nil {
			return nil, err
		}
		modes = append(modes, mode)
	}

	return modes, rows.Err()
}

func scanMode(rows *sql.Rows) (GameMode, error) {
	var mode GameMode
	var builtin int
	var locations string

	if err := rows.Scan(&mode.ID, &mode.Name, &mode.OwnerUID, &builtin, &locations); err != nil {
		return mode, err
	}
	mode.BuiltIn = builtin == 1
	if err := json.Unmarshal([]byte(locations), &mode.Locations); err != nil {
		return mode, err
	}

	return mode, nil
}

func (c *Catalog) GetMode(ctx context.Context, id string) (GameMode, error) {
	var mode GameMode
	var builtin int
	var locations string

	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, owner_uid, builtin, locations
		FROM game_modes WHERE id = ?
	`, id).Scan(&mode.ID, &mode.Name, &mode.OwnerUID, &builtin, &locations)
	if errors.Is(err, sql.ErrNoRows) {
		return mode, fmt.Errorf("mode %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return mode, err
	}

	mode.BuiltIn = builtin == 1
	if err := json.Unmarshal([]byte(locations), &mode.Locations); err != nil {
		return mode, err
	}

	return mode, nil
}

// LocationsFor resolves a mode id to its ordered target list.
func (c *Catalog) LocationsFor(ctx context.Context, id string) ([]Location, error) {
	mode, err := c.GetMode(ctx, id)
	if err != nil {
		return nil, err
	}
	return mode.Locations, nil
}

// CreateMode adds a user-authored mode owned by the caller.
func (c *Catalog) CreateMode(ctx context.Context, caller Identity, id, name string, locations []Location) (GameMode, error) {
	if id == "" || name == "" {
		return GameMode{}, fmt.Errorf("mode id and name are required: %w", ErrInvalid)
	}
	if locations == nil {
		locations = []Location{}
	}

	if _, err := c.GetMode(ctx, id); err == nil {
		return GameMode{}, fmt.Errorf("mode %s already exists: %w", id, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return GameMode{}, err
	}

	encoded, err := json.Marshal(locations)
	if err != nil {
		return GameMode{}, err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO game_modes (id, name, owner_uid, builtin, locations, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, id, name, caller.UID, string(encoded), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return GameMode{}, fmt.Errorf("creating mode %s: %w", id, err)
	}

	return GameMode{ID: id, Name: name, OwnerUID: caller.UID, Locations: locations}, nil
}

func (c *Catalog) DeleteMode(ctx context.Context, caller Identity, asAdmin bool, id string) error {
	mode, err := c.GetMode(ctx, id)
	if err != nil {
		return err
	}
	if err := authorizeModeEdit(mode, caller, asAdmin); err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, `DELETE FROM game_modes WHERE id = ?`, id)
	return err
}

// AppendLocation adds a location to the end of a mode's list.
func (c *Catalog) AppendLocation(ctx context.Context, caller Identity, asAdmin bool, id string, loc Location) error {
	return c.mutateLocations(ctx, caller, asAdmin, id, func(locations []Location) ([]Location, error) {
		return append(locations, loc), nil
	})
}

// ReplaceLocationAt swaps the location at index, preserving order.
func (c *Catalog) ReplaceLocationAt(ctx context.Context, caller Identity, asAdmin bool, id string, index int, loc Location) error {
	return c.mutateLocations(ctx, caller, asAdmin, id, func(locations []Location) ([]Location, error) {
		if index < 0 || index >= len(locations) {
			return nil, fmt.Errorf("index %d out of range: %w", index, ErrInvalid)
		}
		locations[index] = loc
		return locations, nil
	})
}

// RemoveLocationAt deletes the location at index; later entries shift
// down by one, so indices must never be held across mutations.
func (c *Catalog) RemoveLocationAt(ctx context.Context, caller Identity, asAdmin bool, id string, index int) error {
	return c.mutateLocations(ctx, caller, asAdmin, id, func(locations []Location) ([]Location, error) {
		if index < 0 || index >= len(locations) {
			return nil, fmt.Errorf("index %d out of range: %w", index, ErrInvalid)
		}
		return append(locations[:index], locations[index+1:]...), nil
	})
}

func authorizeModeEdit(mode GameMode, caller Identity, asAdmin bool) error {
	if mode.BuiltIn {
		if !asAdmin {
			return fmt.Errorf("built-in mode %s requires admin: %w", mode.ID, ErrForbidden)
		}
		return nil
	}
	if mode.OwnerUID != caller.UID && !asAdmin {
		return fmt.Errorf("mode %s is owned by another player: %w", mode.ID, ErrForbidden)
	}
	return nil
}

// mutateLocations runs a read-modify-write of a mode's location list in
// one transaction so concurrent edits cannot interleave.
func (c *Catalog) mutateLocations(ctx context.Context, caller Identity, asAdmin bool, id string, fn func([]Location) ([]Location, error)) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var mode GameMode
	var builtin int
	var encoded string

	err = tx.QueryRowContext(ctx, `
		SELECT id, name, owner_uid, builtin, locations
		FROM game_modes WHERE id = ?
	`, id).Scan(&mode.ID, &mode.Name, &mode.OwnerUID, &builtin, &encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mode %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	mode.BuiltIn = builtin == 1

	if err := authorizeModeEdit(mode, caller, asAdmin); err != nil {
		return err
	}

	var locations []Location
	if err := json.Unmarshal([]byte(encoded), &locations); err != nil {
		return err
	}

	locations, err = fn(locations)
	if err != nil {
		return err
	}

	updated, err := json.Marshal(locations)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE game_modes SET locations = ? WHERE id = ?`, string(updated), id); err != nil {
		return err
	}

	return tx.Commit()
}
