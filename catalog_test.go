package main

import (
	"context"
	"errors"
	"testing"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()

	db, err := openDatabase(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	catalog, err := NewCatalog(ctx, db)
	if err != nil {
		t.Fatalf("init catalog: %v", err)
	}
	if err := catalog.Seed(ctx); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	return catalog
}

func TestSeedIsIdempotent(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if err := catalog.Seed(ctx); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	modes, err := catalog.ListModes(ctx, "")
	if err != nil {
		t.Fatalf("list modes: %v", err)
	}
	if len(modes) != len(builtinPacks) {
		t.Fatalf("expected %d built-in modes, got %d", len(builtinPacks), len(modes))
	}
}

func TestListModesFiltersByOwner(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if _, err := catalog.CreateMode(ctx, alice, "mine", "My Spots", nil); err != nil {
		t.Fatalf("create mode: %v", err)
	}

	builtins, err := catalog.ListModes(ctx, "")
	if err != nil {
		t.Fatalf("list built-ins: %v", err)
	}
	for _, mode := range builtins {
		if !mode.BuiltIn {
			t.Errorf("mode %s in built-in listing is not built-in", mode.ID)
		}
	}

	mine, err := catalog.ListModes(ctx, alice.UID)
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "mine" {
		t.Fatalf("expected exactly the owned mode, got %v", mine)
	}

	theirs, err := catalog.ListModes(ctx, bob.UID)
	if err != nil {
		t.Fatalf("list other owner: %v", err)
	}
	if len(theirs) != 0 {
		t.Fatalf("expected no modes for %s, got %d", bob.UID, len(theirs))
	}
}

func TestGetModePreservesLocationOrder(t *testing.T) {
	catalog := newTestCatalog(t)

	mode, err := catalog.GetMode(context.Background(), "WORLD")
	if err != nil {
		t.Fatalf("get mode: %v", err)
	}

	want := builtinPacks[0].Locations
	if len(mode.Locations) != len(want) {
		t.Fatalf("expected %d locations, got %d", len(want), len(mode.Locations))
	}
	for i := range want {
		if mode.Locations[i] != want[i] {
			t.Fatalf("location %d is %q, want %q", i, mode.Locations[i].Name, want[i].Name)
		}
	}
}

func TestGetModeNotFound(t *testing.T) {
	catalog := newTestCatalog(t)

	if _, err := catalog.GetMode(context.Background(), "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateModeDuplicateID(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if _, err := catalog.CreateMode(ctx, alice, "dupe", "First", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := catalog.CreateMode(ctx, bob, "dupe", "Second", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateModeDatabaseErrorIsNotConflict(t *testing.T) {
	ctx := context.Background()

	db, err := openDatabase(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	catalog, err := NewCatalog(ctx, db)
	if err != nil {
		t.Fatalf("init catalog: %v", err)
	}

	db.Close()

	_, err = catalog.CreateMode(ctx, alice, "broken", "Broken", nil)
	if err == nil {
		t.Fatal("expected an error from a closed database")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("database failure reported as a duplicate id: %v", err)
	}
}

func TestCreateModeRequiresIDAndName(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if _, err := catalog.CreateMode(ctx, alice, "", "Name", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty id, got %v", err)
	}
	if _, err := catalog.CreateMode(ctx, alice, "id", "", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty name, got %v", err)
	}
}

func TestLocationMutations(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	paris := Location{Name: "Paris", Coordinates: Coordinate{Latitude: 48.85, Longitude: 2.35}}
	lyon := Location{Name: "Lyon", Coordinates: Coordinate{Latitude: 45.76, Longitude: 4.83}}
	nice := Location{Name: "Nice", Coordinates: Coordinate{Latitude: 43.71, Longitude: 7.26}}

	if _, err := catalog.CreateMode(ctx, alice, "FR", "France", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, loc := range []Location{paris, lyon} {
		if err := catalog.AppendLocation(ctx, alice, false, "FR", loc); err != nil {
			t.Fatalf("append %s: %v", loc.Name, err)
		}
	}

	if err := catalog.ReplaceLocationAt(ctx, alice, false, "FR", 1, nice); err != nil {
		t.Fatalf("replace: %v", err)
	}

	locations, err := catalog.LocationsFor(ctx, "FR")
	if err != nil {
		t.Fatalf("locations: %v", err)
	}
	if len(locations) != 2 || locations[0] != paris || locations[1] != nice {
		t.Fatalf("unexpected list after replace: %v", locations)
	}

	if err := catalog.RemoveLocationAt(ctx, alice, false, "FR", 0); err != nil {
		t.Fatalf("remove: %v", err)
	}

	locations, err = catalog.LocationsFor(ctx, "FR")
	if err != nil {
		t.Fatalf("locations: %v", err)
	}
	if len(locations) != 1 || locations[0] != nice {
		t.Fatalf("expected later entries to shift down, got %v", locations)
	}
}

func TestLocationMutationIndexOutOfRange(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if _, err := catalog.CreateMode(ctx, alice, "empty", "Empty", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := catalog.ReplaceLocationAt(ctx, alice, false, "empty", 0, Location{Name: "X"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if err := catalog.RemoveLocationAt(ctx, alice, false, "empty", -1); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestModeEditAuthorization(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if _, err := catalog.CreateMode(ctx, alice, "hers", "Alice's", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	loc := Location{Name: "Somewhere"}

	// Another player cannot touch it; an admin can.
	if err := catalog.AppendLocation(ctx, bob, false, "hers", loc); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := catalog.AppendLocation(ctx, bob, true, "hers", loc); err != nil {
		t.Fatalf("admin append: %v", err)
	}

	// Built-in packs require admin even for their would-be editors.
	if err := catalog.AppendLocation(ctx, alice, false, "WORLD", loc); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on built-in, got %v", err)
	}
	if err := catalog.DeleteMode(ctx, alice, false, "WORLD"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden deleting built-in, got %v", err)
	}
	if err := catalog.DeleteMode(ctx, alice, true, "WORLD"); err != nil {
		t.Fatalf("admin delete built-in: %v", err)
	}
}

func TestDeleteMode(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if _, err := catalog.CreateMode(ctx, alice, "gone", "Soon Gone", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := catalog.DeleteMode(ctx, alice, false, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := catalog.GetMode(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := catalog.DeleteMode(ctx, alice, false, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on repeat delete, got %v", err)
	}
}
