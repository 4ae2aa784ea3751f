package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func placesBackend(t *testing.T, pages map[int]placesPage, status int) (*httptest.Server, *int) {
	t.Helper()

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if err := json.NewEncoder(w).Encode(pages[page]); err != nil {
			t.Errorf("encode page %d: %v", page, err)
		}
	}))
	t.Cleanup(server.Close)

	return server, &requests
}

func TestPlacesClientConcatenatesPages(t *testing.T) {
	pages := map[int]placesPage{
		0: {Locations: []Location{{Name: "Cafe"}}, NextPage: 1},
		1: {Locations: []Location{{Name: "Museum"}}, NextPage: 2},
		2: {Locations: []Location{{Name: "Park"}}},
	}
	server, requests := placesBackend(t, pages, http.StatusOK)

	client := newPlacesClient(server.URL, "test-key")
	locations, err := client.ResolvePlaces(context.Background(), Coordinate{Latitude: 1, Longitude: 1}, 5000, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(locations) != 3 {
		t.Fatalf("expected 3 locations across pages, got %d", len(locations))
	}
	if locations[0].Name != "Cafe" || locations[2].Name != "Park" {
		t.Fatalf("page order lost: %v", locations)
	}
	if *requests != 3 {
		t.Fatalf("expected 3 upstream requests, got %d", *requests)
	}
}

func TestPlacesClientStopsAtPageCap(t *testing.T) {
	// Every page claims another follows; the client must give up anyway.
	pages := map[int]placesPage{}
	for i := 0; i < 10; i++ {
		pages[i] = placesPage{Locations: []Location{{Name: "Spot " + strconv.Itoa(i)}}, NextPage: i + 1}
	}
	server, requests := placesBackend(t, pages, http.StatusOK)

	client := newPlacesClient(server.URL, "")
	locations, err := client.ResolvePlaces(context.Background(), Coordinate{}, 5000, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if *requests != maxPlacePages {
		t.Fatalf("expected %d upstream requests, got %d", maxPlacePages, *requests)
	}
	if len(locations) != maxPlacePages {
		t.Fatalf("expected %d locations, got %d", maxPlacePages, len(locations))
	}
}

func TestPlacesClientUpstreamError(t *testing.T) {
	server, _ := placesBackend(t, nil, http.StatusInternalServerError)

	client := newPlacesClient(server.URL, "")
	if _, err := client.ResolvePlaces(context.Background(), Coordinate{}, 5000, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPlacesClientSendsAuthAndQuery(t *testing.T) {
	var gotAuth, gotCategories string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCategories = r.URL.Query().Get("categories")
		json.NewEncoder(w).Encode(placesPage{Locations: []Location{{Name: "Spot"}}})
	}))
	t.Cleanup(server.Close)

	client := newPlacesClient(server.URL, "secret")
	_, err := client.ResolvePlaces(context.Background(), Coordinate{Latitude: 1, Longitude: 2}, 500, []string{"food", "art"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("auth header %q, want bearer token", gotAuth)
	}
	if gotCategories != "food,art" {
		t.Errorf("categories %q, want comma-joined list", gotCategories)
	}
}

func newCacheFixture(t *testing.T, next PlaceResolver, clock clockwork.Clock, ttl time.Duration) *cachedResolver {
	t.Helper()
	ctx := context.Background()

	db, err := openDatabase(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	resolver, err := newCachedResolver(ctx, db, next, clock, ttl)
	if err != nil {
		t.Fatalf("init cache: %v", err)
	}

	return resolver
}

func TestCachedResolverServesContainedQueries(t *testing.T) {
	upstream := &fakeResolver{locations: []Location{{Name: "Cafe"}, {Name: "Museum"}}}
	clock := clockwork.NewFakeClock()
	resolver := newCacheFixture(t, upstream, clock, time.Hour)
	ctx := context.Background()

	center := Coordinate{Latitude: 48.8584, Longitude: 2.2945}

	first, err := resolver.ResolvePlaces(ctx, center, 5000, nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if upstream.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", upstream.calls)
	}

	// Same circle again: cache hit.
	second, err := resolver.ResolvePlaces(ctx, center, 5000, nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if upstream.calls != 1 {
		t.Fatalf("cache missed an identical query: %d upstream calls", upstream.calls)
	}
	if len(second) != len(first) {
		t.Fatalf("cached result differs: %v vs %v", second, first)
	}

	// A nearby center whose request circle contains the cached one, with
	// a smaller radius requirement already covered: still a hit.
	near := Coordinate{Latitude: 48.8600, Longitude: 2.2950}
	if _, err := resolver.ResolvePlaces(ctx, near, 4000, nil); err != nil {
		t.Fatalf("nearby resolve: %v", err)
	}
	if upstream.calls != 1 {
		t.Fatalf("cache missed a contained query: %d upstream calls", upstream.calls)
	}
}

func TestCachedResolverMissesWhenNotContained(t *testing.T) {
	upstream := &fakeResolver{locations: []Location{{Name: "Cafe"}}}
	clock := clockwork.NewFakeClock()
	resolver := newCacheFixture(t, upstream, clock, time.Hour)
	ctx := context.Background()

	center := Coordinate{Latitude: 48.8584, Longitude: 2.2945}
	if _, err := resolver.ResolvePlaces(ctx, center, 1000, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Bigger radius than the cached circle: not contained, goes upstream.
	if _, err := resolver.ResolvePlaces(ctx, center, 10000, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if upstream.calls != 2 {
		t.Fatalf("expected radius growth to miss the cache, got %d calls", upstream.calls)
	}

	// A center a whole city away: cached center outside the request
	// radius, goes upstream.
	far := Coordinate{Latitude: 48.95, Longitude: 2.45}
	if _, err := resolver.ResolvePlaces(ctx, far, 1000, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if upstream.calls != 3 {
		t.Fatalf("expected distant query to miss the cache, got %d calls", upstream.calls)
	}
}

func TestCachedResolverExpiresEntries(t *testing.T) {
	upstream := &fakeResolver{locations: []Location{{Name: "Cafe"}}}
	clock := clockwork.NewFakeClock()
	resolver := newCacheFixture(t, upstream, clock, time.Hour)
	ctx := context.Background()

	center := Coordinate{Latitude: 1, Longitude: 1}
	if _, err := resolver.ResolvePlaces(ctx, center, 1000, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	clock.Advance(2 * time.Hour)

	if _, err := resolver.ResolvePlaces(ctx, center, 1000, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if upstream.calls != 2 {
		t.Fatalf("expected expired entry to miss, got %d calls", upstream.calls)
	}
}

func TestCachedResolverPassesUpstreamErrors(t *testing.T) {
	upstream := &fakeResolver{err: positionUnavailable()}
	resolver := newCacheFixture(t, upstream, clockwork.NewFakeClock(), time.Hour)

	if _, err := resolver.ResolvePlaces(context.Background(), Coordinate{}, 1000, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
