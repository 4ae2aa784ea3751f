package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// PlaceResolver finds nearby points of interest for the "Near Me" mode.
// Implementations may paginate, cache, or both; callers treat the result
// identically to a catalog-backed location list.
type PlaceResolver interface {
	ResolvePlaces(ctx context.Context, center Coordinate, radiusMeters float64, categories []string) ([]Location, error)
}

// maxPlacePages bounds how many upstream result pages are concatenated
// for a single search.
const maxPlacePages = 3

type placesClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newPlacesClient(baseURL, apiKey string) *placesClient {
	return &placesClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type placesPage struct {
	Locations []Location `json:"locations"`
	NextPage  int        `json:"next_page,omitempty"`
}

func (p *placesClient) ResolvePlaces(ctx context.Context, center Coordinate, radiusMeters float64, categories []string) ([]Location, error) {
	var locations []Location

	page := 0
	for i := 0; i < maxPlacePages; i++ {
		result, err := p.fetchPage(ctx, center, radiusMeters, categories, page)
		if err != nil {
			return nil, err
		}

		locations = append(locations, result.Locations...)

		if result.NextPage == 0 {
			break
		}
		page = result.NextPage
	}

	return locations, nil
}

func (p *placesClient) fetchPage(ctx context.Context, center Coordinate, radiusMeters float64, categories []string, page int) (placesPage, error) {
	var result placesPage

	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(center.Latitude, 'f', -1, 64))
	query.Set("lon", strconv.FormatFloat(center.Longitude, 'f', -1, 64))
	query.Set("radius", strconv.FormatFloat(radiusMeters, 'f', -1, 64))
	if len(categories) != 0 {
		query.Set("categories", strings.Join(categories, ","))
	}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/places?"+query.Encode(), nil)
	if err != nil {
		return result, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("place search failed: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("place search returned %d: %w", resp.StatusCode, ErrUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("place search returned malformed body: %w", ErrUnavailable)
	}

	return result, nil
}

// cachedResolver consults a geo-spatial result cache before falling back
// to the wrapped resolver. A cached circle satisfies a query when its
// coverage contains the query circle: the cached center lies within the
// requested radius and the cached radius is at least as large. Cache
// failures are best effort and never fail the search.
type cachedResolver struct {
	db    *sql.DB
	next  PlaceResolver
	clock clockwork.Clock
	ttl   time.Duration
}

func newCachedResolver(ctx context.Context, db *sql.DB, next PlaceResolver, clock clockwork.Clock, ttl time.Duration) (*cachedResolver, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS location_cache (
			id TEXT PRIMARY KEY,
			center_lat REAL NOT NULL,
			center_lon REAL NOT NULL,
			radius REAL NOT NULL,
			locations TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating location_cache table: %w", err)
	}

	return &cachedResolver{db: db, next: next, clock: clock, ttl: ttl}, nil
}

func (c *cachedResolver) ResolvePlaces(ctx context.Context, center Coordinate, radiusMeters float64, categories []string) ([]Location, error) {
	if cached, ok := c.lookup(ctx, center, radiusMeters); ok {
		return cached, nil
	}

	locations, err := c.next.ResolvePlaces(ctx, center, radiusMeters, categories)
	if err != nil {
		return nil, err
	}

	c.store(ctx, center, radiusMeters, locations)

	return locations, nil
}

func (c *cachedResolver) lookup(ctx context.Context, center Coordinate, radiusMeters float64) ([]Location, bool) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT center_lat, center_lon, radius, locations, created_at
		FROM location_cache WHERE radius >= ?
	`, radiusMeters)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	for rows.Next() {
		var lat, lon, radius float64
		var encoded, createdAt string

		if err := rows.Scan(&lat, &lon, &radius, &encoded, &createdAt); err != nil {
			continue
		}

		created, err := time.Parse(time.RFC3339, createdAt)
		if err != nil || c.clock.Since(created) > c.ttl {
			continue
		}

		if Haversine(Coordinate{Latitude: lat, Longitude: lon}, center) > radiusMeters {
			continue
		}

		var locations []Location
		if err := json.Unmarshal([]byte(encoded), &locations); err != nil {
			continue
		}

		return locations, true
	}

	return nil, false
}

func (c *cachedResolver) store(ctx context.Context, center Coordinate, radiusMeters float64, locations []Location) {
	encoded, err := json.Marshal(locations)
	if err != nil {
		return
	}

	_, _ = c.db.ExecContext(ctx, `
		INSERT INTO location_cache (id, center_lat, center_lon, radius, locations, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), center.Latitude, center.Longitude, radiusMeters, string(encoded),
		c.clock.Now().UTC().Format(time.RFC3339))
}
