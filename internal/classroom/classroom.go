// Package classroom stores the class location data sessions are anchored to.
package classroom

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"qrattend/internal/apperr"
	"qrattend/internal/geo"
)

// Class is the slice of a class record the attendance engine relies on.
type Class struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Location     *geo.Coordinates `json:"location,omitempty"`
	RadiusMeters float64          `json:"radius"`
}

// Validate returns an IncompleteClassData failure when the class cannot
// anchor a geofence.
func (c Class) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if math.IsNaN(c.RadiusMeters) || math.IsInf(c.RadiusMeters, 0) || c.RadiusMeters <= 0 {
		missing = append(missing, "radius")
	}
	if c.Location == nil || !c.Location.Valid() {
		missing = append(missing, "coordinates")
	}
	if len(missing) > 0 {
		return apperr.New(apperr.IncompleteClassData, "class %q is missing %s", c.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Directory looks classes up by id.
type Directory interface {
	GetClass(ctx context.Context, classID string) (Class, error)
}

// Writer stores class definitions.
type Writer interface {
	SaveClass(ctx context.Context, c Class) error
}

// Repository reads and writes classes in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a class repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetClass returns the class or a ClassNotFound failure.
func (r *Repository) GetClass(ctx context.Context, classID string) (Class, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, radius_m
		FROM classes WHERE id = $1
	`, classID)

	var (
		c        Class
		name     sql.NullString
		lat, lon sql.NullFloat64
		radius   sql.NullFloat64
	)
	if err := row.Scan(&c.ID, &name, &lat, &lon, &radius); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Class{}, apperr.New(apperr.ClassNotFound, "class %q not found", classID)
		}
		return Class{}, fmt.Errorf("%w: get class: %v", apperr.ErrStoreUnavailable, err)
	}
	c.Name = name.String
	c.RadiusMeters = radius.Float64
	if lat.Valid && lon.Valid {
		c.Location = &geo.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return c, nil
}

// SaveClass inserts or replaces the class.
func (r *Repository) SaveClass(ctx context.Context, c Class) error {
	var lat, lon sql.NullFloat64
	if c.Location != nil {
		lat = sql.NullFloat64{Float64: c.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: c.Location.Longitude, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (id, name, latitude, longitude, radius_m)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude, radius_m = EXCLUDED.radius_m
	`, c.ID, c.Name, lat, lon, c.RadiusMeters)
	if err != nil {
		return fmt.Errorf("%w: save class: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

// Memory is an in-process directory for development and tests.
type Memory struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewMemory returns a directory seeded with classes.
func NewMemory(classes ...Class) *Memory {
	m := &Memory{classes: make(map[string]Class, len(classes))}
	for _, c := range classes {
		m.classes[c.ID] = c
	}
	return m
}

// Put adds or replaces a class.
func (m *Memory) Put(c Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[c.ID] = c
}

// GetClass returns the class or a ClassNotFound failure.
func (m *Memory) GetClass(_ context.Context, classID string) (Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[classID]
	if !ok {
		return Class{}, apperr.New(apperr.ClassNotFound, "class %q not found", classID)
	}
	return c, nil
}

func (m *Memory) SaveClass(_ context.Context, c Class) error {
	m.Put(c)
	return nil
}
