// Package location turns raw location strings into deduplicated canonical
// locations, geocoding novel text and memoizing the result.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/store"
	"github.com/jobref/pipeline/internal/textnorm"
)

// ErrGeocoder wraps every failure of the external geocoder.
var ErrGeocoder = errors.New("location: geocoder failed")

// Config toggles the resolver caches.
type Config struct {
	// CacheEnabled turns on the in-memory cache and persisted lookups.
	CacheEnabled bool `yaml:"cache_enabled"`
	// Preload fills the in-memory cache from persisted lookups at startup.
	Preload bool `yaml:"preload"`
}

// Resolver owns CanonicalLocation and LocationLookup lifecycles. It is safe
// for concurrent use.
type Resolver struct {
	geocoder Geocoder
	store    store.LocationStore
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*domain.CanonicalLocation
	group singleflight.Group
}

// NewResolver builds a resolver, preloading the cache when configured.
func NewResolver(ctx context.Context, geocoder Geocoder, st store.LocationStore, cfg Config, log *zap.Logger) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{
		geocoder: geocoder,
		store:    st,
		cfg:      cfg,
		log:      log.Named("location"),
		now:      time.Now,
		cache:    make(map[string]*domain.CanonicalLocation),
	}
	if cfg.CacheEnabled && cfg.Preload {
		if err := r.preload(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Resolver) preload(ctx context.Context) error {
	lookups, locations, err := r.store.ListLocationLookups(ctx)
	if err != nil {
		return fmt.Errorf("preload location lookups: %w", err)
	}
	byID := make(map[string]*domain.CanonicalLocation, len(locations))
	for _, loc := range locations {
		byID[loc.ID.String()] = loc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range lookups {
		if loc, ok := byID[l.LocationID.String()]; ok {
			r.cache[textnorm.FoldText(l.Text)] = loc
		}
	}
	r.log.Info("Location cache preloaded", zap.Int("entries", len(r.cache)))
	return nil
}

type resolveOptions struct {
	skipLookup bool
}

// ResolveOption adjusts a single Resolve call.
type ResolveOption func(*resolveOptions)

// SkipLookupCache stops this call from writing a LocationLookup row.
func SkipLookupCache() ResolveOption {
	return func(o *resolveOptions) {
		o.skipLookup = true
	}
}

// Resolve returns the canonical location for raw. Concurrent calls for the
// same text share one geocoder request.
func (r *Resolver) Resolve(ctx context.Context, raw string, opts ...ResolveOption) (*domain.CanonicalLocation, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := textnorm.FoldText(raw)
	remote := IsRemoteText(raw)

	if loc := r.cached(key, remote); loc != nil {
		return loc.Clone(), nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if loc := r.cached(key, remote); loc != nil {
			return loc, nil
		}
		return r.resolve(ctx, raw, key, remote, o)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.CanonicalLocation).Clone(), nil
}

func (r *Resolver) cached(key string, remote bool) *domain.CanonicalLocation {
	if !r.cfg.CacheEnabled {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.cache[key]
	if !ok || loc.IsRemote != remote {
		return nil
	}
	return loc
}

func (r *Resolver) resolve(ctx context.Context, raw, key string, remote bool, o resolveOptions) (*domain.CanonicalLocation, error) {
	var result *GeocodeResult
	if cleaned := cleanLocationText(raw); cleaned != "" {
		res, err := r.geocoder.Lookup(ctx, cleaned)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup %q: %w", ErrGeocoder, cleaned, err)
		}
		result = res
		r.log.Debug("Geocoded location",
			zap.String("raw", raw),
			zap.String("query", cleaned),
			zap.Bool("found", res != nil))
	}

	loc, err := r.upsert(ctx, newLocation(result, remote))
	if err != nil {
		return nil, err
	}

	if r.cfg.CacheEnabled && !o.skipLookup {
		lookup := &domain.LocationLookup{
			Text:       domain.CapLookupText(strings.TrimSpace(raw)),
			LocationID: loc.ID,
		}
		if result != nil {
			lookup.RawResponse = result.Raw
		}
		lookup.StampCreated(r.now())
		if err := r.store.UpsertLocationLookup(ctx, lookup); err != nil {
			return nil, fmt.Errorf("save location lookup: %w", err)
		}
	}

	if r.cfg.CacheEnabled {
		r.mu.Lock()
		r.cache[key] = loc
		r.mu.Unlock()
	}
	return loc, nil
}

// newLocation builds an unsaved location from a geocoder result, or the
// Remote/Unknown placeholder when there is nothing usable.
func newLocation(res *GeocodeResult, remote bool) *domain.CanonicalLocation {
	if res == nil || res.DisplayText() == "" {
		text := domain.UnknownLocationText
		if remote {
			text = domain.RemoteLocationText
		}
		return &domain.CanonicalLocation{Text: text, IsRemote: remote}
	}
	lat, long := truncateCoord(res.Latitude), truncateCoord(res.Longitude)
	return &domain.CanonicalLocation{
		Text:        res.DisplayText(),
		IsRemote:    remote,
		City:        res.City,
		State:       res.State,
		Country:     res.Country,
		CountryCode: res.CountryCode,
		PostalCode:  res.PostalCode,
		Latitude:    &lat,
		Longitude:   &long,
		LatText:     fmt.Sprintf("%.4f", lat),
		LongText:    fmt.Sprintf("%.4f", long),
	}
}

// truncateCoord keeps four decimal places.
func truncateCoord(v float64) float64 {
	t := math.Trunc(v*1e4) / 1e4
	if t == 0 {
		return 0
	}
	return t
}

// upsert finds a row matching either unique key or creates one. A create that
// loses a race re-reads the winner.
func (r *Resolver) upsert(ctx context.Context, loc *domain.CanonicalLocation) (*domain.CanonicalLocation, error) {
	q := store.LocationQuery{
		IsRemote: loc.IsRemote,
		Text:     loc.Text,
		LatText:  loc.LatText,
		LongText: loc.LongText,
	}
	existing, err := r.store.FindLocation(ctx, q)
	switch {
	case err == nil:
		return r.refresh(ctx, existing, loc)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find location: %w", err)
	}

	loc.StampCreated(r.now())
	err = r.store.CreateLocation(ctx, loc)
	if err == nil {
		r.log.Info("Created location", zap.String("text", loc.Text), zap.Bool("remote", loc.IsRemote))
		return loc, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("create location: %w", err)
	}

	existing, err = r.store.FindLocation(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("refetch conflicting location: %w", err)
	}
	return r.refresh(ctx, existing, loc)
}

// refresh fills gaps in an existing row from a newer response.
func (r *Resolver) refresh(ctx context.Context, existing, fresh *domain.CanonicalLocation) (*domain.CanonicalLocation, error) {
	if existing.IsPlaceholder() {
		return existing, nil
	}
	updated := existing.Clone()
	changed := fillString(&updated.City, fresh.City)
	changed = fillString(&updated.State, fresh.State) || changed
	changed = fillString(&updated.Country, fresh.Country) || changed
	changed = fillString(&updated.CountryCode, fresh.CountryCode) || changed
	changed = fillString(&updated.PostalCode, fresh.PostalCode) || changed
	if !updated.HasCoordinates() && fresh.HasCoordinates() {
		updated.Latitude, updated.Longitude = fresh.Latitude, fresh.Longitude
		updated.LatText, updated.LongText = fresh.LatText, fresh.LongText
		changed = true
	}
	if !changed {
		return existing, nil
	}

	updated.StampModified(r.now())
	if err := r.store.UpdateLocation(ctx, updated); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return existing, nil
		}
		return nil, fmt.Errorf("update location: %w", err)
	}
	return updated, nil
}

func fillString(dst *string, v string) bool {
	if *dst != "" || v == "" {
		return false
	}
	*dst = v
	return true
}
