package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latencypoison/latencypoison/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ConfigStore exposes an immutable view of collections and endpoints.
// Callers take one snapshot per request and read only from it.
type ConfigStore interface {
	Snapshot() *Snapshot
}

// Target is the collection and best-matching endpoint for a routed request.
type Target struct {
	Collection         models.Collection
	Endpoint           *models.Endpoint
	PassthroughHeaders []string
}

// Snapshot is a read-only, versioned copy of all collections and endpoints.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	collections map[string]models.Collection
	passthrough map[string][]string
	// endpoints are ordered by created_at then id.
	endpoints map[string][]models.Endpoint
}

// NewSnapshot builds a snapshot from rows. Endpoints of unknown collections are dropped.
func NewSnapshot(version uint64, collections []models.Collection, endpoints []models.Endpoint) *Snapshot {
	snap := &Snapshot{
		Version:     version,
		LoadedAt:    time.Now().UTC(),
		collections: make(map[string]models.Collection, len(collections)),
		passthrough: make(map[string][]string, len(collections)),
		endpoints:   make(map[string][]models.Endpoint, len(collections)),
	}
	for _, c := range collections {
		c.Endpoints = nil
		c.Owner = nil
		snap.collections[c.ID] = c
		snap.passthrough[c.ID] = DecodeHeaderNames(c.PassthroughHeaders)
	}
	for _, e := range endpoints {
		if _, ok := snap.collections[e.CollectionID]; !ok {
			continue
		}
		e.LatencyMs = copyInt(e.LatencyMs)
		e.FailRate = copyFloat(e.FailRate)
		snap.endpoints[e.CollectionID] = append(snap.endpoints[e.CollectionID], e)
	}
	for id := range snap.endpoints {
		list := snap.endpoints[id]
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	return snap
}

// Collection returns a copy of the collection with the given ID.
func (s *Snapshot) Collection(id string) (models.Collection, bool) {
	if s == nil {
		return models.Collection{}, false
	}
	c, ok := s.collections[id]
	return c, ok
}

// Len returns the number of collections in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.collections)
}

// Match resolves a collection and the endpoint that best matches requestPath.
//
// An exact path match wins; otherwise the longest endpoint path that is a
// segment-boundary prefix of requestPath wins. Duplicate paths resolve to the
// oldest endpoint. A nil Endpoint means collection defaults apply.
func (s *Snapshot) Match(collectionID, requestPath string) (Target, bool) {
	collection, ok := s.Collection(collectionID)
	if !ok {
		return Target{}, false
	}
	target := Target{
		Collection:         collection,
		PassthroughHeaders: append([]string(nil), s.passthrough[collectionID]...),
	}

	normalized := NormalizePath(requestPath)
	if normalized == "" {
		normalized = "/"
	}

	var best *models.Endpoint
	bestLen := -1
	for i := range s.endpoints[collectionID] {
		candidate := &s.endpoints[collectionID][i]
		if candidate.Path == normalized {
			best = candidate
			break
		}
		if !hasPathPrefix(normalized, candidate.Path) {
			continue
		}
		if len(candidate.Path) > bestLen {
			best = candidate
			bestLen = len(candidate.Path)
		}
	}
	if best != nil {
		cloned := *best
		cloned.LatencyMs = copyInt(best.LatencyMs)
		cloned.FailRate = copyFloat(best.FailRate)
		target.Endpoint = &cloned
	}
	return target, true
}

// hasPathPrefix checks a prefix match on a path boundary.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/'
}

// SnapshotStore keeps the latest Snapshot loaded from the database and swaps it atomically.
type SnapshotStore struct {
	db *gorm.DB

	refreshMu sync.Mutex
	version   uint64
	current   atomic.Pointer[Snapshot]
}

// NewSnapshotStore constructs a SnapshotStore seeded with an empty snapshot.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	s := &SnapshotStore{db: db}
	s.current.Store(NewSnapshot(0, nil, nil))
	return s
}

// Snapshot returns the current immutable snapshot.
func (s *SnapshotStore) Snapshot() *Snapshot {
	return s.current.Load()
}

// Refresh reloads all rows and publishes a new snapshot.
// Refreshes are serialized so a later refresh always reads a newer database state.
func (s *SnapshotStore) Refresh(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil snapshot store")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	var collections []models.Collection
	if errFind := s.db.WithContext(ctx).Find(&collections).Error; errFind != nil {
		return errFind
	}
	var endpoints []models.Endpoint
	if errFind := s.db.WithContext(ctx).Find(&endpoints).Error; errFind != nil {
		return errFind
	}

	s.version++
	s.current.Store(NewSnapshot(s.version, collections, endpoints))
	log.WithFields(log.Fields{
		"version":     s.version,
		"collections": len(collections),
		"endpoints":   len(endpoints),
	}).Debug("store: snapshot refreshed")
	return nil
}

// RefreshHook adapts Refresh to a ChangeHook that logs failures.
func (s *SnapshotStore) RefreshHook() ChangeHook {
	return func(ctx context.Context) {
		// The request context may already be cancelled once the write has committed.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if errRefresh := s.Refresh(refreshCtx); errRefresh != nil {
			log.WithError(errRefresh).Error("store: snapshot refresh failed")
		}
	}
}

// StaticStore serves a fixed snapshot.
type StaticStore struct {
	snap *Snapshot
}

// NewStaticStore wraps a snapshot in a ConfigStore.
func NewStaticStore(snap *Snapshot) *StaticStore {
	return &StaticStore{snap: snap}
}

// Snapshot returns the wrapped snapshot.
func (s *StaticStore) Snapshot() *Snapshot {
	return s.snap
}
