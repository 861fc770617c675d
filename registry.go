package msgstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chinitadelrey/msgstore/utils"
)

// IndexReadiness is the lifecycle of a (store, index) pair. It only moves
// forward: Unregistered to Building to Ready. A failed build drops the pair
// back to Unregistered so a later ensure can retry from scratch.
type IndexReadiness uint8

const (
	IndexUnregistered IndexReadiness = iota
	IndexBuilding
	IndexReady
)

func (r IndexReadiness) String() string {
	switch r {
	case IndexUnregistered:
		return "unregistered"
	case IndexBuilding:
		return "building"
	case IndexReady:
		return "ready"
	default:
		return "unknown"
	}
}

type registryKey struct {
	store uuid.UUID
	index string
}

type indexEntry struct {
	state IndexReadiness
	done  chan struct{}
	err   error
}

// IndexRegistry tracks index readiness per store instance and makes sure a
// given index is built at most once at a time, no matter how many goroutines
// ask for it. The mutex only guards the table itself; builds run outside it.
type IndexRegistry struct {
	mu      sync.Mutex
	entries map[registryKey]*indexEntry
	log     utils.Logger
}

func NewIndexRegistry(log utils.Logger) *IndexRegistry {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return &IndexRegistry{
		entries: make(map[registryKey]*indexEntry),
		log:     log,
	}
}

// DefaultRegistry serves the common case of one registry per process.
var DefaultRegistry = NewIndexRegistry(nil)

// Readiness reports the current state of an index on a store.
func (r *IndexRegistry) Readiness(s *Store, name string) IndexReadiness {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[registryKey{s.ID(), name}]
	if e == nil {
		return IndexUnregistered
	}
	return e.state
}

// EnsureIndexAsync makes sure the index will become ready without blocking
// the caller. Idempotent: if the index is Ready or a build is already in
// flight this returns immediately. A build failure is logged and the index
// stays unusable, so queries against it yield nothing rather than crash.
func (r *IndexRegistry) EnsureIndexAsync(s *Store, def IndexDefinition) {
	r.ensure(s, def)
}

// EnsureIndexBlocking is EnsureIndexAsync that waits for readiness. It joins
// an in-flight build instead of starting a second one, and surfaces the
// build error. Meant for test setup.
func (r *IndexRegistry) EnsureIndexBlocking(s *Store, def IndexDefinition) error {
	e := r.ensure(s, def)
	<-e.done
	if e.err != nil {
		return errors.Join(ErrIndexBuildFailed, e.err)
	}
	return nil
}

func (r *IndexRegistry) ensure(s *Store, def IndexDefinition) *indexEntry {
	k := registryKey{s.ID(), def.Name}
	r.mu.Lock()
	e := r.entries[k]
	if e != nil && e.state != IndexUnregistered {
		r.mu.Unlock()
		return e
	}
	reason := "unregistered"
	if e != nil {
		reason = "retry"
	}
	e = &indexEntry{state: IndexBuilding, done: make(chan struct{})}
	r.entries[k] = e
	r.mu.Unlock()

	if s.hasReadyMarker(def) {
		// built in a previous process lifetime, same shape: no rescan
		s.activateIndex(def)
		r.complete(s, def, e, nil)
		return e
	}
	IndexBuildCount.WithLabelValues(def.Name, reason).Inc()
	go r.build(s, def, e)
	return e
}

func (r *IndexRegistry) build(s *Store, def IndexDefinition, e *indexEntry) {
	start := time.Now()
	ctx := utils.WithDefaultArgs(context.Background(),
		"index", def.Name, "store", s.ID().String())
	err := s.buildIndex(def)
	if err != nil {
		IndexBuildResults.WithLabelValues(def.Name, "error").Inc()
		r.log.ErrorCtx(ctx, "index build failed", "err", err)
	} else {
		IndexBuildResults.WithLabelValues(def.Name, "success").Inc()
		IndexBuildDuration.WithLabelValues(def.Name).Observe(time.Since(start).Seconds())
		r.log.DebugCtx(ctx, "index build complete", "took", time.Since(start))
	}
	r.complete(s, def, e, err)
}

func (r *IndexRegistry) complete(s *Store, def IndexDefinition, e *indexEntry, err error) {
	// flip the store-side flag before releasing waiters so the first
	// enumeration after the completion signal already sees a usable index
	if err != nil {
		s.deactivateIndex(def.Name)
	} else {
		s.setIndexReady(def.Name)
	}
	r.mu.Lock()
	if err != nil {
		e.state = IndexUnregistered
		e.err = err
	} else {
		e.state = IndexReady
	}
	close(e.done)
	r.mu.Unlock()
	IndexReadinessStates.WithLabelValues(def.Name).Set(float64(e.state))
}
