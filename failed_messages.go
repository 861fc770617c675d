package msgstore

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/chinitadelrey/msgstore/utils"
)

// JobPhase is where a FailedMessagesJob run currently is. Phases only move
// forward within a run; a fresh Run starts over from IndexPending.
type JobPhase int32

const (
	JobIdle JobPhase = iota
	JobIndexPending
	JobScanning
	JobCommitting
	JobDone
	JobFailed
)

func (p JobPhase) String() string {
	switch p {
	case JobIdle:
		return "idle"
	case JobIndexPending:
		return "index_pending"
	case JobScanning:
		return "scanning"
	case JobCommitting:
		return "committing"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type JobOptions struct {
	// Registry defaults to DefaultRegistry.
	Registry *IndexRegistry
	Logger   utils.Logger
	// SendActive reports whether a send attempt for the message is still in
	// flight. Such messages are left alone. Nil means no attempt is active,
	// which is the case when the job runs at startup.
	SendActive func(id uint64) bool
}

// FailedMessagesJob finds outgoing messages whose send never reached a
// terminal state, typically because the process died mid-send, and marks
// them Failed so nothing stays visibly "sending" forever. Safe to run any
// number of times: already-terminal messages are never matched again.
type FailedMessagesJob struct {
	store      *Store
	registry   *IndexRegistry
	log        utils.Logger
	sendActive func(id uint64) bool
	phase      atomic.Int32

	// test hook, simulates a commit failure
	precommit func() error
}

func NewFailedMessagesJob(store *Store, opts JobOptions) *FailedMessagesJob {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = store.log
	}
	return &FailedMessagesJob{
		store:      store,
		registry:   opts.Registry,
		log:        opts.Logger,
		sendActive: opts.SendActive,
	}
}

func (j *FailedMessagesJob) Phase() JobPhase {
	return JobPhase(j.phase.Load())
}

// Run waits for the delivery-state index to be ready, then scans and
// transitions stale sending messages in a single transaction. Returns how
// many messages were moved to Failed.
func (j *FailedMessagesJob) Run(ctx context.Context) (int, error) {
	j.phase.Store(int32(JobIndexPending))
	e := j.registry.ensure(j.store, StateIndex)
	<-e.done
	if e.err != nil {
		j.phase.Store(int32(JobFailed))
		ReconcileRuns.WithLabelValues("index_build_failed").Inc()
		return 0, errors.Join(ErrIndexBuildFailed, e.err)
	}
	return j.scan(ctx)
}

// RunAsync is the production entry point: fire and forget. The index is
// ensured on the calling goroutine, the scan runs as a continuation once the
// build signal fires, and the outcome is logged.
func (j *FailedMessagesJob) RunAsync(ctx context.Context) {
	j.phase.Store(int32(JobIndexPending))
	e := j.registry.ensure(j.store, StateIndex)
	go func() {
		<-e.done
		if e.err != nil {
			// fail-soft: stale messages stay visible until next launch
			j.phase.Store(int32(JobFailed))
			ReconcileRuns.WithLabelValues("index_build_failed").Inc()
			j.log.ErrorCtx(ctx, "failed-messages job skipped, index unusable", "err", e.err)
			return
		}
		n, err := j.scan(ctx)
		if err != nil {
			j.log.ErrorCtx(ctx, "failed-messages job aborted", "err", err)
			return
		}
		j.log.InfoCtx(ctx, "failed-messages job done", "transitioned", n)
	}()
}

func (j *FailedMessagesJob) scan(ctx context.Context) (int, error) {
	ctx = utils.WithDefaultArgs(ctx, "job", "failed_messages", "store", j.store.ID().String())
	j.phase.Store(int32(JobScanning))
	tx, err := j.store.Begin()
	if err != nil {
		j.phase.Store(int32(JobFailed))
		ReconcileRuns.WithLabelValues("error").Inc()
		return 0, err
	}
	defer tx.Close()

	n := 0
	for m := range tx.MessagesInState(StateSending) {
		if m.Direction != DirectionOutgoing {
			// inbound messages never legitimately carry this state
			continue
		}
		if j.sendActive != nil && j.sendActive(m.ID) {
			continue
		}
		m.State = StateFailed
		if _, err = tx.Put(m); err != nil {
			j.phase.Store(int32(JobFailed))
			ReconcileRuns.WithLabelValues("error").Inc()
			return 0, err
		}
		n++
	}

	j.phase.Store(int32(JobCommitting))
	if j.precommit != nil {
		if err = j.precommit(); err != nil {
			j.phase.Store(int32(JobFailed))
			ReconcileRuns.WithLabelValues("tx_failed").Inc()
			return 0, errors.Join(ErrTxFailed, err)
		}
	}
	if err = tx.Commit(); err != nil {
		j.phase.Store(int32(JobFailed))
		ReconcileRuns.WithLabelValues("tx_failed").Inc()
		return 0, errors.Join(ErrTxFailed, err)
	}
	j.phase.Store(int32(JobDone))
	ReconcileRuns.WithLabelValues("success").Inc()
	ReconcileTransitioned.Add(float64(n))
	if n > 0 {
		j.log.InfoCtx(ctx, "marked stale sending messages as failed", "count", n)
	}
	return n, nil
}

// BlockingRegisterStoreExtensions registers the job's index synchronously.
// Lets a test build a store, force the index, then Run and assert without
// racing a background build.
func (j *FailedMessagesJob) BlockingRegisterStoreExtensions() error {
	return j.registry.EnsureIndexBlocking(j.store, StateIndex)
}

// AsyncRegisterStoreExtensions pre-warms the job's index at application
// launch, independently of any job being scheduled.
func AsyncRegisterStoreExtensions(s *Store) {
	DefaultRegistry.EnsureIndexAsync(s, StateIndex)
}
