// Package syncer drives one mailbox synchronization pass end to end: it
// plans full vs. incremental mode from the stored checkpoint, streams
// identifiers from the remote source into a bounded worker pool, writes
// records idempotently, reconciles remote deletions on full passes and
// commits the checkpoint only after every record write of the pass has
// settled.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjherich/gmail-to-sqlite/internal/gmail"
	"github.com/mjherich/gmail-to-sqlite/internal/store"
)

// Source is the remote message source the engine pulls from.
// gmail.Client is the production implementation.
type Source interface {
	// ListChanged streams identifiers changed since the cursor (all of
	// them when since is empty) and returns the cursor to commit for
	// this pass. Returns gmail.ErrCursorExpired for a stale cursor.
	ListChanged(ctx context.Context, since string, out chan<- string) (string, error)
	// ListAllIDs enumerates the complete current remote set.
	ListAllIDs(ctx context.Context, out chan<- string) error
	// Fetch retrieves one full message as a storage record.
	Fetch(ctx context.Context, id string) (*store.MessageRecord, error)
}

// Options tunes one Syncer. Zero values fall back to defaults.
type Options struct {
	Account              string
	Workers              int
	QueueSize            int
	MaxRetries           int
	RetryBase            time.Duration
	FailureRateThreshold float64
	// MinFailuresForAbort keeps tiny runs from tripping the rate policy
	// on a single bad message.
	MinFailuresForAbort int64
	// EmitEvents enables message.indexed outbox events.
	EmitEvents bool
}

const (
	defaultWorkers          = 16
	defaultFailureThreshold = 0.5
	defaultMinFailures      = 10
	deleteBatchSize         = 500
)

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 2 * o.Workers
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.FailureRateThreshold <= 0 {
		o.FailureRateThreshold = defaultFailureThreshold
	}
	if o.MinFailuresForAbort <= 0 {
		o.MinFailuresForAbort = defaultMinFailures
	}
	return o
}

// ErrRunAborted is returned when the failure rate breached the abort
// threshold and the run was abandoned without a cursor advance.
var ErrRunAborted = errors.New("sync run aborted: failure rate over threshold")

// Syncer owns one account's sync engine.
type Syncer struct {
	source Source
	store  *store.Store
	log    *zap.Logger
	opts   Options
}

// New builds a Syncer. The store handle is shared with the fetch workers;
// the checkpoint row is written by the orchestrator only.
func New(source Source, st *store.Store, log *zap.Logger, opts Options) *Syncer {
	return &Syncer{
		source: source,
		store:  st,
		log:    log,
		opts:   opts.withDefaults(),
	}
}

// passResult carries the outcome of one listing+fetching pass.
type passResult struct {
	next      string          // cursor returned by the listing
	seen      map[string]bool // every identifier the listing produced
	completed bool            // enumeration finished without cancellation
	err       error
}

// Sync runs one synchronization pass. Mode is full when forced by the
// caller, when no cursor exists yet, or when the remote rejects the stored
// cursor as expired. The returned Run is valid even when err is non-nil.
func (s *Syncer) Sync(ctx context.Context, full bool) (*Run, error) {
	cp, err := s.store.Checkpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	mode := ModeIncremental
	since := cp.Cursor
	if full || cp.Cursor == "" {
		mode = ModeFull
		since = ""
	}

	run := newRun(mode)
	s.log.Info("sync starting",
		zap.String("run_id", run.ID),
		zap.String("mode", string(mode)),
		zap.String("cursor", since),
		zap.Int("workers", s.opts.Workers))

	pass := s.fetchPass(ctx, run, since)
	if mode == ModeIncremental && errors.Is(pass.err, gmail.ErrCursorExpired) {
		s.log.Warn("cursor rejected by remote, falling back to full sync",
			zap.String("run_id", run.ID), zap.String("cursor", since))
		mode = ModeFull
		run.setMode(ModeFull)
		pass = s.fetchPass(ctx, run, "")
	}

	cancelled := ctx.Err() != nil
	if pass.err != nil && !errors.Is(pass.err, context.Canceled) && !cancelled {
		// The listing itself broke; nothing trustworthy to advance to.
		cp.LastRunStatus = store.StatusFailed
		if cerr := s.store.SetCheckpoint(ctx, cp); cerr != nil {
			return run, fmt.Errorf("commit checkpoint after listing failure: %w", cerr)
		}
		return run, fmt.Errorf("list changed messages: %w", pass.err)
	}

	fetched, failed, _ := run.counts()
	aborted := s.overFailureThreshold(fetched, failed)
	if aborted {
		cp.LastRunStatus = store.StatusFailed
		if cerr := s.store.SetCheckpoint(context.WithoutCancel(ctx), cp); cerr != nil {
			return run, fmt.Errorf("commit checkpoint after abort: %w", cerr)
		}
		s.log.Error("sync abandoned",
			zap.String("run_id", run.ID),
			zap.Int64("fetched", fetched),
			zap.Int64("failed", failed))
		return run, ErrRunAborted
	}

	// Deletion reconciliation needs a complete remote enumeration, so it
	// only ever runs on an undisturbed full pass.
	if mode == ModeFull && pass.completed && !cancelled {
		deleted, derr := s.markAbsent(ctx, pass.seen)
		if derr != nil && !errors.Is(derr, context.Canceled) {
			s.log.Error("deletion reconciliation failed", zap.String("run_id", run.ID), zap.Error(derr))
		}
		run.recordDeleted(deleted)
	}

	if cancelled {
		run.markCancelled()
	}

	// Commit: exactly once, after every record write of the pass settled.
	// The cursor advances only when enumeration completed un-cancelled, and
	// never backwards.
	commitCtx := context.WithoutCancel(ctx)
	_, failed, _ = run.counts()
	status := store.StatusClean
	if cancelled || failed > 0 {
		status = store.StatusPartial
	}

	next := cp
	next.LastRunStatus = status
	if pass.completed && !cancelled && cursorAdvances(cp.Cursor, pass.next) {
		next.Cursor = pass.next
		if mode == ModeFull {
			next.LastFullSyncAt = time.Now()
		}
	}
	if err := s.store.SetCheckpoint(commitCtx, next); err != nil {
		return run, fmt.Errorf("commit checkpoint: %w", err)
	}

	sum := run.Summary()
	s.log.Info("sync finished",
		zap.String("run_id", run.ID),
		zap.String("mode", string(mode)),
		zap.String("status", string(status)),
		zap.Int64("fetched", sum.Fetched),
		zap.Int64("inserted", sum.Inserted),
		zap.Int64("updated", sum.Updated),
		zap.Int64("failed", sum.Failed),
		zap.Int64("deleted", sum.Deleted),
		zap.String("cursor", next.Cursor))
	return run, nil
}

// fetchPass pipelines listing and fetching: the producer streams ids from
// the source into a bounded queue while the worker pool drains it. It only
// returns after every worker has exited, which is the barrier the commit
// step relies on.
func (s *Syncer) fetchPass(ctx context.Context, run *Run, since string) passResult {
	listed := make(chan string)
	queue := make(chan string, s.opts.QueueSize)
	seen := make(map[string]bool)

	type listOutcome struct {
		next string
		err  error
	}
	listDone := make(chan listOutcome, 1)

	go func() {
		next, err := s.source.ListChanged(ctx, since, listed)
		close(listed)
		listDone <- listOutcome{next: next, err: err}
	}()

	// Forwarder records every listed id before it reaches the pool, so the
	// reconciler later knows the full enumerated set. The send blocks when
	// the queue is full; that backpressure is what keeps huge mailboxes
	// from ballooning memory.
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		defer close(queue)
		for id := range listed {
			seen[id] = true
			select {
			case queue <- id:
			case <-ctx.Done():
				// Keep draining so the producer can exit.
				for range listed {
				}
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, run, queue)
		}()
	}
	wg.Wait()
	<-fwdDone

	outcome := <-listDone
	return passResult{
		next:      outcome.next,
		seen:      seen,
		completed: outcome.err == nil,
		err:       outcome.err,
	}
}

// worker pulls identifiers until the queue closes or cancellation is
// requested. A single item's failure is recorded and never stops siblings.
func (s *Syncer) worker(ctx context.Context, run *Run, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			run.markCancelled()
			return
		case id, ok := <-queue:
			if !ok {
				return
			}
			if err := s.processOne(ctx, run, id); err != nil {
				if ctx.Err() != nil {
					// Shutdown broke the item, not the item itself;
					// the next run re-fetches it.
					run.markCancelled()
					return
				}
				run.recordFailure(id, err)
				s.log.Warn("message sync failed",
					zap.String("run_id", run.ID),
					zap.String("message_id", id),
					zap.Error(err))
			}
		}
	}
}

func (s *Syncer) processOne(ctx context.Context, run *Run, id string) error {
	rec, err := s.fetchWithRetry(ctx, id)
	if err != nil {
		return err
	}

	res, err := s.store.UpsertMessage(ctx, rec)
	if err != nil {
		if store.IsConstraintViolation(err) {
			// A transform bug, not a transient condition. Report, skip.
			s.log.Error("record rejected by store",
				zap.String("message_id", id), zap.Error(err))
		}
		return err
	}
	run.recordSuccess(res)

	if s.opts.EmitEvents {
		if err := s.enqueueIndexed(ctx, rec); err != nil {
			s.log.Warn("failed to enqueue indexed event",
				zap.String("message_id", id), zap.Error(err))
		}
	}
	return nil
}

// fetchWithRetry retries transient fetch failures with exponential backoff
// and jitter. Permanent failures return immediately.
func (s *Syncer) fetchWithRetry(ctx context.Context, id string) (*store.MessageRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(s.opts.RetryBase, attempt-1)); err != nil {
				return nil, lastErr
			}
		}
		rec, err := s.source.Fetch(ctx, id)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !gmail.IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("gave up after %d retries: %w", s.opts.MaxRetries, lastErr)
}

// markAbsent flags stored non-deleted messages missing from the fresh
// remote enumeration.
func (s *Syncer) markAbsent(ctx context.Context, remote map[string]bool) (int64, error) {
	var absent []string
	err := s.store.ForEachKnownID(ctx, false, func(id string) error {
		if !remote[id] {
			absent = append(absent, id)
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}

	var total int64
	for start := 0; start < len(absent); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(absent) {
			end = len(absent)
		}
		n, err := s.store.MarkDeleted(ctx, absent[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Syncer) overFailureThreshold(fetched, failed int64) bool {
	if failed < s.opts.MinFailuresForAbort {
		return false
	}
	attempted := fetched + failed
	return float64(failed)/float64(attempted) > s.opts.FailureRateThreshold
}

// cursorAdvances reports whether next may replace current. History IDs are
// numeric and only ever move forward; a regression means the pass raced an
// older listing and must not be committed.
func cursorAdvances(current, next string) bool {
	if next == "" {
		return false
	}
	if current == "" {
		return true
	}
	cur, err1 := strconv.ParseUint(current, 10, 64)
	nxt, err2 := strconv.ParseUint(next, 10, 64)
	if err1 != nil || err2 != nil {
		return true
	}
	return nxt >= cur
}

// SyncOne fetches and upserts a single message for targeted repair. It
// never touches the checkpoint or reconciliation.
func (s *Syncer) SyncOne(ctx context.Context, id string) error {
	rec, err := s.fetchWithRetry(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", id, err)
	}
	res, err := s.store.UpsertMessage(ctx, rec)
	if err != nil {
		return fmt.Errorf("store message %s: %w", id, err)
	}
	s.log.Info("message synced",
		zap.String("message_id", id),
		zap.String("result", res.String()))
	return nil
}

// SyncDeleted runs a standalone deletion reconciliation pass against a
// fresh complete remote enumeration. Returns the number of messages newly
// flagged deleted.
func (s *Syncer) SyncDeleted(ctx context.Context) (int64, error) {
	remote := make(map[string]bool)
	ids := make(chan string, s.opts.QueueSize)
	listErr := make(chan error, 1)

	go func() {
		listErr <- s.source.ListAllIDs(ctx, ids)
		close(ids)
	}()
	for id := range ids {
		remote[id] = true
	}
	if err := <-listErr; err != nil {
		return 0, fmt.Errorf("list remote ids: %w", err)
	}

	n, err := s.markAbsent(ctx, remote)
	if err != nil {
		return n, fmt.Errorf("mark deleted: %w", err)
	}
	s.log.Info("deletion reconciliation finished", zap.Int64("marked", n))
	return n, nil
}

// enqueueIndexed writes a message.indexed event into the outbox, keyed so
// repeated upserts of the same message do not duplicate events.
func (s *Syncer) enqueueIndexed(ctx context.Context, rec *store.MessageRecord) error {
	payload, err := json.Marshal(map[string]any{
		"message_id": rec.MessageID,
		"thread_id":  rec.ThreadID,
		"subject":    rec.Subject,
		"sender":     rec.Sender,
		"timestamp":  rec.Timestamp.Unix(),
		"labels":     rec.Labels,
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("account.%s.message.indexed", s.opts.Account)
	msgID := fmt.Sprintf("message.indexed|%s|%d", rec.MessageID, rec.Timestamp.Unix())
	return s.store.EnqueueIndexed(ctx, subject, "message.indexed", payload, msgID)
}
