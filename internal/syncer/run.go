package syncer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mjherich/gmail-to-sqlite/internal/store"
)

// Mode selects between a complete enumeration and a changes-since pass.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// maxRunErrors bounds the per-item error list kept for reporting. Every
// failure still counts; only the detail list is capped.
const maxRunErrors = 25

// ItemError is one per-message failure.
type ItemError struct {
	MessageID string `json:"message_id"`
	Cause     string `json:"cause"`
}

// Run accumulates the counters of one sync invocation. All record methods
// are safe for concurrent use by the fetch workers.
type Run struct {
	ID        string
	Mode      Mode
	StartedAt time.Time

	mu        sync.Mutex
	fetched   int64
	inserted  int64
	updated   int64
	failed    int64
	deleted   int64
	cancelled bool
	errors    []ItemError
}

func newRun(mode Mode) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now(),
	}
}

func (r *Run) recordSuccess(res store.UpsertResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched++
	if res == store.Inserted {
		r.inserted++
	} else {
		r.updated++
	}
}

func (r *Run) recordFailure(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	if len(r.errors) < maxRunErrors {
		r.errors = append(r.errors, ItemError{MessageID: id, Cause: err.Error()})
	}
}

func (r *Run) recordDeleted(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted += n
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *Run) setMode(mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Mode = mode
}

// Summary is an immutable snapshot of a run, used for reporting and the
// status API.
type Summary struct {
	ID        string      `json:"id"`
	Mode      Mode        `json:"mode"`
	StartedAt time.Time   `json:"started_at"`
	Fetched   int64       `json:"fetched"`
	Inserted  int64       `json:"inserted"`
	Updated   int64       `json:"updated"`
	Failed    int64       `json:"failed"`
	Deleted   int64       `json:"deleted"`
	Cancelled bool        `json:"cancelled"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Summary returns a consistent snapshot of the run counters.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := make([]ItemError, len(r.errors))
	copy(errs, r.errors)
	return Summary{
		ID:        r.ID,
		Mode:      r.Mode,
		StartedAt: r.StartedAt,
		Fetched:   r.fetched,
		Inserted:  r.inserted,
		Updated:   r.updated,
		Failed:    r.failed,
		Deleted:   r.deleted,
		Cancelled: r.cancelled,
		Errors:    errs,
	}
}

func (r *Run) counts() (fetched, failed int64, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched, r.failed, r.cancelled
}
