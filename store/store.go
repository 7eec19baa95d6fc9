// Package store defines the persistence contract for stateful entities: point
// lookups, lease-guarded writes, lease-acquiring batch dequeue and queries.
package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/entity"
)

var (
	// ErrNotFound is returned by services addressing an entity which does
	// not exist.
	// Lookups report absence with a nil entity instead.
	ErrNotFound = xerrors.New("entity not found")

	// ErrLeaseConflict is matched by every *LeaseConflictError.
	ErrLeaseConflict = xerrors.New("entity is leased by another holder")

	// ErrConflict is returned when a write violates a business rule of the
	// store, e.g. deleting a negotiation with an attached agreement.
	ErrConflict = xerrors.New("store conflict")
)

// LeaseConflictError reports who holds the lease that blocked an operation.
type LeaseConflictError struct {
	EntityID string
	LeasedBy string
	LeasedAt int64
}

func (e *LeaseConflictError) Error() string {
	return fmt.Sprintf("entity %s is leased by %s since %d", e.EntityID, e.LeasedBy, e.LeasedAt)
}

func (e *LeaseConflictError) Is(target error) bool {
	return target == ErrLeaseConflict
}

// IsPersistence reports whether err is a storage failure rather than one of
// the business outcomes a caller can act upon.
func IsPersistence(err error) bool {
	if err == nil {
		return false
	}
	return !xerrors.Is(err, ErrNotFound) && !xerrors.Is(err, ErrLeaseConflict) && !xerrors.Is(err, ErrConflict)
}

// Store persists entities of type T, which is always a pointer type. Every
// entity handed out is a private copy.
type Store[T entity.Entity] interface {
	// FindByID returns the entity or a nil T if it does not exist. It has no
	// lease side effects.
	FindByID(ctx context.Context, id string) (T, error)

	// Save inserts a new entity, or overwrites an existing one after
	// acquiring its lease for this store's holder. The lease is broken as
	// part of the same operation. Save stamps e as described by Stamp.
	Save(ctx context.Context, e T) error

	// BreakLease releases this holder's lease on id without writing the
	// entity. Absent or expired leases are not an error; a live lease of
	// another holder is a *LeaseConflictError.
	BreakLease(ctx context.Context, id string) error

	// Delete removes the entity and its lease. Unknown ids are not an error.
	// It fails with ErrLeaseConflict if someone else holds the lease, and with
	// ErrConflict if a guard refuses.
	Delete(ctx context.Context, id string) error

	// NextNotLeased leases and returns up to max non-pending entities
	// matching criteria whose lease is absent or expired, oldest state
	// timestamp first.
	NextNotLeased(ctx context.Context, max int, criteria ...Criterion) ([]T, error)

	// NextForState is NextNotLeased for entities in state.
	NextForState(ctx context.Context, state int, max int) ([]T, error)

	// Query filters, sorts and pages over all entities.
	Query(ctx context.Context, spec QuerySpec) ([]T, error)
}

// Stamp prepares e for being written over prev, which is nil for an insert.
// Saving in the state prev is in counts one more attempt in that state, any
// other state starts over at one. The state timestamp and the update time
// move to now on every save.
func Stamp(e, prev *entity.StatefulEntity, now time.Time) {
	ms := now.UnixMilli()
	switch {
	case prev == nil:
		if e.StateCount < 1 {
			e.StateCount = 1
		}
		if e.CreatedAt == 0 {
			e.CreatedAt = ms
		}
	case prev.State == e.State:
		e.StateCount = prev.StateCount + 1
		e.CreatedAt = prev.CreatedAt
	default:
		e.StateCount = 1
		e.CreatedAt = prev.CreatedAt
	}
	e.StateTimestamp = ms
	e.UpdatedAt = ms
}

// Lease is an exclusive, time-bounded claim on an entity id.
type Lease struct {
	EntityID string
	LeasedBy string
	LeasedAt int64 // epoch millis
	Duration time.Duration
}

// Expired reports whether more than the lease duration has passed since the
// lease was taken.
func (l Lease) Expired(now time.Time) bool {
	return now.UnixMilli()-l.LeasedAt > l.Duration.Milliseconds()
}

// Config is shared by the store implementations.
type Config struct {
	// Name tags logs and metrics, e.g. "negotiations".
	Name string

	// Holder is written into every lease taken through the store.
	Holder string

	LeaseDuration time.Duration

	// Clock defaults to build.Clock.
	Clock clock.Clock
}

// DefaultLeaseDuration applies when Config.LeaseDuration is zero.
const DefaultLeaseDuration = 60 * time.Second

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Holder == "" {
		c.Holder = DefaultHolder()
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.Clock == nil {
		c.Clock = build.Clock
	}
	return c
}

// DefaultHolder identifies this process as "<hostname>-<pid>".
func DefaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Guards hook entity-specific rules into the generic stores. They run inside
// the store's critical section.
type Guards[T entity.Entity] struct {
	// BeforeSave sees the stored entity (nil T when new) and the one being
	// saved.
	BeforeSave func(old, updated T) error

	// BeforeDelete may refuse deleting e.
	BeforeDelete func(e T) error
}
