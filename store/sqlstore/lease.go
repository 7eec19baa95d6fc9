package sqlstore

import (
	"time"

	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/lib/harmony/harmonydb"
	"github.com/dsconnector/connector/store"
)

// LeaseContext takes and releases leases inside one transaction on behalf of
// one holder.
type LeaseContext struct {
	tx       *harmonydb.Tx
	holder   string
	duration time.Duration
	clock    clock.Clock
}

func NewLeaseContext(tx *harmonydb.Tx, holder string, duration time.Duration, clk clock.Clock) *LeaseContext {
	return &LeaseContext{tx: tx, holder: holder, duration: duration, clock: clk}
}

// AcquireLease leases id for the holder. A lease held by the same holder is
// renewed and an expired one is taken over; a live lease of another holder
// yields a *store.LeaseConflictError.
func (lc *LeaseContext) AcquireLease(id string) error {
	return lc.upsert(id, `ON CONFLICT (entity_id) DO UPDATE
			SET leased_by = EXCLUDED.leased_by, leased_at = EXCLUDED.leased_at, lease_duration = EXCLUDED.lease_duration
			WHERE connector_lease.leased_by = EXCLUDED.leased_by
			   OR connector_lease.leased_at + connector_lease.lease_duration < EXCLUDED.leased_at`)
}

// TakeLease leases id only if nobody, the holder included, has a live lease
// on it. Dequeueing uses it: a poll of the same holder that committed after
// our snapshot was taken must not be renewed over.
func (lc *LeaseContext) TakeLease(id string) error {
	return lc.upsert(id, `ON CONFLICT (entity_id) DO UPDATE
			SET leased_by = EXCLUDED.leased_by, leased_at = EXCLUDED.leased_at, lease_duration = EXCLUDED.lease_duration
			WHERE connector_lease.leased_at + connector_lease.lease_duration < EXCLUDED.leased_at`)
}

func (lc *LeaseContext) upsert(id, onConflict string) error {
	now := lc.clock.Now().UnixMilli()
	n, err := lc.tx.Exec(harmonydb.Dynamic(`INSERT INTO connector_lease (entity_id, leased_by, leased_at, lease_duration)
		VALUES ($1, $2, $3, $4)
		`+onConflict), id, lc.holder, now, lc.duration.Milliseconds())
	if err != nil {
		return xerrors.Errorf("acquiring lease on %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	l, err := lc.GetLease(id)
	if err != nil {
		return err
	}
	if l == nil {
		// released since the upsert, the caller retries on the next poll
		return &store.LeaseConflictError{EntityID: id}
	}
	return &store.LeaseConflictError{EntityID: id, LeasedBy: l.LeasedBy, LeasedAt: l.LeasedAt}
}

// BreakLease removes whatever lease exists on id. Callers break leases only
// after acquiring them or completing a save.
func (lc *LeaseContext) BreakLease(id string) error {
	_, err := lc.tx.Exec(`DELETE FROM connector_lease WHERE entity_id = $1`, id)
	if err != nil {
		return xerrors.Errorf("breaking lease on %s: %w", id, err)
	}
	return nil
}

// GetLease returns the lease on id regardless of holder and expiry, or nil.
func (lc *LeaseContext) GetLease(id string) (*store.Lease, error) {
	var rows []struct {
		EntityID      string `db:"entity_id"`
		LeasedBy      string `db:"leased_by"`
		LeasedAt      int64  `db:"leased_at"`
		LeaseDuration int64  `db:"lease_duration"`
	}
	err := lc.tx.Select(&rows, `SELECT entity_id, leased_by, leased_at, lease_duration FROM connector_lease WHERE entity_id = $1`, id)
	if err != nil {
		return nil, xerrors.Errorf("reading lease on %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &store.Lease{
		EntityID: rows[0].EntityID,
		LeasedBy: rows[0].LeasedBy,
		LeasedAt: rows[0].LeasedAt,
		Duration: time.Duration(rows[0].LeaseDuration) * time.Millisecond,
	}, nil
}
