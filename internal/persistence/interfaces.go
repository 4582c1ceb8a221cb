// Package persistence defines the durable-state contract of the engine:
// positions, pyramid metadata, the portfolio aggregate, the signal audit
// log and the HA instance table. PostgreSQL is the production backend.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/quantarch/pyramid/internal/domain"
)

var (
	// ErrNotFound reports a missing row where one was expected.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict reports a lost optimistic-lock race: the row's
	// version moved since the caller loaded it.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicate reports a unique-constraint violation.
	ErrDuplicate = errors.New("duplicate")
)

// PositionStore persists position legs. The in-memory book is the
// version authority: the store accepts only forward version movement.
type PositionStore interface {
	// SavePosition inserts a new leg at its current version.
	SavePosition(ctx context.Context, p *domain.Position) error

	// UpdatePosition writes the leg if the stored version is older than
	// p.Version. ErrVersionConflict means another writer is ahead.
	UpdatePosition(ctx context.Context, p *domain.Position) error

	// GetOpenPositions returns every open leg, base legs first.
	GetOpenPositions(ctx context.Context) ([]domain.Position, error)
}

// PyramidStore persists per-instrument scale-in metadata.
type PyramidStore interface {
	SavePyramidState(ctx context.Context, ps *domain.PyramidState) error
	DeletePyramidState(ctx context.Context, instrument domain.Instrument) error
	GetPyramidStates(ctx context.Context) ([]domain.PyramidState, error)
}

// AggregateStore persists the singleton portfolio summary.
type AggregateStore interface {
	// SavePortfolioAggregate writes the summary under the same
	// forward-only version protocol as positions.
	SavePortfolioAggregate(ctx context.Context, agg *domain.PortfolioAggregate) error
	GetPortfolioAggregate(ctx context.Context) (*domain.PortfolioAggregate, error)
}

// SignalLog is the append-mostly audit trail and the dedup source of truth.
type SignalLog interface {
	// LogSignal appends the audit row. A fingerprint collision inside the
	// unique window surfaces as ErrDuplicate.
	LogSignal(ctx context.Context, entry *domain.SignalLogEntry) error

	// UpdateSignalStatus moves an audit row to its terminal status.
	UpdateSignalStatus(ctx context.Context, fingerprint string, status domain.SignalStatus, result string) error

	// IsDuplicateFingerprint reports whether the fingerprint was already
	// logged within the dedup window.
	IsDuplicateFingerprint(ctx context.Context, fingerprint string, window time.Duration) (bool, error)

	// PruneSignalLog deletes audit rows older than the retention period
	// and reports how many went.
	PruneSignalLog(ctx context.Context, retention time.Duration) (int64, error)
}

// InstanceStore backs the HA heartbeat and leadership audit tables.
type InstanceStore interface {
	UpsertHeartbeat(ctx context.Context, meta *domain.InstanceMetadata) error

	// SetLeaderFlag flips is_leader for one instance.
	SetLeaderFlag(ctx context.Context, instanceID string, isLeader bool, at time.Time) error

	// FreshLeaders lists instances claiming leadership with a heartbeat
	// newer than the freshness window. More than one is a split brain.
	FreshLeaders(ctx context.Context, freshWithin time.Duration) ([]domain.InstanceMetadata, error)

	// RecordLeadershipAcquired appends a leadership_history row.
	RecordLeadershipAcquired(ctx context.Context, instanceID, hostname string, at time.Time) error

	// RecordLeadershipReleased closes the open leadership_history row.
	RecordLeadershipReleased(ctx context.Context, instanceID string, at time.Time) error
}

// Store is the full durable-state surface the engine wires against.
type Store interface {
	PositionStore
	PyramidStore
	AggregateStore
	SignalLog
	InstanceStore

	// Ping verifies database reachability for readiness checks.
	Ping(ctx context.Context) error

	Close() error
}
