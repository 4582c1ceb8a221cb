// Package postgres is the production persistence.Store. All writes are
// single statements or short transactions under READ COMMITTED; the
// optimistic version column arbitrates concurrent writers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/persistence"
)

// Store implements persistence.Store on PostgreSQL.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  zerolog.Logger
}

// New wraps an open pool. The timeout bounds each statement.
func New(db *sqlx.DB, timeout time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		db:      db,
		timeout: timeout,
		logger:  logger.With().Str("component", "postgres").Logger(),
	}
}

// Open connects and configures the pool.
func Open(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	return db, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// isUniqueViolation matches the Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// SavePosition inserts a new leg at its in-memory version. The book is
// the version authority; the store just records it.
func (s *Store) SavePosition(ctx context.Context, p *domain.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO positions (
			id, instrument, slot, is_base_position,
			entry_price, initial_stop, current_stop, highest_close,
			lots, entry_atr, pe_leg_entry, ce_leg_entry,
			status, opened_at, closed_at, realized_pnl, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Instrument, p.Slot, p.IsBasePosition,
		p.EntryPrice, p.InitialStop, p.CurrentStop, p.HighestClose,
		p.Lots, p.EntryATR, p.PELegEntry, p.CELegEntry,
		p.Status, p.OpenedAt, p.ClosedAt, p.RealizedPnL, p.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: %w", p.ID, persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert position %s: %w", p.ID, err)
	}
	return nil
}

// UpdatePosition writes the leg if the stored row is older than the
// in-memory copy. A stored version at or past p.Version means another
// writer got there first.
func (s *Store) UpdatePosition(ctx context.Context, p *domain.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE positions SET
			current_stop = $1, highest_close = $2, lots = $3,
			status = $4, closed_at = $5, realized_pnl = $6,
			version = $7
		WHERE id = $8 AND version < $7`

	res, err := s.db.ExecContext(ctx, query,
		p.CurrentStop, p.HighestClose, p.Lots,
		p.Status, p.ClosedAt, p.RealizedPnL,
		p.Version, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", p.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for %s: %w", p.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("position %s at version %d: %w", p.ID, p.Version, persistence.ErrVersionConflict)
	}
	return nil
}

// GetOpenPositions returns every open leg, base legs first within an
// instrument, in entry order.
func (s *Store) GetOpenPositions(ctx context.Context) ([]domain.Position, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, instrument, slot, is_base_position,
		       entry_price, initial_stop, current_stop, highest_close,
		       lots, entry_atr, pe_leg_entry, ce_leg_entry,
		       status, opened_at, closed_at, realized_pnl, version
		FROM positions
		WHERE status = 'open'
		ORDER BY instrument, is_base_position DESC, opened_at`

	var positions []domain.Position
	if err := s.db.SelectContext(ctx, &positions, query); err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}
	return positions, nil
}

// SavePyramidState upserts the per-instrument scale-in row.
func (s *Store) SavePyramidState(ctx context.Context, ps *domain.PyramidState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO pyramid_state (instrument, last_pyramid_price, base_position_id, pyramid_count, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instrument) DO UPDATE SET
			last_pyramid_price = EXCLUDED.last_pyramid_price,
			base_position_id = EXCLUDED.base_position_id,
			pyramid_count = EXCLUDED.pyramid_count,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		ps.Instrument, ps.LastPyramidPrice, ps.BasePositionID, ps.PyramidCount, ps.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save pyramid state for %s: %w", ps.Instrument, err)
	}
	return nil
}

// DeletePyramidState removes the row when an instrument goes flat.
func (s *Store) DeletePyramidState(ctx context.Context, instrument domain.Instrument) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM pyramid_state WHERE instrument = $1`, instrument)
	if err != nil {
		return fmt.Errorf("failed to delete pyramid state for %s: %w", instrument, err)
	}
	return nil
}

// GetPyramidStates loads all scale-in rows.
func (s *Store) GetPyramidStates(ctx context.Context) ([]domain.PyramidState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT instrument, last_pyramid_price, base_position_id, pyramid_count, updated_at
		FROM pyramid_state ORDER BY instrument`

	var states []domain.PyramidState
	if err := s.db.SelectContext(ctx, &states, query); err != nil {
		return nil, fmt.Errorf("failed to load pyramid states: %w", err)
	}
	return states, nil
}

// SavePortfolioAggregate upserts the singleton summary row, refusing to
// move it backwards: a stored version at or past agg.Version means a
// newer writer already synced.
func (s *Store) SavePortfolioAggregate(ctx context.Context, agg *domain.PortfolioAggregate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO portfolio_aggregate (
			id, initial_capital, closed_equity,
			total_risk_amount, total_vol_amount, margin_used,
			version, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			initial_capital = EXCLUDED.initial_capital,
			closed_equity = EXCLUDED.closed_equity,
			total_risk_amount = EXCLUDED.total_risk_amount,
			total_vol_amount = EXCLUDED.total_vol_amount,
			margin_used = EXCLUDED.margin_used,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE portfolio_aggregate.version < EXCLUDED.version`

	res, err := s.db.ExecContext(ctx, query,
		agg.InitialCapital, agg.ClosedEquity,
		agg.TotalRiskAmount, agg.TotalVolAmount, agg.MarginUsed,
		agg.Version, agg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save portfolio aggregate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read aggregate save result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("portfolio aggregate at version %d: %w", agg.Version, persistence.ErrVersionConflict)
	}
	return nil
}

// GetPortfolioAggregate loads the singleton summary row.
func (s *Store) GetPortfolioAggregate(ctx context.Context) (*domain.PortfolioAggregate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT initial_capital, closed_equity,
		       total_risk_amount, total_vol_amount, margin_used,
		       version, updated_at
		FROM portfolio_aggregate WHERE id = 1`

	var agg domain.PortfolioAggregate
	if err := s.db.GetContext(ctx, &agg, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load portfolio aggregate: %w", err)
	}
	return &agg, nil
}

// LogSignal appends the audit row. The unique fingerprint index turns a
// replayed alert into ErrDuplicate.
func (s *Store) LogSignal(ctx context.Context, entry *domain.SignalLogEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO signal_log (fingerprint, payload, received_at, processed_by_instance_id, status, result)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		entry.Fingerprint, entry.Payload, entry.ReceivedAt,
		entry.ProcessedBy, entry.Status, entry.Result)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("signal %s: %w", entry.Fingerprint, persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to log signal %s: %w", entry.Fingerprint, err)
	}
	return nil
}

// UpdateSignalStatus moves an audit row to its terminal status.
func (s *Store) UpdateSignalStatus(ctx context.Context, fingerprint string, status domain.SignalStatus, result string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE signal_log SET status = $1, result = $2 WHERE fingerprint = $3`,
		status, result, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update signal %s status: %w", fingerprint, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read signal status result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("signal %s: %w", fingerprint, persistence.ErrNotFound)
	}
	return nil
}

// IsDuplicateFingerprint reports whether the fingerprint was logged
// within the dedup window.
func (s *Store) IsDuplicateFingerprint(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM signal_log WHERE fingerprint = $1 AND received_at > NOW() - $2::interval)`,
		fingerprint, window.String())
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint %s: %w", fingerprint, err)
	}
	return exists, nil
}

// PruneSignalLog deletes audit rows past retention.
func (s *Store) PruneSignalLog(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM signal_log WHERE received_at < NOW() - $1::interval`, retention.String())
	if err != nil {
		return 0, fmt.Errorf("failed to prune signal log: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return deleted, nil
}

// UpsertHeartbeat refreshes this instance's liveness row.
func (s *Store) UpsertHeartbeat(ctx context.Context, meta *domain.InstanceMetadata) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO instance_metadata (instance_id, started_at, last_heartbeat, is_leader, leader_acquired_at, hostname)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instance_id) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			is_leader = EXCLUDED.is_leader,
			leader_acquired_at = EXCLUDED.leader_acquired_at`

	_, err := s.db.ExecContext(ctx, query,
		meta.InstanceID, meta.StartedAt, meta.LastHeartbeat,
		meta.IsLeader, meta.LeaderAcquiredAt, meta.Hostname)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat for %s: %w", meta.InstanceID, err)
	}
	return nil
}

// SetLeaderFlag flips is_leader for one instance.
func (s *Store) SetLeaderFlag(ctx context.Context, instanceID string, isLeader bool, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var query string
	if isLeader {
		query = `UPDATE instance_metadata SET is_leader = TRUE, leader_acquired_at = $2 WHERE instance_id = $1`
	} else {
		query = `UPDATE instance_metadata SET is_leader = FALSE, leader_acquired_at = NULL WHERE instance_id = $1`
	}

	var err error
	if isLeader {
		_, err = s.db.ExecContext(ctx, query, instanceID, at)
	} else {
		_, err = s.db.ExecContext(ctx, query, instanceID)
	}
	if err != nil {
		return fmt.Errorf("failed to set leader flag for %s: %w", instanceID, err)
	}
	return nil
}

// FreshLeaders lists instances claiming leadership with a recent
// heartbeat. More than one row is a split brain.
func (s *Store) FreshLeaders(ctx context.Context, freshWithin time.Duration) ([]domain.InstanceMetadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT instance_id, started_at, last_heartbeat, is_leader, leader_acquired_at, hostname
		FROM instance_metadata
		WHERE is_leader = TRUE AND last_heartbeat > NOW() - $1::interval
		ORDER BY leader_acquired_at`

	var leaders []domain.InstanceMetadata
	if err := s.db.SelectContext(ctx, &leaders, query, freshWithin.String()); err != nil {
		return nil, fmt.Errorf("failed to list fresh leaders: %w", err)
	}
	return leaders, nil
}

// RecordLeadershipAcquired appends a leadership_history row.
func (s *Store) RecordLeadershipAcquired(ctx context.Context, instanceID, hostname string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leadership_history (instance_id, became_leader_at, hostname) VALUES ($1, $2, $3)`,
		instanceID, at, hostname)
	if err != nil {
		return fmt.Errorf("failed to record leadership acquisition for %s: %w", instanceID, err)
	}
	return nil
}

// RecordLeadershipReleased closes the open leadership_history row.
func (s *Store) RecordLeadershipReleased(ctx context.Context, instanceID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE leadership_history SET
			released_leader_at = $2,
			duration_seconds = EXTRACT(EPOCH FROM ($2 - became_leader_at))
		WHERE instance_id = $1 AND released_leader_at IS NULL`

	_, err := s.db.ExecContext(ctx, query, instanceID, at)
	if err != nil {
		return fmt.Errorf("failed to record leadership release for %s: %w", instanceID, err)
	}
	return nil
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
