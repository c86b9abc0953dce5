package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"yield-engine/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPoolSQL = `INSERT INTO yield_pools (slug, data, updated_at)
    VALUES ($1, $2, $3)
    ON CONFLICT (slug) DO UPDATE
    SET data = EXCLUDED.data,
        updated_at = EXCLUDED.updated_at;`

	listPoolsSQL = `SELECT data FROM yield_pools ORDER BY slug;`

	deleteAllPoolsSQL = `DELETE FROM yield_pools;`

	upsertPositionSQL = `INSERT INTO yield_positions (slug, address, data, updated_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (slug, address) DO UPDATE
    SET data = EXCLUDED.data,
        updated_at = EXCLUDED.updated_at;`

	listPositionsSQL = `SELECT data FROM yield_positions ORDER BY slug, address;`

	deletePositionsByAddressSQL = `DELETE FROM yield_positions WHERE address = $1;`

	deletePositionsByChainSQL = `DELETE FROM yield_positions
    WHERE slug IN (SELECT slug FROM yield_pools WHERE data->>'chain' = $1);`

	deleteAllPositionsSQL = `DELETE FROM yield_positions;`

	insertStatSampleSQL = `INSERT INTO pool_stat_samples (slug, sample_ts, apy, tvl)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (slug, sample_ts) DO UPDATE
    SET apy = EXCLUDED.apy,
        tvl = EXCLUDED.tvl;`

	listStatSamplesSQL = `SELECT slug, sample_ts, apy, tvl
    FROM pool_stat_samples
    WHERE slug = $1
      AND sample_ts >= $2
      AND sample_ts < $3
    ORDER BY sample_ts
    LIMIT $4;`
)

// PoolStore persists pool descriptors as keyed cache records.
type PoolStore interface {
	UpsertPools(ctx context.Context, pools []model.YieldPoolInfo) error
	ListPools(ctx context.Context) ([]model.YieldPoolInfo, error)
	DeleteAllPools(ctx context.Context) error
}

// PositionStore persists positions keyed by (slug, address).
type PositionStore interface {
	UpsertPositions(ctx context.Context, positions []model.YieldPositionInfo) error
	ListPositions(ctx context.Context) ([]model.YieldPositionInfo, error)
	DeletePositionsByAddress(ctx context.Context, address string) error
	DeletePositionsByChain(ctx context.Context, chain string) error
	DeleteAllPositions(ctx context.Context) error
}

// StatSampleStore records pool statistics history for the export command.
type StatSampleStore interface {
	InsertStatSamples(ctx context.Context, samples []StatSample) error
	ListStatSamples(ctx context.Context, slug string, from, to time.Time, limit int) ([]StatSample, error)
}

// Store aggregates the persistence surface over one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertPools bulk-upserts pool records in one batch round trip.
func (s *Store) UpsertPools(ctx context.Context, pools []model.YieldPoolInfo) error {
	if len(pools) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range pools {
		data, err := json.Marshal(&pools[i])
		if err != nil {
			return fmt.Errorf("marshal pool %s: %w", pools[i].Slug, err)
		}
		batch.Queue(upsertPoolSQL, pools[i].Slug, data, now)
	}
	return s.sendBatch(ctx, pool, batch)
}

// ListPools loads every persisted pool record.
func (s *Store) ListPools(ctx context.Context) ([]model.YieldPoolInfo, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPoolsSQL)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []model.YieldPoolInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var info model.YieldPoolInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("decode pool record: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteAllPools clears the pool cache (full reset only).
func (s *Store) DeleteAllPools(ctx context.Context) error {
	return s.exec(ctx, deleteAllPoolsSQL)
}

// UpsertPositions bulk-upserts position records in one batch round trip.
func (s *Store) UpsertPositions(ctx context.Context, positions []model.YieldPositionInfo) error {
	if len(positions) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range positions {
		data, err := json.Marshal(&positions[i])
		if err != nil {
			return fmt.Errorf("marshal position %s: %w", model.PositionKey(positions[i].Slug, positions[i].Address), err)
		}
		batch.Queue(upsertPositionSQL, positions[i].Slug, positions[i].Address, data, now)
	}
	return s.sendBatch(ctx, pool, batch)
}

// ListPositions loads every persisted position. Records written by older
// versions may lack fields; the JSON zero values already mean "not staking".
func (s *Store) ListPositions(ctx context.Context) ([]model.YieldPositionInfo, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPositionsSQL)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []model.YieldPositionInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var pos model.YieldPositionInfo
		if err := json.Unmarshal(data, &pos); err != nil {
			return nil, fmt.Errorf("decode position record: %w", err)
		}
		if pos.Status == "" {
			pos.Status = model.NotStaking
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// DeletePositionsByAddress removes positions of a removed wallet address.
func (s *Store) DeletePositionsByAddress(ctx context.Context, address string) error {
	return s.exec(ctx, deletePositionsByAddressSQL, address)
}

// DeletePositionsByChain removes positions belonging to a disabled chain.
func (s *Store) DeletePositionsByChain(ctx context.Context, chain string) error {
	return s.exec(ctx, deletePositionsByChainSQL, chain)
}

// DeleteAllPositions clears the position cache (full reset only).
func (s *Store) DeleteAllPositions(ctx context.Context) error {
	return s.exec(ctx, deleteAllPositionsSQL)
}

// InsertStatSamples records statistic observations for charting.
func (s *Store) InsertStatSamples(ctx context.Context, samples []StatSample) error {
	if len(samples) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		batch.Queue(insertStatSampleSQL, sample.Slug, sample.SampleTS, sample.APY, sample.TVL)
	}
	return s.sendBatch(ctx, pool, batch)
}

// ListStatSamples returns a pool's statistic history inside [from, to).
// A non-positive limit means unbounded.
func (s *Store) ListStatSamples(ctx context.Context, slug string, from, to time.Time, limit int) ([]StatSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listStatSamplesSQL, slug, from, to, statLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list stat samples: %w", err)
	}
	defer rows.Close()

	var out []StatSample
	for rows.Next() {
		var sample StatSample
		if err := rows.Scan(&sample.Slug, &sample.SampleTS, &sample.APY, &sample.TVL); err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

func (s *Store) sendBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch) error {
	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// statLimit maps a non-positive limit to NULL so LIMIT imposes no cap.
func statLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

var (
	_ PoolStore       = (*Store)(nil)
	_ PositionStore   = (*Store)(nil)
	_ StatSampleStore = (*Store)(nil)
)
