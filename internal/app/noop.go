package app

import (
	"context"
	"errors"
	"time"

	"yield-engine/internal/model"
	"yield-engine/internal/storage"
)

var errNoDatabase = errors.New("database not configured")

// noopStorage lets the service run without a database: writes vanish, reads
// report empty, so every start is a cold start.
type noopStorage struct{}

func (noopStorage) UpsertPools(context.Context, []model.YieldPoolInfo) error { return nil }

func (noopStorage) ListPools(context.Context) ([]model.YieldPoolInfo, error) { return nil, nil }

func (noopStorage) DeleteAllPools(context.Context) error { return nil }

func (noopStorage) UpsertPositions(context.Context, []model.YieldPositionInfo) error { return nil }

func (noopStorage) ListPositions(context.Context) ([]model.YieldPositionInfo, error) {
	return nil, nil
}

func (noopStorage) DeletePositionsByAddress(context.Context, string) error { return nil }

func (noopStorage) DeletePositionsByChain(context.Context, string) error { return nil }

func (noopStorage) DeleteAllPositions(context.Context) error { return nil }

func (noopStorage) InsertStatSamples(context.Context, []storage.StatSample) error { return nil }

func (noopStorage) ListStatSamples(context.Context, string, time.Time, time.Time, int) ([]storage.StatSample, error) {
	return nil, errNoDatabase
}
