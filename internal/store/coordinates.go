package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backend-pathtrack/internal/shared/geo"
)

// CoordinateStore reads and writes a whole coordinate history under one key.
type CoordinateStore struct {
	kv KV
}

func NewCoordinateStore(kv KV) *CoordinateStore {
	return &CoordinateStore{kv: kv}
}

// Get returns the stored history, or an empty slice when the key is absent.
func (s *CoordinateStore) Get(ctx context.Context, key string) ([]geo.Coordinate, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return []geo.Coordinate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var path []geo.Coordinate
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if path == nil {
		path = []geo.Coordinate{}
	}
	return path, nil
}

// Set overwrites the history stored under key.
func (s *CoordinateStore) Set(ctx context.Context, key string, path []geo.Coordinate) error {
	if path == nil {
		path = []geo.Coordinate{}
	}
	raw, err := json.Marshal(path)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
