package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GetJSON retrieves and decodes a cached value. A missing key returns
// (nil, false, nil); a value that no longer decodes into T is treated as a
// cache miss, matching the envelope-corruption policy.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, bool, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, false, nil
	}
	return &v, true, nil
}

// SetJSON encodes and stores a value under key.
func SetJSON[T any](ctx context.Context, s Store, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}
	return s.Set(ctx, key, data)
}
