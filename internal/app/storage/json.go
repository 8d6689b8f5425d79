package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON reads key and unmarshals its value into out. ErrNotFound passes
// through untouched so callers can distinguish absence from corruption.
func GetJSON(ctx context.Context, kv KV, key string, out any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it at key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, data)
}
