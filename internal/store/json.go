package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON decodes the document stored under key into a T.
// ok is false when the key is absent.
func GetJSON[T any](ctx context.Context, kv KV, key string) (value T, ok bool, err error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, &CorruptError{Key: key, Err: err}
	}
	return value, true, nil
}

// PutJSON encodes value and stores it under key.
func PutJSON(ctx context.Context, kv KV, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return kv.Put(ctx, key, raw)
}

// CorruptError reports a stored document that no longer decodes.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt value for %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
