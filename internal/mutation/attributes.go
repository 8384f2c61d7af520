package mutation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// AttributeAction is the kind of attribute edit.
type AttributeAction string

const (
	AttributeSet    AttributeAction = "set"
	AttributeRemove AttributeAction = "remove"
)

// AttributeMutation sets or removes a single attribute. Value is present iff
// Action is AttributeSet.
type AttributeMutation struct {
	Action    AttributeAction `json:"action"`
	Key       string          `json:"key"`
	Value     any             `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UnmarshalJSON keeps numeric values as json.Number so integers beyond
// float64 precision re-encode exactly after a trip through storage.
func (m *AttributeMutation) UnmarshalJSON(data []byte) error {
	type plain AttributeMutation
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*m = AttributeMutation(p)
	return nil
}

var (
	ErrEmptyAttributeKey = errors.New("attribute key is empty")
	ErrInvalidAttribute  = errors.New("invalid attribute value")
)

// NewSetAttribute returns a set mutation after validating the value.
//
// Accepted values: strings, booleans, integer and float numbers (NaN and
// infinities rejected), time.Time (encoded as RFC 3339 UTC), and
// map[string]any JSON objects.
func NewSetAttribute(key string, value any, ts time.Time) (AttributeMutation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return AttributeMutation{}, ErrEmptyAttributeKey
	}
	v, err := normalizeAttributeValue(value)
	if err != nil {
		return AttributeMutation{}, fmt.Errorf("attribute %q: %w", key, err)
	}
	return AttributeMutation{Action: AttributeSet, Key: key, Value: v, Timestamp: ts.UTC()}, nil
}

// NewRemoveAttribute returns a remove mutation.
func NewRemoveAttribute(key string, ts time.Time) (AttributeMutation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return AttributeMutation{}, ErrEmptyAttributeKey
	}
	return AttributeMutation{Action: AttributeRemove, Key: key, Timestamp: ts.UTC()}, nil
}

func normalizeAttributeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidAttribute)
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, nil
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	case map[string]any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty object", ErrInvalidAttribute)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidAttribute, value)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttribute, f)
	}
	return f, nil
}

// Equal reports structural equality. Values are compared by canonical JSON so
// a value read back from storage equals the value originally set.
func (m AttributeMutation) Equal(o AttributeMutation) bool {
	if m.Action != o.Action || m.Key != o.Key || !m.Timestamp.Equal(o.Timestamp) {
		return false
	}
	if reflect.DeepEqual(m.Value, o.Value) {
		return true
	}
	fa, errA := Fingerprint(m.Value)
	fb, errB := Fingerprint(o.Value)
	return errA == nil && errB == nil && fa == fb
}

// CollapseAttributes keeps the most recent mutation per key, in original
// chronological order.
func CollapseAttributes(mutations []AttributeMutation) []AttributeMutation {
	return lastPerKey(mutations, func(m AttributeMutation) string { return m.Key })
}

// ApplyAttributes replays mutations in order onto a copy of attributes.
func ApplyAttributes(attributes map[string]any, mutations []AttributeMutation) map[string]any {
	out := make(map[string]any, len(attributes))
	for k, v := range attributes {
		out[k] = v
	}
	for _, m := range mutations {
		switch m.Action {
		case AttributeSet:
			out[m.Key] = m.Value
		case AttributeRemove:
			delete(out, m.Key)
		}
	}
	return out
}

// lastPerKey scans in reverse keeping the first mutation seen per key, then
// restores chronological order.
func lastPerKey[M any](mutations []M, key func(M) string) []M {
	if len(mutations) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(mutations))
	out := make([]M, 0, len(mutations))
	for i := len(mutations) - 1; i >= 0; i-- {
		k := key(mutations[i])
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, mutations[i])
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
