// Package models provides data model definitions for duosync.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Operation is the kind of a local mutation.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation converts user input such as "Create" into an Operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// Record is one row of a collection as held in the local durable store.
type Record struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`

	// Version is the value of the collection's version field, compared
	// with CompareVersions during reconciliation.
	Version any `json:"version,omitempty"`

	// SyncedAt is when the server last confirmed this record. Zero for
	// records that only exist optimistically.
	SyncedAt time.Time `json:"syncedAt"`
}

// Clone returns a copy whose Fields map can be modified independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

// IsSynced reports whether the server has ever confirmed this record.
func (r *Record) IsSynced() bool {
	return !r.SyncedAt.IsZero()
}

// MergeFields returns base overlaid with patch; later wins per field.
// Neither input is modified.
func MergeFields(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// KeyString renders a primary-key value as the string used for local
// lookup and URL paths. ok is false for absent or non-scalar values.
func KeyString(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, k != ""
	case json.Number:
		return k.String(), k != ""
	case float64:
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return "", false
		}
		return strconv.FormatFloat(k, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(k), 'f', -1, 32), true
	case int:
		return strconv.Itoa(k), true
	case int32:
		return strconv.FormatInt(int64(k), 10), true
	case int64:
		return strconv.FormatInt(k, 10), true
	case uint64:
		return strconv.FormatUint(k, 10), true
	default:
		return "", false
	}
}

// CompareVersions orders two version values and returns -1, 0 or 1.
//
// A missing version sorts before any present one. Numbers compare
// numerically, RFC 3339 timestamps compare chronologically, and anything
// else falls back to string comparison.
func CompareVersions(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return compareFloat(af, bf)
	}

	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	at, aErr := time.Parse(time.RFC3339Nano, as)
	bt, bErr := time.Parse(time.RFC3339Nano, bs)
	if aErr == nil && bErr == nil {
		return at.Compare(bt)
	}
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
