// Package uuid provides unit tests for identifier generation.
package uuid

import (
	"strings"
	"testing"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNewTentativeKey tests the tentative key format.
func TestNewTentativeKey(t *testing.T) {
	key := NewTentativeKey()
	if !strings.HasPrefix(key, TentativePrefix) {
		t.Errorf("key %q lacks prefix %q", key, TentativePrefix)
	}
	if !IsTentative(key) {
		t.Errorf("IsTentative(%q) = false", key)
	}
}

// TestIsTentative tests detection of tentative keys.
func TestIsTentative(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"tentative", "tmp-f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"server integer key", "42", false},
		{"bare uuid", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"prefix only", "tmp-", false},
		{"prefix with junk", "tmp-abc", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTentative(tt.key); got != tt.want {
				t.Errorf("IsTentative(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

// TestValidate tests validation errors.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		uuid    string
		wantErr bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"valid uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", false},
		{"v1 UUID", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", true},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.uuid)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.uuid, err, tt.wantErr)
			}
		})
	}
}
