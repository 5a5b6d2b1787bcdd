package event

import (
	"errors"
	"testing"
)

func TestComputeHashDeterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := ComputeHash("IP_ADDRESS", "192.0.2.1", "parent")
	b := ComputeHash("IP_ADDRESS", "192.0.2.1", "parent")

	if a != b {
		t.Errorf("same inputs hashed differently: %s vs %s", a, b)
	}

	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestComputeHashFieldBoundaries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Field separators keep shifted boundaries from colliding.
	if ComputeHash("ab", "c", "") == ComputeHash("a", "bc", "") {
		t.Error("field boundary shift produced a hash collision")
	}

	if ComputeHash("t", "d", "s") == ComputeHash("t", "ds", "") {
		t.Error("data/source boundary shift produced a hash collision")
	}
}

func TestNewLinksSource(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	seed := NewSeed("DOMAIN_NAME", "example.com")

	if !seed.IsSeed() {
		t.Error("seed event has a source hash")
	}

	if seed.Module != SeedModule {
		t.Errorf("seed module = %q, want %q", seed.Module, SeedModule)
	}

	child := New("INTERNET_NAME", "www.example.com", "mod_dnsresolve", seed)

	if child.SourceHash != seed.Hash {
		t.Errorf("child source = %q, want parent hash %q", child.SourceHash, seed.Hash)
	}

	if child.IsSeed() {
		t.Error("child event claims to be the seed")
	}

	if child.Confidence != DefaultConfidence || child.Visibility != DefaultVisibility {
		t.Errorf("defaults not applied: confidence=%d visibility=%d", child.Confidence, child.Visibility)
	}
}

func TestSameDiscoveryDifferentParent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	seed := NewSeed("DOMAIN_NAME", "example.com")
	hostA := New("INTERNET_NAME", "a.example.com", "mod_dnsresolve", seed)
	hostB := New("INTERNET_NAME", "b.example.com", "mod_dnsresolve", seed)

	viaA := New("IP_ADDRESS", "192.0.2.1", "mod_dnsresolve", hostA)
	viaB := New("IP_ADDRESS", "192.0.2.1", "mod_dnsresolve", hostB)

	if viaA.Hash == viaB.Hash {
		t.Error("same data through different parents must hash differently")
	}
}

func TestValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := New("IP_ADDRESS", "192.0.2.1", "mod_dnsresolve", nil)
	if err := valid.Validate(); err != nil {
		t.Errorf("valid event failed validation: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr error
	}{
		{"empty type", func(e *Event) { e.Type = "" }, ErrEmptyType},
		{"empty data", func(e *Event) { e.Data = "" }, ErrEmptyData},
		{"empty module", func(e *Event) { e.Module = "" }, ErrEmptyModule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := New("IP_ADDRESS", "192.0.2.1", "mod_dnsresolve", nil)
			tt.mutate(evt)

			if err := evt.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("tampered hash", func(t *testing.T) {
		evt := New("IP_ADDRESS", "192.0.2.1", "mod_dnsresolve", nil)
		evt.Data = "192.0.2.2"

		if err := evt.Validate(); err == nil {
			t.Error("Validate accepted an event whose hash no longer matches its content")
		}
	})
}
