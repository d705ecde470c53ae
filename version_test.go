package fhiruploader

import "testing"

func TestFHIRVersion(t *testing.T) {
	tests := []struct {
		in     string
		want   FHIRVersion
		valid  bool
		semver string
	}{
		{"R4", R4, true, "4.0"},
		{"4.0.1", R4, true, "4.0"},
		{"r4b", R4B, true, "4.3"},
		{"5.0.0", R5, true, "5.0"},
		{"R2", FHIRVersion("R2"), false, "4.0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseFHIRVersion(tt.in)
			if got != tt.want {
				t.Errorf("ParseFHIRVersion(%q) = %q; want %q", tt.in, got, tt.want)
			}
			if got.IsValid() != tt.valid {
				t.Errorf("IsValid() = %v; want %v", got.IsValid(), tt.valid)
			}
			if got.Semver() != tt.semver {
				t.Errorf("Semver() = %q; want %q", got.Semver(), tt.semver)
			}
		})
	}
}
