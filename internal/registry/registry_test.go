package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/a429gate/arinc429"
)

func TestFromFile(t *testing.T) {
	file := File{
		Bus: []BusEntry{
			{Channel: 1, Bus: 1, Name: " ADC left ", Speed: "high"},
			{Channel: 1, Bus: 2, Name: "ADC right", Speed: "low"},
			{Channel: 2, Bus: 1, Speed: "high"},
		},
	}
	reg, err := FromFile(file)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}
	if reg.IsEmpty() {
		t.Fatalf("IsEmpty = true, want false")
	}
	if reg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", reg.Len())
	}

	entry, ok := reg.Lookup(1, 1)
	if !ok {
		t.Fatalf("Lookup(1,1) missing")
	}
	if entry.Name != "ADC left" {
		t.Fatalf("Name = %q, want ADC left", entry.Name)
	}
	if entry.Speed != arinc429.SpeedHigh {
		t.Fatalf("Speed = %v, want high", entry.Speed)
	}

	entry, ok = reg.Lookup(1, 2)
	if !ok || entry.Speed != arinc429.SpeedLow {
		t.Fatalf("Lookup(1,2) = %+v ok=%v, want low speed entry", entry, ok)
	}

	if _, ok := reg.Lookup(3, 1); ok {
		t.Fatalf("Lookup(3,1) = present, want missing")
	}
	if !reg.HasChannel(2) {
		t.Fatalf("HasChannel(2) = false, want true")
	}
	if reg.HasChannel(9) {
		t.Fatalf("HasChannel(9) = true, want false")
	}
}

func TestFromFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		entry BusEntry
		want  string
	}{
		{name: "channel negative", entry: BusEntry{Channel: -1, Bus: 1, Speed: "high"}, want: "channel out of range"},
		{name: "channel too large", entry: BusEntry{Channel: 0x10000, Bus: 1, Speed: "high"}, want: "channel out of range"},
		{name: "bus negative", entry: BusEntry{Channel: 1, Bus: -1, Speed: "high"}, want: "bus number out of range"},
		{name: "bus too large", entry: BusEntry{Channel: 1, Bus: 256, Speed: "high"}, want: "bus number out of range"},
		{name: "speed missing", entry: BusEntry{Channel: 1, Bus: 1}, want: "speed required"},
		{name: "speed unknown", entry: BusEntry{Channel: 1, Bus: 1, Speed: "fast"}, want: "unknown bus speed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromFile(File{Bus: []BusEntry{tc.entry}})
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}

	dup := File{Bus: []BusEntry{
		{Channel: 1, Bus: 1, Speed: "high"},
		{Channel: 1, Bus: 1, Speed: "low"},
	}}
	if _, err := FromFile(dup); err == nil || !strings.Contains(err.Error(), "duplicate channel/bus") {
		t.Fatalf("duplicate error = %v, want duplicate channel/bus", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	content := `
[[bus]]
channel = 1
bus = 1
name = "ADC left"
speed = "high"

[[bus]]
channel = 2
bus = 1
name = "DME"
speed = "low"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}
	entry, ok := reg.Lookup(2, 1)
	if !ok || entry.Name != "DME" || entry.Speed != arinc429.SpeedLow {
		t.Fatalf("Lookup(2,1) = %+v ok=%v", entry, ok)
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("bus = 3"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected decode error for malformed registry")
	}
}

func TestEnsureLoaded(t *testing.T) {
	if _, err := EnsureLoaded("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	dir := t.TempDir()
	if _, err := EnsureLoaded(dir); err == nil || !strings.Contains(err.Error(), "directory") {
		t.Fatalf("directory error = %v", err)
	}
	if _, err := EnsureLoaded(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNilRegistry(t *testing.T) {
	var reg *Registry
	if !reg.IsEmpty() {
		t.Fatalf("nil IsEmpty = false, want true")
	}
	if reg.Len() != 0 {
		t.Fatalf("nil Len = %d, want 0", reg.Len())
	}
	if _, ok := reg.Lookup(1, 1); ok {
		t.Fatalf("nil Lookup = present, want missing")
	}
	if reg.HasChannel(1) {
		t.Fatalf("nil HasChannel = true, want false")
	}
}
