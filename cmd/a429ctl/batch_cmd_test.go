package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"example.com/a429gate/arinc429"
	"example.com/a429gate/internal/capture"
	"example.com/a429gate/internal/rules"
)

func writeSyntheticCapture(t *testing.T, path string) {
	t.Helper()
	blk := capture.Block{
		ChannelID:    1,
		SeqNum:       0,
		WithTime:     true,
		BaseTimeUs:   1_000_000,
		WithChecksum: true,
		Records: []capture.Record{
			{Bus: 1, SpeedHigh: true, GapTime0p1Us: 0, Word: arinc429.MustNew(0o203, 1, 0x1234, 0)},
			{Bus: 1, SpeedHigh: true, GapTime0p1Us: 400, Word: arinc429.MustNew(0o204, 0, 0x2222, 0)},
		},
	}
	data, err := capture.BuildBlock(capture.DefaultProfile, blk)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func writeRegistry(t *testing.T, path string) {
	t.Helper()
	data := []byte("[[bus]]\nchannel = 1\nbus = 1\nname = \"FMS-L\"\nspeed = \"high\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile registry: %v", err)
	}
}

func TestBatchCmdGeneratesOutputs(t *testing.T) {
	root := t.TempDir()
	inputDir := filepath.Join(root, "inputs")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		t.Fatalf("MkdirAll inputs: %v", err)
	}
	registryDir := filepath.Join(root, "registries")
	if err := os.MkdirAll(registryDir, 0o755); err != nil {
		t.Fatalf("MkdirAll registries: %v", err)
	}
	outDir := filepath.Join(root, "out")

	alpha := filepath.Join(inputDir, "alpha.a429")
	writeSyntheticCapture(t, alpha)
	writeRegistry(t, filepath.Join(inputDir, "alpha.toml"))

	nestedDir := filepath.Join(inputDir, "nested")
	if err := os.MkdirAll(nestedDir, 0o755); err != nil {
		t.Fatalf("MkdirAll nested: %v", err)
	}
	beta := filepath.Join(nestedDir, "beta.a429")
	writeSyntheticCapture(t, beta)
	writeRegistry(t, filepath.Join(registryDir, "beta.toml"))

	batchCmd([]string{
		"--in", inputDir,
		"--profile", capture.DefaultProfile,
		"--registry-dir", registryDir,
		"--out-dir", outDir,
	})

	check := func(name string) {
		out := filepath.Join(outDir, name)
		if info, err := os.Stat(out); err != nil || !info.IsDir() {
			t.Fatalf("Output dir missing for %s: %v", name, err)
		}
		diagPath := filepath.Join(out, "diagnostics.ndjson")
		if _, err := os.Stat(diagPath); err != nil {
			t.Fatalf("Stat diagnostics %s: %v", name, err)
		}
		accPath := filepath.Join(out, "acceptance_report.json")
		data, err := os.ReadFile(accPath)
		if err != nil {
			t.Fatalf("ReadFile acceptance %s: %v", name, err)
		}
		var rep rules.AcceptanceReport
		if err := json.Unmarshal(data, &rep); err != nil {
			t.Fatalf("Unmarshal acceptance %s: %v", name, err)
		}
		if !rep.Summary.Pass || rep.Summary.Errors != 0 {
			t.Fatalf("unexpected acceptance summary for %s: %+v", name, rep.Summary)
		}
	}

	check("alpha")
	check("beta")
}

func TestFindRegistryPrefersCompanionFile(t *testing.T) {
	root := t.TempDir()
	inputDir := filepath.Join(root, "inputs")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		t.Fatalf("MkdirAll inputs: %v", err)
	}
	registryDir := filepath.Join(root, "registries")
	if err := os.MkdirAll(registryDir, 0o755); err != nil {
		t.Fatalf("MkdirAll registries: %v", err)
	}

	input := filepath.Join(inputDir, "gamma.a429")
	companion := filepath.Join(inputDir, "gamma.toml")
	shared := filepath.Join(registryDir, "gamma.toml")
	fallback := filepath.Join(root, "fleet.toml")
	writeRegistry(t, companion)
	writeRegistry(t, shared)
	writeRegistry(t, fallback)

	if got := findRegistry(input, registryDir, fallback); got != companion {
		t.Fatalf("findRegistry = %s, want companion %s", got, companion)
	}
	if err := os.Remove(companion); err != nil {
		t.Fatalf("Remove companion: %v", err)
	}
	if got := findRegistry(input, registryDir, fallback); got != shared {
		t.Fatalf("findRegistry = %s, want shared %s", got, shared)
	}
	if err := os.Remove(shared); err != nil {
		t.Fatalf("Remove shared: %v", err)
	}
	if got := findRegistry(input, registryDir, fallback); got != fallback {
		t.Fatalf("findRegistry = %s, want fallback %s", got, fallback)
	}
}
