package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/a429gate/arinc429"
	"example.com/a429gate/internal/capture"
	"example.com/a429gate/internal/common"
	"example.com/a429gate/internal/rules"
)

// writeCaptureFixture builds a single-block capture with a time extension and
// data checksum, then XORs the header checksum bytes so FixHeaderChecksum has
// something to repair.
func writeCaptureFixture(t *testing.T, path string, corruptChecksum bool) []byte {
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
	want := append([]byte(nil), data...)
	if corruptChecksum {
		data[16] ^= 0xFF
		data[17] ^= 0xFF
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return want
}

func headerFixPack() rules.RulePack {
	return rules.RulePack{
		RulePackId: "autofix-test",
		Version:    "1.0",
		Profile:    "429P1-17",
		Rules: []rules.Rule{{
			RuleId:   "A429-0003",
			Name:     "Header checksum",
			Scope:    "file",
			Severity: rules.ERROR,
			Fixable:  true,
			FixFunc:  "FixHeaderChecksum",
			Refs:     []string{"header.checksum"},
		}},
	}
}

func postAutoFix(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url+"/auto-fix", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /auto-fix: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

type autoFixResponse struct {
	Diagnostics []rules.Diagnostic `json:"diagnostics"`
	Applied     int                `json:"applied"`
	Outputs     []ArtifactRef      `json:"outputs"`
}

func TestHandleAutoFixDryRun(t *testing.T) {
	tmp := t.TempDir()
	packs := requiredPackFixtures(t, tmp)
	srv, err := NewServer(Options{StorageDir: filepath.Join(tmp, "storage"), ProfilePacks: packs})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	inputPath := filepath.Join(tmp, "input.a429")
	writeCaptureFixture(t, inputPath, true)
	corrupted, err := os.ReadFile(inputPath)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}

	status, body := postAutoFix(t, ts.URL, map[string]any{
		"input":    inputPath,
		"profile":  "429P1-17",
		"dryRun":   true,
		"rulePack": headerFixPack(),
	})
	if status != http.StatusOK {
		t.Fatalf("/auto-fix status %d: %s", status, body)
	}
	var out autoFixResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Applied != 0 {
		t.Fatalf("expected no applied fixes during dry-run, got %d", out.Applied)
	}
	if len(out.Outputs) != 0 {
		t.Fatalf("expected no outputs during dry-run, got %d", len(out.Outputs))
	}
	if len(out.Diagnostics) == 0 {
		t.Fatalf("expected diagnostics in response")
	}
	diag := out.Diagnostics[0]
	if !diag.FixSuggested {
		t.Fatalf("expected fix suggested: %+v", diag)
	}
	if diag.FixApplied {
		t.Fatalf("expected fixApplied false during dry-run: %+v", diag)
	}
	if diag.FixPatchId != "" {
		t.Fatalf("expected no fix patch id during dry-run: %+v", diag)
	}
	after, err := os.ReadFile(inputPath)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if !bytes.Equal(after, corrupted) {
		t.Fatalf("input changed during dry-run")
	}
}

func TestHandleAutoFixRepairsAndAudits(t *testing.T) {
	tmp := t.TempDir()
	packs := requiredPackFixtures(t, tmp)
	srv, err := NewServer(Options{StorageDir: filepath.Join(tmp, "storage"), ProfilePacks: packs})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	inputPath := filepath.Join(tmp, "input.a429")
	want := writeCaptureFixture(t, inputPath, true)

	status, body := postAutoFix(t, ts.URL, map[string]any{
		"input":    inputPath,
		"profile":  "429P1-17",
		"rulePack": headerFixPack(),
	})
	if status != http.StatusOK {
		t.Fatalf("/auto-fix status %d: %s", status, body)
	}
	var out autoFixResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Applied != 1 {
		t.Fatalf("expected 1 applied fix, got %d", out.Applied)
	}
	if len(out.Diagnostics) == 0 || !out.Diagnostics[0].FixApplied {
		t.Fatalf("expected applied diagnostic: %+v", out.Diagnostics)
	}
	if !strings.HasSuffix(out.Diagnostics[0].FixPatchId, ".jsonl") {
		t.Fatalf("expected audit log patch id, got %q", out.Diagnostics[0].FixPatchId)
	}
	got, err := os.ReadFile(inputPath)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("fix did not restore original block bytes")
	}
	_, idx, err := capture.ScanFile(inputPath)
	if err != nil {
		t.Fatalf("ScanFile after fix: %v", err)
	}
	if len(idx.Blocks) != 1 || !idx.Blocks[0].ChecksumOK {
		t.Fatalf("expected repaired checksum, got %+v", idx.Blocks)
	}

	if len(out.Outputs) != 1 {
		t.Fatalf("expected audit log artifact, got %d outputs", len(out.Outputs))
	}
	audit := out.Outputs[0]
	if audit.Kind != "audit" {
		t.Fatalf("unexpected artifact kind %q", audit.Kind)
	}
	resp, err := http.Get(ts.URL + "/artifacts/" + audit.ID)
	if err != nil {
		t.Fatalf("download audit log: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("artifact status %d", resp.StatusCode)
	}
	auditPath := filepath.Join(tmp, "audit.jsonl")
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read audit body: %v", err)
	}
	if err := os.WriteFile(auditPath, data, 0o644); err != nil {
		t.Fatalf("write audit copy: %v", err)
	}
	entries, err := common.ReadPatchLog(auditPath)
	if err != nil {
		t.Fatalf("ReadPatchLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].RuleID != "A429-0003" {
		t.Fatalf("unexpected audit rule %q", entries[0].RuleID)
	}
	before, err := entries[0].BeforeBytes()
	if err != nil {
		t.Fatalf("BeforeBytes: %v", err)
	}
	if len(before) != 2 {
		t.Fatalf("expected 2-byte checksum patch, got %d bytes", len(before))
	}
}
