package capture

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestApplyPatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	edits := []PatchEdit{
		{Offset: 8, Data: []byte("YZ")},
		{Offset: 2, Data: []byte("AB")},
		{Offset: 5, Data: nil},
	}
	if err := ApplyPatch(path, edits); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, []byte("01AB4567YZ")) {
		t.Fatalf("patched content = %q, want 01AB4567YZ", got)
	}

	if err := ApplyPatch(path, nil); err != nil {
		t.Fatalf("ApplyPatch with no edits failed: %v", err)
	}

	if err := ApplyPatch(path, []PatchEdit{{Offset: 9, Data: []byte("XX")}}); err == nil {
		t.Fatalf("expected error for edit past end of file")
	}
	if err := ApplyPatch(path, []PatchEdit{{Offset: -1, Data: []byte("X")}}); err == nil {
		t.Fatalf("expected error for negative offset")
	}
}

func TestApplyPatchRejectsCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch.a429.zst")
	writeTestCapture(t, path, true)

	err := ApplyPatch(path, []PatchEdit{{Offset: 14, Data: []byte{9}}})
	if !errors.Is(err, ErrCompressedInput) {
		t.Fatalf("expected ErrCompressedInput, got %v", err)
	}
}

func TestRewriteWithPatches(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	err := RewriteWithPatches(src, dst, []PatchEdit{{Offset: 0, Data: []byte("HELLO")}})
	if err != nil {
		t.Fatalf("RewriteWithPatches failed: %v", err)
	}

	srcData, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile src failed: %v", err)
	}
	if !bytes.Equal(srcData, []byte("hello world")) {
		t.Fatalf("source modified: %q", srcData)
	}
	dstData, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile dst failed: %v", err)
	}
	if !bytes.Equal(dstData, []byte("HELLO world")) {
		t.Fatalf("dest content = %q, want HELLO world", dstData)
	}
}
