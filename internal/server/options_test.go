package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalPackJSON = `{"rulePackId":"test","version":"1.0","profile":"429P1-17","rules":[]}`

func writePackFixture(t *testing.T, dir, id string) ProfilePack {
	t.Helper()
	rulesPath := filepath.Join(dir, id+".json")
	if err := os.WriteFile(rulesPath, []byte(minimalPackJSON), 0o644); err != nil {
		t.Fatalf("WriteFile rules %s: %v", id, err)
	}
	return ProfilePack{ID: id, Rules: rulesPath}
}

func requiredPackFixtures(t *testing.T, dir string) []ProfilePack {
	t.Helper()
	packs := make([]ProfilePack, 0, len(RequiredProfiles))
	for _, id := range RequiredProfiles {
		packs = append(packs, writePackFixture(t, dir, id))
	}
	return packs
}

func TestLoadProfileManifestResolvesPaths(t *testing.T) {
	root := t.TempDir()
	manifestDir := filepath.Join(root, "profiles")
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		t.Fatalf("MkdirAll manifest: %v", err)
	}
	type entry struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Rules     string `json:"rules"`
		Signature string `json:"signature"`
	}
	manifest := struct {
		Profiles []entry `json:"profiles"`
	}{}
	for _, id := range RequiredProfiles {
		profDir := filepath.Join(manifestDir, id)
		if err := os.MkdirAll(profDir, 0o755); err != nil {
			t.Fatalf("MkdirAll profile %s: %v", id, err)
		}
		rulesPath := filepath.Join(profDir, "rules.json")
		if err := os.WriteFile(rulesPath, []byte(minimalPackJSON), 0o644); err != nil {
			t.Fatalf("WriteFile rules %s: %v", id, err)
		}
		sigPath := filepath.Join(profDir, "rules.json.sha256")
		if err := os.WriteFile(sigPath, []byte("deadbeef\n"), 0o644); err != nil {
			t.Fatalf("WriteFile signature %s: %v", id, err)
		}
		manifest.Profiles = append(manifest.Profiles, entry{
			ID:        id,
			Name:      "Profile " + id,
			Rules:     filepath.Join(id, "rules.json"),
			Signature: filepath.Join(id, "rules.json.sha256"),
		})
	}
	manifestPath := filepath.Join(manifestDir, "index.json")
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		t.Fatalf("Marshal manifest: %v", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}
	packs, err := LoadProfileManifest(manifestPath)
	if err != nil {
		t.Fatalf("LoadProfileManifest: %v", err)
	}
	if len(packs) != len(RequiredProfiles) {
		t.Fatalf("expected %d packs, got %d", len(RequiredProfiles), len(packs))
	}
	for _, pack := range packs {
		if !strings.HasPrefix(pack.Rules, manifestDir) {
			t.Errorf("rules path %s not rooted under manifest dir", pack.Rules)
		}
		if _, err := os.Stat(pack.Rules); err != nil {
			t.Errorf("rules stat %s: %v", pack.Rules, err)
		}
		if pack.Signature != "" {
			if _, err := os.Stat(pack.Signature); err != nil {
				t.Errorf("signature stat %s: %v", pack.Signature, err)
			}
		}
	}
}

func TestBuildProfilePackMapMissingProfile(t *testing.T) {
	dir := t.TempDir()
	packs := []ProfilePack{writePackFixture(t, dir, "429P1-15")}
	_, _, err := buildProfilePackMap(Options{ProfilePacks: packs})
	if err == nil || !strings.Contains(err.Error(), RequiredProfiles[0]) {
		t.Fatalf("expected missing profile error, got %v", err)
	}
}

func TestBuildProfilePackMapDuplicateProfile(t *testing.T) {
	dir := t.TempDir()
	pack := writePackFixture(t, dir, RequiredProfiles[0])
	_, _, err := buildProfilePackMap(Options{ProfilePacks: []ProfilePack{pack, pack}})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate profile error, got %v", err)
	}
}

func TestHandleProfilesListsConfigured(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "storage")
	packs := requiredPackFixtures(t, dir)
	srv, err := NewServer(Options{StorageDir: storage, ProfilePacks: packs})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/profiles", nil)
	srv.handleProfiles(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got []string
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if len(got) != len(RequiredProfiles) {
		t.Fatalf("expected %d profiles, got %d", len(RequiredProfiles), len(got))
	}
	for i, id := range RequiredProfiles {
		if got[i] != id {
			t.Fatalf("profile mismatch at %d: want %s got %s", i, id, got[i])
		}
	}
}

func TestLoadRulePackVerifiesDigest(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "storage")
	rulesPath := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(rulesPath, []byte(minimalPackJSON), 0o644); err != nil {
		t.Fatalf("WriteFile rules: %v", err)
	}
	sum := sha256.Sum256([]byte(minimalPackJSON))
	sigPath := filepath.Join(dir, "rules.json.sha256")
	if err := os.WriteFile(sigPath, []byte(hex.EncodeToString(sum[:])+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile digest: %v", err)
	}
	packs := []ProfilePack{{ID: RequiredProfiles[0], Rules: rulesPath, Signature: sigPath}}
	srv, err := NewServer(Options{StorageDir: storage, ProfilePacks: packs})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	rp, err := srv.loadRulePack(RequiredProfiles[0], nil)
	if err != nil {
		t.Fatalf("loadRulePack with valid digest: %v", err)
	}
	if rp.RulePackId != "test" {
		t.Fatalf("unexpected pack id %q", rp.RulePackId)
	}

	if err := os.WriteFile(sigPath, []byte("0000000000000000000000000000000000000000000000000000000000000000\n"), 0o644); err != nil {
		t.Fatalf("rewrite digest: %v", err)
	}
	if _, err := srv.loadRulePack(RequiredProfiles[0], nil); err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestNewServerRejectsUnknownLanguage(t *testing.T) {
	dir := t.TempDir()
	packs := requiredPackFixtures(t, dir)
	if _, err := NewServer(Options{StorageDir: filepath.Join(dir, "storage"), ProfilePacks: packs, Language: "de"}); err == nil {
		t.Fatalf("expected error for unsupported language")
	}
}
