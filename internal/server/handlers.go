package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/a429gate/internal/common"
	"example.com/a429gate/internal/crypto"
	"example.com/a429gate/internal/manifest"
	"example.com/a429gate/internal/report"
	"example.com/a429gate/internal/rules"
	"example.com/a429gate/internal/stats"
)

// Server coordinates HTTP handlers and manages temporary artifacts produced
// by validation, auto-fix and manifest requests.
type Server struct {
	artifacts    *ArtifactStore
	workDir      string
	uploadsDir   string
	profilePacks map[string]profilePackEntry
	profileIDs   []string
	registryFile string
	signer       *crypto.Signer
	language     report.Language
	concurrency  int
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
// The configured profile packs are resolved and stat'ed up front so a bad
// deployment fails at startup rather than on the first request.
func NewServer(opts Options) (*Server, error) {
	packs, ids, err := buildProfilePackMap(opts)
	if err != nil {
		return nil, err
	}
	lang, err := report.ParseLanguage(opts.Language)
	if err != nil {
		return nil, fmt.Errorf("report language: %w", err)
	}
	registryFile := strings.TrimSpace(opts.RegistryFile)
	if registryFile != "" {
		abs, err := filepath.Abs(registryFile)
		if err != nil {
			return nil, fmt.Errorf("registry path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		registryFile = abs
	}
	var signer *crypto.Signer
	switch {
	case opts.ManifestSigning.PKCS12Path != "":
		signer, err = crypto.LoadSignerPKCS12(opts.ManifestSigning.PKCS12Path, opts.ManifestSigning.PKCS12Password)
	case opts.ManifestSigning.PrivateKeyPath != "":
		signer, err = crypto.LoadSignerPEM(opts.ManifestSigning.PrivateKeyPath, opts.ManifestSigning.CertificatePath)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest signer: %w", err)
	}
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "a429d-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	s := &Server{
		artifacts:    &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:      workDir,
		uploadsDir:   uploadsDir,
		profilePacks: packs,
		profileIDs:   ids,
		registryFile: registryFile,
		signer:       signer,
		language:     lang,
		concurrency:  concurrency,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

// resolvePath accepts either an artifact ID issued by a previous upload or
// a filesystem path reachable by the daemon.
func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, nil
	}
	abs := token
	if !filepath.IsAbs(token) {
		abs = filepath.Clean(token)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req struct {
		Inputs            []string        `json:"inputs"`
		Registry          string          `json:"registry"`
		Profile           string          `json:"profile"`
		RulePack          *rules.RulePack `json:"rulePack"`
		IncludeTimestamps *bool           `json:"includeTimestamps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	if len(req.Inputs) > 1 {
		http.Error(w, "one input per request, submit captures separately", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Profile) == "" {
		http.Error(w, "profile required", http.StatusBadRequest)
		return
	}
	inputPath, err := s.resolvePath(req.Inputs[0])
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	registryPath := s.registryFile
	if req.Registry != "" {
		if registryPath, err = s.resolvePath(req.Registry); err != nil {
			http.Error(w, fmt.Sprintf("registry resolve: %v", err), http.StatusBadRequest)
			return
		}
	}
	rp, err := s.loadRulePack(req.Profile, req.RulePack)
	if err != nil {
		http.Error(w, fmt.Sprintf("load rulepack: %v", err), http.StatusBadRequest)
		return
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	engine.SetConcurrency(s.concurrency)
	includeTimestamps := true
	if req.IncludeTimestamps != nil {
		includeTimestamps = *req.IncludeTimestamps
	}
	engine.SetConfigValue("diag.include_timestamps", includeTimestamps)
	// Validation never mutates the capture. Fixable rules run in dry-run
	// mode and report what /auto-fix would change.
	ctx := &rules.Context{
		InputFile:    inputPath,
		RegistryFile: registryPath,
		Profile:      req.Profile,
		DryRun:       true,
	}

	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		writer := NewNDJSONWriter(w)
		engine.SetDiagnosticCallback(writer.WriteDiagnostic)
		diags, err := engine.Eval(ctx)
		engine.SetDiagnosticCallback(nil)
		if err != nil {
			_ = writer.WriteError(err)
			return
		}
		rep, refs, err := s.saveRunArtifacts(engine, ctx)
		if err != nil {
			_ = writer.WriteError(err)
			return
		}
		summary := struct {
			Type       string                 `json:"type"`
			Acceptance rules.AcceptanceReport `json:"acceptance"`
			Artifacts  []ArtifactRef          `json:"artifacts"`
			Total      int                    `json:"diagnostics"`
		}{
			Type:       "acceptance",
			Acceptance: rep,
			Artifacts:  refs,
			Total:      len(diags),
		}
		_ = writer.WriteObject(summary)
		return
	}

	diags, err := engine.Eval(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("eval: %v", err), http.StatusInternalServerError)
		return
	}
	rep, refs, err := s.saveRunArtifacts(engine, ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Acceptance  rules.AcceptanceReport `json:"acceptance"`
		Diagnostics int                    `json:"diagnostics"`
		Artifacts   []ArtifactRef          `json:"artifacts"`
	}{
		Acceptance:  rep,
		Diagnostics: len(diags),
		Artifacts:   refs,
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveRunArtifacts persists the diagnostics NDJSON, the acceptance JSON and
// the acceptance PDF for a finished engine run and registers all three for
// download.
func (s *Server) saveRunArtifacts(engine *rules.Engine, ctx *rules.Context) (rules.AcceptanceReport, []ArtifactRef, error) {
	rep := engine.MakeAcceptance()
	diagPath, err := s.tempPath("diagnostics-*.ndjson")
	if err != nil {
		return rep, nil, fmt.Errorf("diagnostics temp: %w", err)
	}
	if err := engine.WriteDiagnosticsNDJSON(diagPath); err != nil {
		return rep, nil, fmt.Errorf("write diagnostics: %w", err)
	}
	accPath, err := s.tempPath("acceptance-*.json")
	if err != nil {
		return rep, nil, fmt.Errorf("acceptance temp: %w", err)
	}
	if err := report.SaveAcceptanceJSON(rep, accPath); err != nil {
		return rep, nil, fmt.Errorf("write acceptance: %w", err)
	}
	pdfPath, err := s.tempPath("acceptance-*.pdf")
	if err != nil {
		return rep, nil, fmt.Errorf("acceptance pdf temp: %w", err)
	}
	pdfOpts := report.PDFOptions{Language: s.language}
	if ctx.Index != nil {
		st := stats.Collect(ctx.Index)
		pdfOpts.Stats = &st
	}
	if err := report.SaveAcceptancePDF(rep, pdfPath, pdfOpts); err != nil {
		return rep, nil, fmt.Errorf("write acceptance pdf: %w", err)
	}
	diagArt, err := s.addArtifact(diagPath, "diagnostics.ndjson", "application/x-ndjson", "diagnostics")
	if err != nil {
		return rep, nil, fmt.Errorf("register diagnostics: %w", err)
	}
	accArt, err := s.addArtifact(accPath, "acceptance_report.json", "application/json", "acceptance")
	if err != nil {
		return rep, nil, fmt.Errorf("register acceptance: %w", err)
	}
	pdfArt, err := s.addArtifact(pdfPath, "acceptance_report.pdf", "application/pdf", "acceptance")
	if err != nil {
		return rep, nil, fmt.Errorf("register acceptance pdf: %w", err)
	}
	return rep, []ArtifactRef{toRef(diagArt), toRef(accArt), toRef(pdfArt)}, nil
}

func (s *Server) handleAutoFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Input    string          `json:"input"`
		Registry string          `json:"registry"`
		Profile  string          `json:"profile"`
		RulePack *rules.RulePack `json:"rulePack"`
		DryRun   bool            `json:"dryRun"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Profile) == "" {
		http.Error(w, "profile required", http.StatusBadRequest)
		return
	}
	inputPath, err := s.resolvePath(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	registryPath := s.registryFile
	if req.Registry != "" {
		if registryPath, err = s.resolvePath(req.Registry); err != nil {
			http.Error(w, fmt.Sprintf("registry resolve: %v", err), http.StatusBadRequest)
			return
		}
	}
	rp, err := s.loadRulePack(req.Profile, req.RulePack)
	if err != nil {
		http.Error(w, fmt.Sprintf("load rulepack: %v", err), http.StatusBadRequest)
		return
	}
	auditPath, err := s.tempPath("autofix-*.jsonl")
	if err != nil {
		http.Error(w, fmt.Sprintf("audit temp: %v", err), http.StatusInternalServerError)
		return
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	engine.SetConcurrency(1)
	ctx := &rules.Context{
		InputFile:    inputPath,
		RegistryFile: registryPath,
		Profile:      req.Profile,
		DryRun:       req.DryRun,
		AuditLog:     common.NewPatchLog(auditPath),
	}
	diags, err := engine.Eval(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("eval: %v", err), http.StatusInternalServerError)
		return
	}
	applied := 0
	for _, d := range diags {
		if d.FixApplied {
			applied++
		}
	}
	var outputs []ArtifactRef
	if info, err := os.Stat(auditPath); err == nil && info.Size() > 0 {
		art, err := s.addArtifact(auditPath, "autofix_audit.jsonl", "application/x-ndjson", "audit")
		if err != nil {
			http.Error(w, fmt.Sprintf("register audit log: %v", err), http.StatusInternalServerError)
			return
		}
		outputs = append(outputs, toRef(art))
	}
	resp := struct {
		Diagnostics []rules.Diagnostic `json:"diagnostics"`
		Applied     int                `json:"applied"`
		Outputs     []ArtifactRef      `json:"outputs"`
	}{
		Diagnostics: diags,
		Applied:     applied,
		Outputs:     outputs,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Inputs  []string `json:"inputs"`
		ShaAlgo string   `json:"shaAlgo"`
		Sign    bool     `json:"sign"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	if req.ShaAlgo == "" {
		req.ShaAlgo = "sha256"
	}
	if !strings.EqualFold(req.ShaAlgo, "sha256") {
		http.Error(w, "only sha256 supported", http.StatusBadRequest)
		return
	}
	if req.Sign && s.signer == nil {
		http.Error(w, "manifest signing not configured", http.StatusBadRequest)
		return
	}
	var paths []string
	for _, in := range req.Inputs {
		resolved, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve %s: %v", in, err), http.StatusBadRequest)
			return
		}
		paths = append(paths, resolved)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		http.Error(w, fmt.Sprintf("build manifest: %v", err), http.StatusInternalServerError)
		return
	}
	if req.Sign {
		sig := &manifest.Signature{Type: "jws-detached", SignatureFile: "manifest.jws"}
		if cert := s.signer.Certificate(); cert != nil {
			sig.CertSubject = cert.Subject.String()
			sig.Issuer = cert.Issuer.String()
		}
		m.Signature = sig
	}
	outPath, err := s.tempPath("manifest-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("manifest temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := manifest.Save(m, outPath); err != nil {
		http.Error(w, fmt.Sprintf("write manifest: %v", err), http.StatusInternalServerError)
		return
	}
	manArt, err := s.addArtifact(outPath, "manifest.json", "application/json", "manifest")
	if err != nil {
		http.Error(w, fmt.Sprintf("register manifest: %v", err), http.StatusInternalServerError)
		return
	}
	var sigRef *ArtifactRef
	if req.Sign {
		// The JWS covers the manifest bytes exactly as saved, signature
		// metadata included, so verifiers hash the downloaded file as is.
		data, err := os.ReadFile(outPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("read manifest: %v", err), http.StatusInternalServerError)
			return
		}
		jws, err := s.signer.Sign(data)
		if err != nil {
			http.Error(w, fmt.Sprintf("sign manifest: %v", err), http.StatusInternalServerError)
			return
		}
		sigBytes, err := json.MarshalIndent(jws, "", "  ")
		if err != nil {
			http.Error(w, fmt.Sprintf("encode signature: %v", err), http.StatusInternalServerError)
			return
		}
		sigPath, err := s.tempPath("manifest-*.jws")
		if err != nil {
			http.Error(w, fmt.Sprintf("signature temp: %v", err), http.StatusInternalServerError)
			return
		}
		if err := os.WriteFile(sigPath, sigBytes, 0o644); err != nil {
			http.Error(w, fmt.Sprintf("write signature: %v", err), http.StatusInternalServerError)
			return
		}
		sigArt, err := s.addArtifact(sigPath, "manifest.jws", "application/json", "signature")
		if err != nil {
			http.Error(w, fmt.Sprintf("register signature: %v", err), http.StatusInternalServerError)
			return
		}
		ref := toRef(sigArt)
		sigRef = &ref
	}
	resp := struct {
		Manifest          manifest.Manifest `json:"manifest"`
		ManifestArtifact  ArtifactRef       `json:"manifestArtifact"`
		SignatureArtifact *ArtifactRef      `json:"signatureArtifact,omitempty"`
	}{
		Manifest:          m,
		ManifestArtifact:  toRef(manArt),
		SignatureArtifact: sigRef,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.profileIDs)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.listArtifacts())
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	disposition := fmt.Sprintf("attachment; filename=\"%s\"", art.Name)
	w.Header().Set("Content-Disposition", disposition)
	io.Copy(w, f)
}

// loadRulePack returns the request override when one is supplied, otherwise
// the pack configured for the profile. A configured digest file is checked
// on every load so a tampered pack is refused, not silently applied.
func (s *Server) loadRulePack(profile string, override *rules.RulePack) (rules.RulePack, error) {
	if override != nil && len(override.Rules) > 0 {
		return *override, nil
	}
	entry, ok := s.profilePacks[profile]
	if !ok {
		return rules.RulePack{}, fmt.Errorf("no rule pack configured for profile %s", profile)
	}
	if entry.signaturePath != "" {
		if err := verifyPackDigest(entry.rulesPath, entry.signaturePath); err != nil {
			return rules.RulePack{}, err
		}
	}
	return rules.LoadRulePack(entry.rulesPath)
}

func verifyPackDigest(rulesPath, signaturePath string) error {
	raw, err := os.ReadFile(signaturePath)
	if err != nil {
		return fmt.Errorf("read pack digest: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return fmt.Errorf("pack digest file %s is empty", filepath.Base(signaturePath))
	}
	want := strings.ToLower(fields[0])
	got, _, err := common.Sha256OfFile(rulesPath)
	if err != nil {
		return fmt.Errorf("hash rule pack: %w", err)
	}
	if got != want {
		return fmt.Errorf("rule pack digest mismatch for %s", filepath.Base(rulesPath))
	}
	return nil
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json", ".jws":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".toml", ".txt":
		return "text/plain"
	case ".a429", ".arinc429":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}
