package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/a429gate/arinc429"
	"example.com/a429gate/internal/capture"
	"example.com/a429gate/internal/common"
	"example.com/a429gate/internal/crypto"
	"example.com/a429gate/internal/manifest"
	"example.com/a429gate/internal/report"
	"example.com/a429gate/internal/rules"
	"example.com/a429gate/internal/stats"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "encode":
		encodeCmd(os.Args[2:])
	case "decode":
		decodeCmd(os.Args[2:])
	case "check":
		checkCmd(os.Args[2:])
	case "scan":
		scanCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "autofix":
		autofixCmd(os.Args[2:])
	case "undo":
		undoCmd(os.Args[2:])
	case "batch":
		batchCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	case "verify-signature":
		verifySignatureCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`a429ctl %s (built %s) <command> [options]

Commands:
  encode    --label <octal> [--sdi 0-3] [--data <hex>] [--ssm 0-3] [--swap-label]
  decode    --word <hex> [--swap-label] [--json]
  check     --word <hex>
  scan      --in <file> [--blocks] [--json]
  validate  --in <file> [--registry <buses.toml>] [--profile <profile>] [--rules <rulepack.json>] --out <diagnostics.ndjson> --acceptance <acceptance_report.json>
  autofix   --in <file> [--registry <buses.toml>] [--rules <rulepack.json>] [--audit <audit.jsonl>] [--dry-run]
  undo      --in <file.a429> --audit <audit.jsonl> --out <restored.a429>
  batch     --in <dir> [--registry <buses.toml>] [--registry-dir <dir>] [--rules <rulepack.json>] --out-dir <dir>
  report    --acceptance <acceptance_report.json> [--pdf <file> [--lang en|tr] [--stats-from <capture>] [--qr <digest>]]
  manifest  --inputs <comma-separated> --out <manifest.json> [--sign --key <key.pem> --cert <cert.pem> --jws-out <file>]
  verify-signature --manifest <manifest.json> --jws <signature.jws> --cert <cert.pem>
`, version, buildDate)
}

// parseWordBits accepts a 32-bit word as hex, with or without a 0x prefix.
func parseWordBits(s string) (uint32, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	bits, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse word %q: %w", s, err)
	}
	return uint32(bits), nil
}

func encodeCmd(args []string) {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	label := fs.String("label", "", "label (octal)")
	sdi := fs.Uint("sdi", 0, "source/destination identifier (0-3)")
	data := fs.String("data", "0", "data field (hex, 19 bits)")
	ssm := fs.Uint("ssm", 0, "sign/status matrix (0-3)")
	swapped := fs.Bool("swap-label", false, "also print the label-swapped wire form")
	fs.Parse(args)

	if *label == "" {
		fmt.Println("required: --label")
		os.Exit(1)
	}
	if *sdi > 3 || *ssm > 3 {
		fmt.Println("--sdi and --ssm must be 0-3")
		os.Exit(1)
	}
	lbl, err := arinc429.ParseLabel(*label)
	if err != nil {
		fmt.Println("parse label:", err)
		os.Exit(1)
	}
	dataBits, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(*data), "0x"), 16, 32)
	if err != nil {
		fmt.Println("parse data:", err)
		os.Exit(1)
	}
	w, err := arinc429.New(lbl, uint8(*sdi), uint32(dataBits), uint8(*ssm))
	if err != nil {
		fmt.Println("encode:", err)
		os.Exit(1)
	}
	fmt.Printf("0x%08X\n", w.Bits())
	if *swapped {
		fmt.Printf("0x%08X (label-swapped)\n", w.BitsLabelSwapped())
	}
}

func decodeCmd(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	word := fs.String("word", "", "32-bit word (hex)")
	swapped := fs.Bool("swap-label", false, "input uses label-swapped wire order")
	jsonOut := fs.Bool("json", false, "print fields as JSON")
	fs.Parse(args)

	if *word == "" {
		fmt.Println("required: --word")
		os.Exit(1)
	}
	bits, err := parseWordBits(*word)
	if err != nil {
		fmt.Println("decode:", err)
		os.Exit(1)
	}
	w := arinc429.FromBits(bits)
	if *swapped {
		w = arinc429.FromBitsLabelSwapped(bits)
	}
	parityErr := w.CheckParity()
	if *jsonOut {
		out := map[string]any{
			"bits":     fmt.Sprintf("0x%08X", w.Bits()),
			"label":    arinc429.FormatLabel(w.Label()),
			"sdi":      w.SDI(),
			"data":     fmt.Sprintf("0x%05X", w.Data()),
			"ssm":      w.SSM(),
			"parityOk": parityErr == nil,
		}
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(out); err != nil {
			fmt.Println("encode json:", err)
			os.Exit(1)
		}
		return
	}
	fmt.Printf("Word:   0x%08X\n", w.Bits())
	fmt.Printf("Label:  %s (octal)\n", arinc429.FormatLabel(w.Label()))
	fmt.Printf("SDI:    %d\n", w.SDI())
	fmt.Printf("Data:   0x%05X\n", w.Data())
	fmt.Printf("SSM:    %d\n", w.SSM())
	if parityErr != nil {
		fmt.Printf("Parity: INVALID (%v)\n", parityErr)
	} else {
		fmt.Println("Parity: odd, OK")
	}
}

func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	word := fs.String("word", "", "32-bit word (hex)")
	fs.Parse(args)

	if *word == "" {
		fmt.Println("required: --word")
		os.Exit(1)
	}
	bits, err := parseWordBits(*word)
	if err != nil {
		fmt.Println("check:", err)
		os.Exit(1)
	}
	if err := arinc429.FromBits(bits).CheckParity(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("Parity OK")
}

func scanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	in := fs.String("in", "", "input capture")
	showBlocks := fs.Bool("blocks", false, "print a per-block table")
	jsonOut := fs.Bool("json", false, "print statistics as JSON")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	_, idx, err := capture.ScanFile(*in)
	if err != nil {
		fmt.Println("scan:", err)
		os.Exit(1)
	}
	st := stats.Collect(&idx)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fmt.Println("encode json:", err)
			os.Exit(1)
		}
		return
	}

	size := common.FormatBytes(idx.Size)
	if idx.Compressed {
		size += ", zstd"
	}
	fmt.Printf("File: %s (%s)\n", idx.Path, size)
	fmt.Printf("Blocks: %d  Words: %d  Resyncs: %d\n", st.Blocks, st.Words, st.Resyncs)
	if st.ParityFlagged > 0 || st.ParityInvalid > 0 || st.FormatErrors > 0 {
		fmt.Printf("Parity flagged: %d  Parity invalid: %d  Format errors: %d\n",
			st.ParityFlagged, st.ParityInvalid, st.FormatErrors)
	}
	if st.Gap.Count > 0 {
		fmt.Printf("Gap: mean=%.1fus median=%.1fus p95=%.1fus max=%.1fus\n",
			st.Gap.MeanUs, st.Gap.MedianUs, st.Gap.P95Us, st.Gap.MaxUs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tBLOCKS\tWORDS\tHIGH\tLOW\tBUSES\tGAP MEAN (US)")
	for _, ch := range st.Channels {
		buses := make([]string, len(ch.Buses))
		for i, b := range ch.Buses {
			buses[i] = strconv.Itoa(int(b))
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\t%.1f\n",
			ch.ChannelID, ch.Blocks, ch.Words, ch.HighWords, ch.LowWords,
			strings.Join(buses, ","), ch.Gap.MeanUs)
	}
	w.Flush()

	if *showBlocks {
		bw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(bw, "OFFSET\tCHANNEL\tSEQ\tWORDS\tHDR\tCRC\tTIME\tERROR")
		for _, blk := range idx.Blocks {
			crc := "-"
			if blk.HasChecksum {
				crc = okFail(blk.DataCRCOK)
			}
			ts := "-"
			if blk.HasTimeExt {
				ts = fmt.Sprintf("%dus", blk.BaseTimeUs)
				if !blk.TimeExtOK {
					ts += " (bad csum)"
				}
			}
			fmt.Fprintf(bw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
				blk.Offset, blk.ChannelID, blk.SeqNum, blk.WordCount,
				okFail(blk.ChecksumOK), crc, ts, blk.ParseError)
		}
		bw.Flush()
	}
}

func okFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}

// loadPack reads a rule pack from disk, or falls back to the built-in
// pack when no path is given.
func loadPack(path, profile string) (rules.RulePack, error) {
	if path == "" {
		return rules.DefaultRulePack(), nil
	}
	rp, err := rules.LoadRulePack(path)
	if err != nil {
		return rules.RulePack{}, err
	}
	if rp.Profile != "" && profile != "" && rp.Profile != profile {
		fmt.Printf("Warning: rule pack targets profile %s\n", rp.Profile)
	}
	return rp, nil
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	in := fs.String("in", "", "input capture")
	registryPath := fs.String("registry", "", "bus registry TOML")
	profile := fs.String("profile", capture.DefaultProfile, "profile")
	rulesPath := fs.String("rules", "", "rulepack.json (defaults to the built-in pack)")
	outDiag := fs.String("out", "diagnostics.ndjson", "diagnostics output")
	outAcc := fs.String("acceptance", "acceptance_report.json", "acceptance json")
	includeTimestamps := fs.Bool("diag-include-timestamps", true, "include timestamp metadata in diagnostics output")
	concurrency := fs.Int("concurrency", runtime.NumCPU(), "maximum concurrent channel evaluations")
	metricsFlag := fs.Bool("metrics", false, "print validation throughput metrics")
	progressFlag := fs.Bool("progress", false, "display validation progress updates")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		if info, err := os.Stat(*in); err == nil {
			metrics.SetTotalBytes(info.Size())
		}
	}

	rp, err := loadPack(*rulesPath, *profile)
	if err != nil {
		fmt.Println("load rulepack:", err)
		os.Exit(1)
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	engine.SetConfigValue("diag.include_timestamps", *includeTimestamps)
	engine.SetConcurrency(*concurrency)

	// Validation never touches the capture. Fixable rules run dry and
	// report what autofix would change.
	ctx := &rules.Context{
		InputFile:    *in,
		RegistryFile: *registryPath,
		Profile:      *profile,
		DryRun:       true,
		Metrics:      metrics,
	}
	if metrics != nil {
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	diags, err := engine.Eval(ctx)
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fmt.Println("eval:", err)
		os.Exit(1)
	}

	if err := engine.WriteDiagnosticsNDJSON(*outDiag); err != nil {
		fmt.Println("write diags:", err)
		os.Exit(1)
	}
	rep := engine.MakeAcceptance()
	if err := report.SaveAcceptanceJSON(rep, *outAcc); err != nil {
		fmt.Println("write report:", err)
		os.Exit(1)
	}
	fmt.Printf("PASS=%v, errors=%d, warnings=%d, diagnostics=%d\n", rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings, len(diags))
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		throughputBps := snap.ThroughputBytesPerSecond()
		gbPerMin := throughputBps * 60 / 1_000_000_000
		mbPerSec := throughputBps / 1_000_000
		fmt.Printf("Metrics: duration=%s blocks=%d words=%d resyncs=%d processed=%s throughput=%.2f GB/min (%.2f MB/s)\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Blocks,
			snap.Words,
			snap.Resyncs,
			common.FormatBytes(snap.Bytes),
			gbPerMin,
			mbPerSec,
		)
	}
}

func autofixCmd(args []string) {
	fs := flag.NewFlagSet("autofix", flag.ExitOnError)
	in := fs.String("in", "", "input capture")
	registryPath := fs.String("registry", "", "bus registry TOML")
	profile := fs.String("profile", capture.DefaultProfile, "profile")
	rulesPath := fs.String("rules", "", "rulepack.json (defaults to the built-in pack)")
	includeTimestamps := fs.Bool("diag-include-timestamps", true, "include timestamp metadata in diagnostics output")
	auditPath := fs.String("audit", "", "audit log output (jsonl)")
	dryRun := fs.Bool("dry-run", false, "report fixes without applying them")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	auditLogPath := *auditPath
	if auditLogPath == "" {
		auditLogPath = *in + ".audit.jsonl"
	}

	rp, err := loadPack(*rulesPath, *profile)
	if err != nil {
		fmt.Println("load rulepack:", err)
		os.Exit(1)
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	engine.SetConfigValue("diag.include_timestamps", *includeTimestamps)
	engine.SetConcurrency(1)

	ctx := &rules.Context{
		InputFile:    *in,
		RegistryFile: *registryPath,
		Profile:      *profile,
		DryRun:       *dryRun,
	}
	if !*dryRun {
		ctx.AuditLog = common.NewPatchLog(auditLogPath)
	}
	diags, err := engine.Eval(ctx)
	if err != nil {
		fmt.Println("eval:", err)
		os.Exit(1)
	}

	fixes := 0
	suggested := 0
	for _, d := range diags {
		if d.FixApplied {
			fixes++
			fmt.Printf("%s: %s\n", d.RuleId, d.Message)
			continue
		}
		if d.FixSuggested {
			suggested++
			if *dryRun {
				fmt.Printf("%s: would fix: %s\n", d.RuleId, d.Message)
			}
		}
	}
	if *dryRun {
		fmt.Printf("Dry run: %d fix(es) available\n", suggested)
		return
	}
	if fixes == 0 {
		fmt.Println("No fixes applied")
		return
	}
	fmt.Printf("Applied %d fix(es)\n", fixes)
	if ctx.AuditLog != nil {
		fmt.Printf("Audit log: %s\n", ctx.AuditLog.Path())
	}
}

func undoCmd(args []string) {
	fs := flag.NewFlagSet("undo", flag.ExitOnError)
	in := fs.String("in", "", "fixed capture file")
	audit := fs.String("audit", "", "audit log (jsonl)")
	out := fs.String("out", "", "restored output file")
	fs.Parse(args)

	if *in == "" || *audit == "" || *out == "" {
		fmt.Println("required: --in, --audit, --out")
		os.Exit(1)
	}

	entries, err := common.ReadPatchLog(*audit)
	if err != nil {
		fmt.Println("read audit:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("audit log is empty")
		os.Exit(1)
	}

	patchedHash, _, err := common.Sha256OfFile(*in)
	if err != nil {
		fmt.Println("hash input:", err)
		os.Exit(1)
	}

	if err := copyFile(*in, *out); err != nil {
		fmt.Println("copy input:", err)
		os.Exit(1)
	}

	f, err := os.OpenFile(*out, os.O_RDWR, 0)
	if err != nil {
		fmt.Println("open output:", err)
		os.Exit(1)
	}
	defer f.Close()

	// Patches are replayed newest first so overlapping edits unwind in
	// the reverse of the order they were applied.
	mismatches := 0
	applied := 0
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		before, err := entry.BeforeBytes()
		if err != nil {
			fmt.Printf("skip entry %d: decode beforeHex failed: %v\n", i, err)
			continue
		}
		after, err := entry.AfterBytes()
		if err != nil {
			fmt.Printf("skip entry %d: decode afterHex failed: %v\n", i, err)
			continue
		}
		if entry.Offset < 0 {
			fmt.Printf("skip entry %d: invalid offset %d\n", i, entry.Offset)
			continue
		}
		mismatch := false
		if len(after) != len(before) {
			mismatch = true
		}
		if len(after) > 0 {
			buf := make([]byte, len(after))
			if _, err := f.ReadAt(buf, entry.Offset); err != nil || !bytes.Equal(buf, after) {
				mismatch = true
			}
		}
		if len(before) > 0 {
			if _, err := f.WriteAt(before, entry.Offset); err != nil {
				fmt.Println("write patch:", err)
				os.Exit(1)
			}
		}
		if mismatch {
			mismatches++
		}
		applied++
	}

	if err := f.Sync(); err != nil {
		fmt.Println("sync output:", err)
		os.Exit(1)
	}

	restoredHash, _, err := common.Sha256OfFile(*out)
	if err != nil {
		fmt.Println("hash restored:", err)
		os.Exit(1)
	}

	fmt.Printf("Restored %d patch(es) to %s\n", applied, *out)
	fmt.Printf("Patched SHA256: %s\n", patchedHash)
	fmt.Printf("Restored SHA256: %s\n", restoredHash)
	if mismatches > 0 {
		fmt.Printf("Warning: %d patch(es) did not match expected fixed bytes; original bytes reapplied regardless.\n", mismatches)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func isCaptureFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".a429", ".arinc429":
		return true
	}
	return false
}

// findRegistry resolves the bus registry for one capture: a TOML file
// named after the capture next to it, then one in the registry
// directory, then the global fallback.
func findRegistry(input, registryDir, fallback string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	candidates := []string{filepath.Join(filepath.Dir(input), base+".toml")}
	if registryDir != "" {
		candidates = append(candidates, filepath.Join(registryDir, base+".toml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return fallback
}

func batchCmd(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	inDir := fs.String("in", ".", "input directory")
	profile := fs.String("profile", capture.DefaultProfile, "profile")
	rulesPath := fs.String("rules", "", "rulepack.json (defaults to the built-in pack)")
	registryPath := fs.String("registry", "", "bus registry TOML applied to every capture")
	registryDir := fs.String("registry-dir", "", "directory searched for per-capture registries")
	outDir := fs.String("out-dir", "out", "results directory")
	concurrency := fs.Int("concurrency", runtime.NumCPU(), "maximum concurrent channel evaluations")
	fs.Parse(args)

	rp, err := loadPack(*rulesPath, *profile)
	if err != nil {
		fmt.Println("load rulepack:", err)
		os.Exit(1)
	}

	var inputs []string
	err = filepath.WalkDir(*inDir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isCaptureFile(path) {
			inputs = append(inputs, path)
		}
		return nil
	})
	if err != nil {
		fmt.Println("walk inputs:", err)
		os.Exit(1)
	}
	if len(inputs) == 0 {
		fmt.Println("no capture files found in", *inDir)
		os.Exit(1)
	}
	sort.Strings(inputs)

	failures := 0
	for _, input := range inputs {
		name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		resultDir := filepath.Join(*outDir, name)
		if err := os.MkdirAll(resultDir, 0o755); err != nil {
			fmt.Println("create output dir:", err)
			os.Exit(1)
		}

		engine := rules.NewEngine(rp)
		engine.RegisterBuiltins()
		engine.SetConcurrency(*concurrency)

		ctx := &rules.Context{
			InputFile:    input,
			RegistryFile: findRegistry(input, *registryDir, *registryPath),
			Profile:      *profile,
			DryRun:       true,
		}
		if _, err := engine.Eval(ctx); err != nil {
			fmt.Printf("%s: eval: %v\n", name, err)
			failures++
			continue
		}
		if err := engine.WriteDiagnosticsNDJSON(filepath.Join(resultDir, "diagnostics.ndjson")); err != nil {
			fmt.Printf("%s: write diags: %v\n", name, err)
			failures++
			continue
		}
		rep := engine.MakeAcceptance()
		if err := report.SaveAcceptanceJSON(rep, filepath.Join(resultDir, "acceptance_report.json")); err != nil {
			fmt.Printf("%s: write report: %v\n", name, err)
			failures++
			continue
		}
		status := "PASS"
		if !rep.Summary.Pass {
			status = "FAIL"
			failures++
		}
		fmt.Printf("%s: %s errors=%d warnings=%d\n", name, status, rep.Summary.Errors, rep.Summary.Warnings)
	}
	fmt.Printf("Processed %d capture(s), %d failure(s)\n", len(inputs), failures)
	if failures > 0 {
		os.Exit(1)
	}
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	accPath := fs.String("acceptance", "", "acceptance_report.json")
	pdfPath := fs.String("pdf", "", "output acceptance report PDF")
	lang := fs.String("lang", "en", "report language (en, tr)")
	statsFrom := fs.String("stats-from", "", "capture file to embed statistics from")
	qr := fs.String("qr", "", "manifest digest to embed as a QR code")
	fs.Parse(args)

	if *accPath == "" {
		fmt.Println("required: --acceptance")
		os.Exit(1)
	}
	rep, err := report.LoadAcceptanceJSON(*accPath)
	if err != nil {
		fmt.Println("load acceptance:", err)
		os.Exit(1)
	}

	if *pdfPath == "" {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RULE\tSTATUS\tNAME")
		for _, row := range rep.GateMatrix {
			fmt.Fprintf(w, "%v\t%s\t%v\n", row["ruleId"], strings.ToUpper(fmt.Sprint(row["status"])), row["name"])
		}
		w.Flush()
		fmt.Printf("PASS=%v, errors=%d, warnings=%d\n", rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings)
		return
	}

	language, err := report.ParseLanguage(*lang)
	if err != nil {
		fmt.Println("language:", err)
		os.Exit(1)
	}
	opts := report.PDFOptions{Language: language, DigestQR: *qr}
	if *statsFrom != "" {
		_, idx, err := capture.ScanFile(*statsFrom)
		if err != nil {
			fmt.Println("scan capture:", err)
			os.Exit(1)
		}
		st := stats.Collect(&idx)
		opts.Stats = &st
	}
	if err := report.SaveAcceptancePDF(rep, *pdfPath, opts); err != nil {
		fmt.Println("write pdf:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote PDF:", *pdfPath)
}

func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	inputs := fs.String("inputs", "", "comma-separated paths")
	out := fs.String("out", "manifest.json", "output json")
	sign := fs.Bool("sign", false, "sign manifest (detached JWS over JSON)")
	keyPath := fs.String("key", "", "PEM private key for signing (requires --sign)")
	certPath := fs.String("cert", "", "PEM certificate describing signer (requires --sign)")
	jwsOut := fs.String("jws-out", "", "output JWS file (defaults to manifest path with .jws)")
	fs.Parse(args)

	if *inputs == "" {
		fmt.Println("required: --inputs")
		os.Exit(1)
	}

	var paths []string
	for _, p := range strings.Split(*inputs, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		fmt.Println("no input paths specified")
		os.Exit(1)
	}

	m, err := manifest.Build(paths)
	if err != nil {
		fmt.Println("manifest build:", err)
		os.Exit(1)
	}

	if !*sign {
		if err := manifest.Save(m, *out); err != nil {
			fmt.Println("manifest save:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote", *out)
		return
	}

	if *keyPath == "" || *certPath == "" {
		fmt.Println("--sign requires --key and --cert")
		os.Exit(1)
	}
	signer, err := crypto.LoadSignerPEM(*keyPath, *certPath)
	if err != nil {
		fmt.Println("load signer:", err)
		os.Exit(1)
	}

	sigPath := *jwsOut
	if sigPath == "" {
		base := *out
		ext := filepath.Ext(base)
		if ext != "" {
			sigPath = base[:len(base)-len(ext)] + ".jws"
		} else {
			sigPath = base + ".jws"
		}
	}

	cert := signer.Certificate()
	m.Signature = &manifest.Signature{
		Type:          "jws-detached",
		CertSubject:   cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		SignatureFile: filepath.Base(sigPath),
	}

	// The JWS covers the manifest bytes exactly as written, signature
	// metadata included, so verifiers hash the file as is.
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fmt.Println("manifest marshal:", err)
		os.Exit(1)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		fmt.Println("manifest sign:", err)
		os.Exit(1)
	}
	jwsBytes, err := json.MarshalIndent(jws, "", "  ")
	if err != nil {
		fmt.Println("jws marshal:", err)
		os.Exit(1)
	}

	if err := os.WriteFile(sigPath, jwsBytes, 0o644); err != nil {
		fmt.Println("write jws:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, payload, 0o644); err != nil {
		fmt.Println("write manifest:", err)
		os.Exit(1)
	}

	fmt.Println("Wrote", *out)
	fmt.Println("Wrote signature", sigPath)
}

func verifySignatureCmd(args []string) {
	fs := flag.NewFlagSet("verify-signature", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "manifest JSON file")
	jwsPath := fs.String("jws", "", "manifest JWS signature file")
	certPath := fs.String("cert", "", "signer certificate (PEM)")
	fs.Parse(args)

	if *manifestPath == "" || *jwsPath == "" || *certPath == "" {
		fmt.Println("required: --manifest, --jws, --cert")
		os.Exit(1)
	}

	manifestBytes, err := os.ReadFile(*manifestPath)
	if err != nil {
		fmt.Println("read manifest:", err)
		os.Exit(1)
	}
	jwsBytes, err := os.ReadFile(*jwsPath)
	if err != nil {
		fmt.Println("read jws:", err)
		os.Exit(1)
	}
	certBytes, err := os.ReadFile(*certPath)
	if err != nil {
		fmt.Println("read cert:", err)
		os.Exit(1)
	}

	jwsObj, err := crypto.ParseDetachedJWS(jwsBytes)
	if err != nil {
		fmt.Println("parse jws:", err)
		os.Exit(1)
	}
	if err := crypto.VerifyDetachedJWS(manifestBytes, jwsObj, certBytes); err != nil {
		fmt.Println("verify signature:", err)
		os.Exit(1)
	}
	msg := "Signature OK"
	if cert, err := crypto.SignerCertificate(jwsObj); err == nil {
		msg += fmt.Sprintf(" (signed by %s)", cert.Subject.CommonName)
	}
	fmt.Println(msg)
}
