package rules

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"example.com/a429gate/arinc429"
	"example.com/a429gate/internal/capture"
	"example.com/a429gate/internal/common"
)

const a429BlockHeaderSize = 20

// timeSourceExtension marks timestamps derived from a block time extension.
const timeSourceExtension = "time-extension"

func int64Ptr(v int64) *int64 { return &v }

func stringPtr(s string) *string { return &s }

func (e *Engine) RegisterBuiltins() {
	e.Register("CheckBlockSync", CheckBlockSync)
	e.Register("CheckBlockStructure", CheckBlockStructure)
	e.Register("FixHeaderChecksum", FixHeaderChecksum)
	e.Register("FixDataChecksum", FixDataChecksum)
	e.Register("CheckSequence", CheckSequence)
	e.Register("CheckWordCount", CheckWordCount)
	e.Register("FixWordParity", FixWordParity)
	e.Register("WarnParityFlag", WarnParityFlag)
	e.Register("CheckMinimumGap", CheckMinimumGap)
	e.Register("CheckSpeedConsistency", CheckSpeedConsistency)
	e.Register("CheckRegistryCoverage", CheckRegistryCoverage)
}

// wordTimestampUs anchors record i on the capture timeline. The base time
// marks the first record of the block, every later record adds the gaps
// recorded since.
func wordTimestampUs(blk *capture.BlockIndex, i int) (int64, bool) {
	if blk == nil || blk.BaseTimeUs < 0 || i < 0 || i >= len(blk.Records) {
		return 0, false
	}
	var gap0p1 int64
	for j := 1; j <= i; j++ {
		gap0p1 += int64(blk.Records[j].GapTime0p1Us)
	}
	return blk.BaseTimeUs + gap0p1/10, true
}

func stampWordDiag(diag *Diagnostic, blk *capture.BlockIndex, i int) {
	if ts, ok := wordTimestampUs(blk, i); ok {
		diag.TimestampUs = int64Ptr(ts)
		diag.TimestampSource = stringPtr(timeSourceExtension)
	}
}

// fixSeverity is the severity reported for a defect that was found but not
// repaired, for example under DryRun.
func fixSeverity(rule Rule) Severity {
	if rule.Severity != "" {
		return rule.Severity
	}
	return WARN
}

// pendingFix pairs a byte-range edit with its audit trail entry. The entry
// is only appended once the edit has actually been written.
type pendingFix struct {
	edit  capture.PatchEdit
	entry common.PatchEntry
}

func newPendingFix(rule Rule, ref string, offset int64, before, after []byte) pendingFix {
	return pendingFix{
		edit: capture.PatchEdit{Offset: offset, Data: after},
		entry: common.PatchEntry{
			RuleID:    rule.RuleId,
			Ref:       ref,
			Offset:    offset,
			Range:     fmt.Sprintf("0x%X+%d", offset, len(after)),
			BeforeHex: hex.EncodeToString(before),
			AfterHex:  hex.EncodeToString(after),
		},
	}
}

// applyFixes writes the pending edits and logs them. The caller has already
// handled the DryRun case.
func applyFixes(ctx *Context, fixes []pendingFix) error {
	edits := make([]capture.PatchEdit, len(fixes))
	for i, fx := range fixes {
		edits[i] = fx.edit
	}
	if err := capture.ApplyPatch(ctx.InputFile, edits); err != nil {
		return err
	}
	if ctx.AuditLog == nil {
		return nil
	}
	for _, fx := range fixes {
		if err := ctx.AuditLog.Append(fx.entry); err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
	}
	return nil
}

func CheckBlockSync(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: INFO, Message: "block framing ok", Refs: rule.Refs}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot index capture"
		return diag, false, err
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Severity = ERROR
		diag.Message = "no block framing found"
		return diag, false, nil
	}
	if first := ctx.Index.Blocks[0].Offset; first != 0 {
		diag.Severity = ERROR
		diag.Offset = fmt.Sprintf("0x%X", first)
		diag.Message = fmt.Sprintf("capture does not start on a block boundary, first sync at 0x%X", first)
		return diag, false, nil
	}
	if ctx.Index.Resyncs > 0 {
		diag.Severity = WARN
		diag.Message = fmt.Sprintf("resynchronized %d times after framing loss", ctx.Index.Resyncs)
		return diag, false, nil
	}
	diag.Message = fmt.Sprintf("block framing ok (%d blocks)", len(ctx.Index.Blocks))
	return diag, false, nil
}

func CheckBlockStructure(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: INFO, Message: "block structure verified", Refs: rule.Refs}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot index capture"
		return diag, false, err
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		diag.BlockIndex = i
		diag.ChannelId = ChannelRef(blk.ChannelID)
		diag.Offset = fmt.Sprintf("0x%X", blk.Offset)
		if blk.Format != capture.FormatRaw429 {
			diag.Severity = ERROR
			diag.Message = fmt.Sprintf("unknown block format %d", blk.Format)
			return diag, false, nil
		}
		if blk.DataLength != blk.BlockLength-a429BlockHeaderSize {
			diag.Severity = ERROR
			diag.Message = fmt.Sprintf("data length %d disagrees with block length %d", blk.DataLength, blk.BlockLength)
			return diag, false, nil
		}
		if blk.HasTimeExt && !blk.TimeExtOK {
			diag.Severity = ERROR
			diag.Message = "time extension checksum mismatch"
			return diag, false, nil
		}
		if blk.ParseError != "" {
			diag.Severity = ERROR
			diag.Message = fmt.Sprintf("payload not parseable (%s)", blk.ParseError)
			return diag, false, nil
		}
	}
	diag.BlockIndex = 0
	diag.ChannelId = nil
	diag.Offset = ""
	diag.Message = fmt.Sprintf("block structure verified (%d blocks)", len(ctx.Index.Blocks))
	return diag, false, nil
}

func FixHeaderChecksum(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{
		Ts:       time.Now(),
		File:     ctx.InputFile,
		RuleId:   rule.RuleId,
		Severity: INFO,
		Message:  "header checksum verification skipped",
		Refs:     rule.Refs,
	}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if ctx.Index == nil {
		if err := ctx.EnsureCaptureIndex(); err != nil {
			diag.Severity = ERROR
			diag.Message = "cannot index capture"
			return diag, false, err
		}
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}
	f, err := os.Open(ctx.InputFile)
	if err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot open input file"
		return diag, false, err
	}
	defer f.Close()

	header := make([]byte, a429BlockHeaderSize)
	var fixes []pendingFix
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		if _, err := f.ReadAt(header, blk.Offset); err != nil {
			diag.Severity = ERROR
			diag.Message = fmt.Sprintf("read header at offset 0x%X failed", blk.Offset)
			return diag, false, err
		}
		stored := binary.BigEndian.Uint16(header[16:18])
		computed, err := capture.ComputeHeaderChecksum(ctx.Profile, header)
		if err != nil {
			diag.Severity = ERROR
			diag.Message = "cannot compute header checksum"
			return diag, false, err
		}
		if stored == computed {
			continue
		}
		before := []byte{header[16], header[17]}
		after := []byte{byte(computed >> 8), byte(computed)}
		fixes = append(fixes, newPendingFix(rule, fmt.Sprintf("block %d header checksum", i), blk.Offset+16, before, after))
	}

	if len(fixes) == 0 {
		diag.Message = fmt.Sprintf("header checksums verified (%d blocks)", len(ctx.Index.Blocks))
		return diag, false, nil
	}
	diag.FixSuggested = true
	if ctx.DryRun {
		diag.Severity = fixSeverity(rule)
		diag.Message = fmt.Sprintf("header checksum mismatch on %d blocks", len(fixes))
		return diag, false, nil
	}
	if err := applyFixes(ctx, fixes); err != nil {
		diag.Severity = ERROR
		diag.Message = "failed to update header checksum"
		return diag, false, err
	}
	diag.Message = fmt.Sprintf("fixed header checksum on %d blocks", len(fixes))
	return diag, true, nil
}

func FixDataChecksum(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{
		Ts:       time.Now(),
		File:     ctx.InputFile,
		RuleId:   rule.RuleId,
		Severity: INFO,
		Message:  "data checksum verification skipped",
		Refs:     rule.Refs,
	}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if ctx.Index == nil {
		if err := ctx.EnsureCaptureIndex(); err != nil {
			diag.Severity = ERROR
			diag.Message = "cannot index capture"
			return diag, false, err
		}
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}
	f, err := os.Open(ctx.InputFile)
	if err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot open input file"
		return diag, false, err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	var checked int
	var fixes []pendingFix
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		if !blk.HasChecksum {
			continue
		}
		checked++
		trailerOffset := blk.Offset + int64(blk.BlockLength) - 2
		crcStart := blk.PayloadOffset()
		remaining := trailerOffset - crcStart
		if remaining < 0 {
			continue
		}
		calc, err := capture.NewDataChecksum(ctx.Profile)
		if err != nil {
			diag.Severity = ERROR
			diag.Message = "cannot init data checksum"
			return diag, false, err
		}
		offset := crcStart
		for remaining > 0 {
			chunk := int64(len(buf))
			if remaining < chunk {
				chunk = remaining
			}
			n, err := f.ReadAt(buf[:int(chunk)], offset)
			if err != nil && err != io.EOF {
				diag.Severity = ERROR
				diag.Message = fmt.Sprintf("read payload at offset 0x%X failed", offset)
				return diag, false, err
			}
			if n == 0 {
				break
			}
			calc.Write(buf[:n])
			remaining -= int64(n)
			offset += int64(n)
			if int64(n) < chunk {
				break
			}
		}
		computed := calc.Sum16()
		trailer := make([]byte, 2)
		if _, err := f.ReadAt(trailer, trailerOffset); err != nil {
			diag.Severity = ERROR
			diag.Message = fmt.Sprintf("read checksum trailer at offset 0x%X failed", trailerOffset)
			return diag, false, err
		}
		stored := binary.BigEndian.Uint16(trailer)
		if stored == computed {
			continue
		}
		after := []byte{byte(computed >> 8), byte(computed)}
		fixes = append(fixes, newPendingFix(rule, fmt.Sprintf("block %d data checksum", i), trailerOffset, trailer, after))
	}

	if checked == 0 {
		diag.Message = "no blocks carry a data checksum"
		return diag, false, nil
	}
	if len(fixes) == 0 {
		diag.Message = fmt.Sprintf("data checksums verified (%d blocks)", checked)
		return diag, false, nil
	}
	diag.FixSuggested = true
	if ctx.DryRun {
		diag.Severity = fixSeverity(rule)
		diag.Message = fmt.Sprintf("data checksum mismatch on %d blocks", len(fixes))
		return diag, false, nil
	}
	if err := applyFixes(ctx, fixes); err != nil {
		diag.Severity = ERROR
		diag.Message = "failed to update data checksum"
		return diag, false, err
	}
	diag.Message = fmt.Sprintf("fixed data checksum on %d blocks", len(fixes))
	return diag, true, nil
}

// CheckSequence verifies that block sequence numbers increment mod 256 per
// channel. The fix renumbers from the first block onward and recomputes the
// header checksum of every rewritten header.
func CheckSequence(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{
		Ts:       time.Now(),
		File:     ctx.InputFile,
		RuleId:   rule.RuleId,
		Severity: INFO,
		Message:  "sequence numbers contiguous",
		Refs:     rule.Refs,
	}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if ctx.Index == nil {
		if err := ctx.EnsureCaptureIndex(); err != nil {
			diag.Severity = ERROR
			diag.Message = "cannot index capture"
			return diag, false, err
		}
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}

	f, err := os.Open(ctx.InputFile)
	if err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot open input file"
		return diag, false, err
	}
	defer f.Close()

	// The engine hands channel-scoped rules a single-channel view, but the
	// check also holds when running unfiltered: numbering is tracked per
	// channel either way.
	next := make(map[uint16]uint8)
	started := make(map[uint16]bool)
	header := make([]byte, a429BlockHeaderSize)
	var fixes []pendingFix
	firstBad := -1
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		want := next[blk.ChannelID]
		if !started[blk.ChannelID] {
			started[blk.ChannelID] = true
			want = blk.SeqNum
		}
		next[blk.ChannelID] = want + 1
		if blk.SeqNum == want {
			continue
		}
		if firstBad < 0 {
			firstBad = i
			diag.ChannelId = ChannelRef(blk.ChannelID)
			diag.BlockIndex = i
			diag.Offset = fmt.Sprintf("0x%X", blk.Offset)
		}
		if _, err := f.ReadAt(header, blk.Offset); err != nil {
			diag.Severity = ERROR
			diag.Message = fmt.Sprintf("read header at offset 0x%X failed", blk.Offset)
			return diag, false, err
		}
		before := make([]byte, 4)
		copy(before, header[14:18])
		header[14] = want
		computed, err := capture.ComputeHeaderChecksum(ctx.Profile, header)
		if err != nil {
			diag.Severity = ERROR
			diag.Message = "cannot compute header checksum"
			return diag, false, err
		}
		after := []byte{want, header[15], byte(computed >> 8), byte(computed)}
		fixes = append(fixes, newPendingFix(rule, fmt.Sprintf("block %d sequence", i), blk.Offset+14, before, after))
	}

	if len(fixes) == 0 {
		diag.Message = fmt.Sprintf("sequence numbers contiguous (%d blocks)", len(ctx.Index.Blocks))
		return diag, false, nil
	}
	diag.FixSuggested = true
	if ctx.DryRun {
		diag.Severity = fixSeverity(rule)
		diag.Message = fmt.Sprintf("sequence breaks on %d blocks", len(fixes))
		return diag, false, nil
	}
	if err := applyFixes(ctx, fixes); err != nil {
		diag.Severity = ERROR
		diag.Message = "failed to renumber blocks"
		return diag, false, err
	}
	diag.Message = fmt.Sprintf("renumbered %d blocks", len(fixes))
	return diag, true, nil
}

func CheckWordCount(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: INFO, Message: "word counts consistent", Refs: rule.Refs}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot index capture"
		return diag, false, err
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		diag.BlockIndex = i
		diag.ChannelId = ChannelRef(blk.ChannelID)
		diag.Offset = fmt.Sprintf("0x%X", blk.Offset)
		count := int64(blk.CSDW & 0xFFFF)
		payloadLen := blk.Offset + int64(blk.BlockLength) - blk.PayloadOffset()
		expected := int64(4) + count*8
		if blk.HasChecksum {
			expected += 2
		}
		if payloadLen != expected {
			diag.Severity = ERROR
			diag.Message = fmt.Sprintf("channel status word announces %d words, payload holds %d bytes (want %d)", count, payloadLen, expected)
			return diag, false, nil
		}
		if blk.CSDW>>16 != 0 {
			diag.Severity = WARN
			diag.Message = fmt.Sprintf("reserved channel status bits set (0x%08X)", blk.CSDW)
			return diag, false, nil
		}
	}
	diag.BlockIndex = 0
	diag.ChannelId = nil
	diag.Offset = ""
	diag.Message = fmt.Sprintf("word counts consistent (%d words)", ctx.Index.TotalWords())
	return diag, false, nil
}

// FixWordParity rewrites the parity bit of stored words that fail the odd
// parity check. Words the receiver already flagged on the bus are left
// untouched so the recorded evidence survives; WarnParityFlag reports them.
func FixWordParity(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{
		Ts:       time.Now(),
		File:     ctx.InputFile,
		RuleId:   rule.RuleId,
		Severity: INFO,
		Message:  "word parity verified",
		Refs:     rule.Refs,
	}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if ctx.Index == nil {
		if err := ctx.EnsureCaptureIndex(); err != nil {
			diag.Severity = ERROR
			diag.Message = "cannot index capture"
			return diag, false, err
		}
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}

	var fixes []pendingFix
	var flagged int
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		for w, rec := range blk.Records {
			if err := rec.Word.CheckParity(); err == nil {
				continue
			}
			if rec.ParityFlag {
				flagged++
				continue
			}
			if len(fixes) == 0 {
				diag.BlockIndex = i
				diag.ChannelId = ChannelRef(blk.ChannelID)
				diag.Offset = fmt.Sprintf("0x%X", blk.DataWordOffset(w))
				stampWordDiag(&diag, blk, w)
			}
			fixed := rec.Word.WithOddParity()
			before := make([]byte, 4)
			binary.BigEndian.PutUint32(before, rec.Word.Bits())
			after := make([]byte, 4)
			binary.BigEndian.PutUint32(after, fixed.Bits())
			ref := fmt.Sprintf("block %d word %d label %s", i, w, arinc429.FormatLabel(rec.Word.Label()))
			fixes = append(fixes, newPendingFix(rule, ref, blk.DataWordOffset(w), before, after))
		}
	}

	if len(fixes) == 0 {
		if flagged > 0 {
			diag.Message = fmt.Sprintf("word parity verified, %d receiver-flagged words left untouched", flagged)
		} else {
			diag.Message = fmt.Sprintf("word parity verified (%d words)", ctx.Index.TotalWords())
		}
		return diag, false, nil
	}
	diag.FixSuggested = true
	if ctx.DryRun {
		diag.Severity = fixSeverity(rule)
		diag.Message = fmt.Sprintf("invalid parity on %d words", len(fixes))
		return diag, false, nil
	}
	// Rewriting parity changes payload bytes, so the CRC trailer of every
	// touched checksummed block must be refreshed in the same pass or the
	// repaired capture fails its own data checksum gate.
	words := len(fixes)
	trailers, err := staleTrailerFixes(ctx, rule, fixes)
	if err != nil {
		diag.Severity = ERROR
		diag.Message = "failed to recompute data checksum"
		return diag, false, err
	}
	fixes = append(fixes, trailers...)
	if err := applyFixes(ctx, fixes); err != nil {
		diag.Severity = ERROR
		diag.Message = "failed to rewrite parity"
		return diag, false, err
	}
	diag.Message = fmt.Sprintf("rewrote parity bit on %d words", words)
	if len(trailers) > 0 {
		diag.Message += fmt.Sprintf(", refreshed %d data checksum trailers", len(trailers))
	}
	if flagged > 0 {
		diag.Message += fmt.Sprintf(", %d receiver-flagged words left untouched", flagged)
	}
	return diag, true, nil
}

// staleTrailerFixes recomputes the data checksum trailer of every
// checksummed block the pending edits touch. The payload bytes still on
// disk are read back and the edits overlaid, so the new trailer covers
// the block exactly as it will be written.
func staleTrailerFixes(ctx *Context, rule Rule, pending []pendingFix) ([]pendingFix, error) {
	f, err := os.Open(ctx.InputFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []pendingFix
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		if !blk.HasChecksum {
			continue
		}
		start := blk.PayloadOffset()
		trailerOffset := blk.Offset + int64(blk.BlockLength) - 2
		if trailerOffset <= start {
			continue
		}
		touched := false
		for _, fx := range pending {
			if fx.edit.Offset >= start && fx.edit.Offset < trailerOffset {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		payload := make([]byte, trailerOffset-start)
		if _, err := f.ReadAt(payload, start); err != nil {
			return nil, err
		}
		for _, fx := range pending {
			if fx.edit.Offset < start || fx.edit.Offset >= trailerOffset {
				continue
			}
			copy(payload[fx.edit.Offset-start:], fx.edit.Data)
		}
		computed, err := capture.ComputeDataChecksum(ctx.Profile, payload)
		if err != nil {
			return nil, err
		}
		trailer := make([]byte, 2)
		if _, err := f.ReadAt(trailer, trailerOffset); err != nil {
			return nil, err
		}
		if binary.BigEndian.Uint16(trailer) == computed {
			continue
		}
		after := []byte{byte(computed >> 8), byte(computed)}
		out = append(out, newPendingFix(rule, fmt.Sprintf("block %d data checksum", i), trailerOffset, trailer, after))
	}
	return out, nil
}

func WarnParityFlag(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: INFO, Message: "no receiver parity flags", Refs: rule.Refs}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot index capture"
		return diag, false, err
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		for w, rec := range blk.Records {
			if !rec.ParityFlag {
				continue
			}
			diag.Severity = WARN
			diag.BlockIndex = i
			diag.ChannelId = ChannelRef(blk.ChannelID)
			diag.Offset = fmt.Sprintf("0x%X", blk.DataWordOffset(w))
			stampWordDiag(&diag, blk, w)
			diag.Message = fmt.Sprintf("%s (label %s SDI=%d bus=%d block=%d word=%d)",
				rule.Message, arinc429.FormatLabel(rec.Word.Label()), rec.Word.SDI(), rec.Bus, i, w)
			return diag, false, nil
		}
	}
	return diag, false, nil
}

// CheckMinimumGap verifies that the recorded inter-word gap never undercuts
// the ARINC 429 minimum of four bit times at the flagged speed. The first
// record of each block is skipped, its gap references a word outside the
// block. Params key "minBitTimes" overrides the threshold.
func CheckMinimumGap(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: INFO, Message: "inter-word gaps ok", Refs: rule.Refs}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot index capture"
		return diag, false, err
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}

	minBitTimes := 4.0
	if v, ok := rule.Params["minBitTimes"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			minBitTimes = f
		}
	}

	checked := 0
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		for w := 1; w < len(blk.Records); w++ {
			rec := blk.Records[w]
			checked++
			// GapTime is in 0.1 us units, BitTime in nanoseconds.
			need := minBitTimes * float64(rec.Speed().BitTime().Nanoseconds()) / 100.0
			if float64(rec.GapTime0p1Us) >= need {
				continue
			}
			diag.Severity = WARN
			diag.BlockIndex = i
			diag.ChannelId = ChannelRef(blk.ChannelID)
			diag.Offset = fmt.Sprintf("0x%X", blk.DataWordOffset(w))
			stampWordDiag(&diag, blk, w)
			diag.Message = fmt.Sprintf("inter-word gap %.1f us below minimum %.1f us (%s, block=%d word=%d)",
				float64(rec.GapTime0p1Us)/10, need/10, rec.Speed(), i, w)
			return diag, false, nil
		}
	}
	diag.Message = fmt.Sprintf("inter-word gaps ok (%d gaps checked)", checked)
	return diag, false, nil
}

func CheckSpeedConsistency(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: INFO, Message: "bus speeds consistent", Refs: rule.Refs}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot index capture"
		return diag, false, err
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}

	type busID struct {
		channel uint16
		bus     uint8
	}
	speeds := make(map[busID]bool)
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		for w, rec := range blk.Records {
			key := busID{channel: blk.ChannelID, bus: rec.Bus}
			high, seen := speeds[key]
			if !seen {
				speeds[key] = rec.SpeedHigh
				continue
			}
			if high == rec.SpeedHigh {
				continue
			}
			diag.Severity = ERROR
			diag.BlockIndex = i
			diag.ChannelId = ChannelRef(blk.ChannelID)
			diag.Offset = fmt.Sprintf("0x%X", blk.RecordOffset(w))
			stampWordDiag(&diag, blk, w)
			diag.Message = fmt.Sprintf("bus %d changes speed mid-capture (block=%d word=%d)", rec.Bus, i, w)
			return diag, false, nil
		}
	}
	diag.Message = fmt.Sprintf("bus speeds consistent (%d buses)", len(speeds))
	return diag, false, nil
}

func CheckRegistryCoverage(ctx *Context, rule Rule) (Diagnostic, bool, error) {
	diag := Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: INFO, Message: "registry coverage ok", Refs: rule.Refs}
	if ctx == nil || ctx.InputFile == "" {
		diag.Severity = ERROR
		diag.Message = "no input file provided"
		return diag, false, errors.New("no input file")
	}
	if err := ctx.EnsureRegistry(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot load bus registry"
		return diag, false, err
	}
	if ctx.Registry == nil || ctx.Registry.IsEmpty() {
		diag.Message = "no bus registry supplied, coverage not checked"
		return diag, false, nil
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		diag.Severity = ERROR
		diag.Message = "cannot index capture"
		return diag, false, err
	}
	if ctx.Index == nil || len(ctx.Index.Blocks) == 0 {
		diag.Message = "no blocks to inspect"
		return diag, false, nil
	}

	type busID struct {
		channel uint16
		bus     uint8
	}
	observed := make(map[busID]bool)
	for i := range ctx.Index.Blocks {
		blk := &ctx.Index.Blocks[i]
		for w, rec := range blk.Records {
			key := busID{channel: blk.ChannelID, bus: rec.Bus}
			if observed[key] {
				continue
			}
			observed[key] = true
			entry, ok := ctx.Registry.Lookup(blk.ChannelID, rec.Bus)
			if !ok {
				diag.Severity = ERROR
				diag.BlockIndex = i
				diag.ChannelId = ChannelRef(blk.ChannelID)
				diag.Offset = fmt.Sprintf("0x%X", blk.RecordOffset(w))
				diag.Message = fmt.Sprintf("channel %d bus %d not in registry", blk.ChannelID, rec.Bus)
				return diag, false, nil
			}
			if entry.Speed != rec.Speed() {
				diag.Severity = ERROR
				diag.BlockIndex = i
				diag.ChannelId = ChannelRef(blk.ChannelID)
				diag.Offset = fmt.Sprintf("0x%X", blk.RecordOffset(w))
				diag.Message = fmt.Sprintf("bus %q registered as %s but words are %s (channel %d bus %d)",
					entry.Name, entry.Speed, rec.Speed(), blk.ChannelID, rec.Bus)
				return diag, false, nil
			}
		}
	}
	for _, entry := range ctx.Registry.Buses() {
		if observed[busID{channel: entry.Channel, bus: entry.Bus}] {
			continue
		}
		diag.Severity = WARN
		diag.ChannelId = ChannelRef(entry.Channel)
		diag.Message = fmt.Sprintf("registered bus never observed: channel %d bus %d (%s)", entry.Channel, entry.Bus, entry.Name)
		return diag, false, nil
	}
	diag.Message = fmt.Sprintf("registry coverage ok (%d buses)", len(observed))
	return diag, false, nil
}
