package capture

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"example.com/a429gate/arinc429"
)

func TestComputeHeaderChecksum(t *testing.T) {
	zero := make([]byte, blockHeaderSize)
	sum, err := ComputeHeaderChecksum(DefaultProfile, zero)
	if err != nil {
		t.Fatalf("ComputeHeaderChecksum failed: %v", err)
	}
	if sum != 0xFFFF {
		t.Fatalf("checksum of zero header = 0x%04X, want 0xFFFF", sum)
	}

	if _, err := ComputeHeaderChecksum("bogus", zero); !errors.Is(err, ErrUnsupportedProfile) {
		t.Fatalf("expected ErrUnsupportedProfile, got %v", err)
	}
	if _, err := ComputeHeaderChecksum(DefaultProfile, zero[:10]); err == nil {
		t.Fatalf("expected error for short header")
	}
}

func TestComputeDataChecksumKnownValue(t *testing.T) {
	// CRC-16/CCITT-FALSE check value for the digits 1-9.
	sum, err := ComputeDataChecksum(DefaultProfile, []byte("123456789"))
	if err != nil {
		t.Fatalf("ComputeDataChecksum failed: %v", err)
	}
	if sum != 0x29B1 {
		t.Fatalf("checksum = 0x%04X, want 0x29B1", sum)
	}

	calc, err := NewDataChecksum(DefaultProfile)
	if err != nil {
		t.Fatalf("NewDataChecksum failed: %v", err)
	}
	calc.Write([]byte("12345"))
	calc.Write([]byte("6789"))
	if got := calc.Sum16(); got != 0x29B1 {
		t.Fatalf("streamed checksum = 0x%04X, want 0x29B1", got)
	}

	if _, err := NewDataChecksum("bogus"); !errors.Is(err, ErrUnsupportedProfile) {
		t.Fatalf("expected ErrUnsupportedProfile, got %v", err)
	}
}

func TestRecordEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{name: "zero", rec: Record{Word: arinc429.FromBits(0)}},
		{
			name: "flags and gap",
			rec: Record{
				Bus:          3,
				FormatError:  true,
				ParityFlag:   true,
				SpeedHigh:    true,
				GapTime0p1Us: 0xFFFFF,
				Word:         arinc429.MustNew(0o203, 1, 0, 0),
			},
		},
		{
			name: "low speed",
			rec: Record{
				Bus:          0xFF,
				GapTime0p1Us: 40,
				Word:         arinc429.MustNew(0o310, 2, 0x7FFFF, 3),
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := tc.rec.EncodeID()
			got := DecodeRecord(id, tc.rec.Word.Bits())
			if got != tc.rec {
				t.Fatalf("DecodeRecord = %+v, want %+v", got, tc.rec)
			}
		})
	}

	rec := Record{SpeedHigh: true, GapTime0p1Us: 40}
	if rec.Speed() != arinc429.SpeedHigh {
		t.Fatalf("Speed = %v, want high", rec.Speed())
	}
	if rec.Gap() != 4*time.Microsecond {
		t.Fatalf("Gap = %v, want 4us", rec.Gap())
	}
	rec.SpeedHigh = false
	if rec.Speed() != arinc429.SpeedLow {
		t.Fatalf("Speed = %v, want low", rec.Speed())
	}
}

func TestParseBlockHeaderRoundTrip(t *testing.T) {
	hdr := BlockHeader{
		Sync:           syncPattern,
		ChannelID:      0x0102,
		BlockLength:    54,
		DataLength:     34,
		Format:         FormatRaw429,
		SeqNum:         5,
		Flags:          FlagTimeExtension | FlagDataChecksum,
		HeaderChecksum: 0xBEEF,
		Reserved:       0,
	}
	buf := EncodeBlockHeader(hdr)
	if len(buf) != blockHeaderSize {
		t.Fatalf("encoded header length = %d, want %d", len(buf), blockHeaderSize)
	}
	got, err := ParseBlockHeader(buf)
	if err != nil {
		t.Fatalf("ParseBlockHeader failed: %v", err)
	}
	if got != hdr {
		t.Fatalf("ParseBlockHeader = %+v, want %+v", got, hdr)
	}
	if !got.HasTimeExtension() {
		t.Fatalf("HasTimeExtension = false, want true")
	}
	if !got.HasDataChecksum() {
		t.Fatalf("HasDataChecksum = false, want true")
	}
	if _, err := ParseBlockHeader(buf[:blockHeaderSize-1]); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestBuildBlockLayout(t *testing.T) {
	records := []Record{
		{Bus: 1, SpeedHigh: true, GapTime0p1Us: 40, Word: arinc429.MustNew(0o203, 1, 0, 0)},
		{Bus: 1, SpeedHigh: true, GapTime0p1Us: 360, Word: arinc429.MustNew(0o310, 0, 0x1ABCD, 3)},
	}
	blk := Block{
		ChannelID:    0x0102,
		SeqNum:       5,
		WithTime:     true,
		BaseTimeUs:   1_000_000,
		WithChecksum: true,
		Records:      records,
	}
	buf, err := BuildBlock(DefaultProfile, blk)
	if err != nil {
		t.Fatalf("BuildBlock failed: %v", err)
	}
	wantLen := blockHeaderSize + timeExtensionSize + csdwSize + 2*recordSize + checksumTrailerLen
	if len(buf) != wantLen {
		t.Fatalf("block length = %d, want %d", len(buf), wantLen)
	}

	hdr, err := ParseBlockHeader(buf)
	if err != nil {
		t.Fatalf("ParseBlockHeader failed: %v", err)
	}
	if hdr.Sync != syncPattern {
		t.Fatalf("Sync = 0x%04X, want 0x%04X", hdr.Sync, syncPattern)
	}
	if hdr.BlockLength != uint32(wantLen) {
		t.Fatalf("BlockLength = %d, want %d", hdr.BlockLength, wantLen)
	}
	if hdr.DataLength != uint32(wantLen-blockHeaderSize) {
		t.Fatalf("DataLength = %d, want %d", hdr.DataLength, wantLen-blockHeaderSize)
	}
	if hdr.Format != FormatRaw429 {
		t.Fatalf("Format = %d, want %d", hdr.Format, FormatRaw429)
	}
	if hdr.Flags != FlagTimeExtension|FlagDataChecksum {
		t.Fatalf("Flags = 0x%02X, want 0x%02X", hdr.Flags, FlagTimeExtension|FlagDataChecksum)
	}

	computed, err := ComputeHeaderChecksum(DefaultProfile, buf[:blockHeaderSize])
	if err != nil {
		t.Fatalf("ComputeHeaderChecksum failed: %v", err)
	}
	if computed != hdr.HeaderChecksum {
		t.Fatalf("header checksum = 0x%04X, stored 0x%04X", computed, hdr.HeaderChecksum)
	}

	ext := buf[blockHeaderSize : blockHeaderSize+timeExtensionSize]
	if got := binary.BigEndian.Uint64(ext[0:8]); got != 1_000_000 {
		t.Fatalf("base time = %d, want 1000000", got)
	}
	if got := binary.BigEndian.Uint16(ext[10:12]); got != computeTimeChecksum(ext) {
		t.Fatalf("time checksum = 0x%04X, want 0x%04X", got, computeTimeChecksum(ext))
	}

	payloadStart := blockHeaderSize + timeExtensionSize
	if got := binary.BigEndian.Uint32(buf[payloadStart : payloadStart+4]); got != 2 {
		t.Fatalf("CSDW = %d, want 2", got)
	}
	firstWord := binary.BigEndian.Uint32(buf[payloadStart+8 : payloadStart+12])
	if firstWord != 0x80000183 {
		t.Fatalf("first data word = 0x%08X, want 0x80000183", firstWord)
	}

	crcStart := wantLen - checksumTrailerLen
	wantCRC, err := ComputeDataChecksum(DefaultProfile, buf[payloadStart:crcStart])
	if err != nil {
		t.Fatalf("ComputeDataChecksum failed: %v", err)
	}
	if got := binary.BigEndian.Uint16(buf[crcStart:]); got != wantCRC {
		t.Fatalf("trailer checksum = 0x%04X, want 0x%04X", got, wantCRC)
	}
}

func TestBuildBlockTooManyRecords(t *testing.T) {
	blk := Block{Records: make([]Record, 0x10000)}
	if _, err := BuildBlock(DefaultProfile, blk); err == nil {
		t.Fatalf("expected error for oversized record count")
	}
}
