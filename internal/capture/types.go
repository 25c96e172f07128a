package capture

import (
	"time"

	"example.com/a429gate/arinc429"
)

// BlockHeader is the fixed 20-byte header at the start of every capture
// block, decoded from big-endian wire order.
type BlockHeader struct {
	Sync           uint16
	ChannelID      uint16
	BlockLength    uint32
	DataLength     uint32
	Format         uint16
	SeqNum         uint8
	Flags          uint8
	HeaderChecksum uint16
	Reserved       uint16
}

// HasTimeExtension reports whether the flags announce a 12-byte time
// extension between the header and the payload.
func (h BlockHeader) HasTimeExtension() bool {
	return h.Flags&FlagTimeExtension != 0
}

// HasDataChecksum reports whether the flags announce a 16-bit data
// checksum trailer at the end of the payload.
func (h BlockHeader) HasDataChecksum() bool {
	return h.Flags&FlagDataChecksum != 0
}

// TimeExtension carries the optional block base time. GapTime values in
// the records are offsets relative to the previous word on the bus, the
// base time anchors the block on the capture timeline.
type TimeExtension struct {
	BaseTimeUs uint64
	Reserved   uint16
	Checksum   uint16
}

// Record is one decoded bus word entry from a block payload. Every entry
// is eight bytes on the wire: a 32-bit ID word followed by the raw
// ARINC 429 word.
type Record struct {
	Bus          uint8
	FormatError  bool
	ParityFlag   bool
	SpeedHigh    bool
	GapTime0p1Us uint32
	Word         arinc429.Word
}

// DecodeRecord splits a raw ID word and data word into a Record.
func DecodeRecord(id, data uint32) Record {
	return Record{
		Bus:          uint8((id >> 24) & 0xFF),
		FormatError:  id&(1<<23) != 0,
		ParityFlag:   id&(1<<22) != 0,
		SpeedHigh:    id&(1<<21) != 0,
		GapTime0p1Us: id & 0xFFFFF,
		Word:         arinc429.FromBits(data),
	}
}

// EncodeID packs the record attributes back into the wire ID word.
func (r Record) EncodeID() uint32 {
	id := uint32(r.Bus) << 24
	if r.FormatError {
		id |= 1 << 23
	}
	if r.ParityFlag {
		id |= 1 << 22
	}
	if r.SpeedHigh {
		id |= 1 << 21
	}
	id |= r.GapTime0p1Us & 0xFFFFF
	return id
}

// Speed maps the speed flag to the bus rate.
func (r Record) Speed() arinc429.Speed {
	if r.SpeedHigh {
		return arinc429.SpeedHigh
	}
	return arinc429.SpeedLow
}

// Gap returns the recorded inter-word gap. The wire unit is 0.1 us.
func (r Record) Gap() time.Duration {
	return time.Duration(r.GapTime0p1Us) * 100 * time.Nanosecond
}

// Block describes one block to be encoded by the writer. SeqNum and
// ChannelID go into the header verbatim, checksums are computed during
// encoding.
type Block struct {
	ChannelID    uint16
	SeqNum       uint8
	WithTime     bool
	BaseTimeUs   uint64
	WithChecksum bool
	Records      []Record
}

// BlockIndex summarizes one block encountered while reading a capture.
// ParseError is empty for well-formed blocks; framing survived either
// way, so a block with a ParseError still has valid Offset and length
// fields.
type BlockIndex struct {
	Offset      int64
	ChannelID   uint16
	SeqNum      uint8
	Format      uint16
	Flags       uint8
	BlockLength uint32
	DataLength  uint32
	CSDW        uint32

	Checksum    uint16
	ChecksumOK  bool
	HasTimeExt  bool
	TimeExtOK   bool
	BaseTimeUs  int64
	HasChecksum bool
	DataCRCOK   bool
	StoredCRC   uint16

	WordCount  int
	Records    []Record
	ParseError string
}

// PayloadOffset returns the file offset of the channel status word.
func (b BlockIndex) PayloadOffset() int64 {
	off := b.Offset + blockHeaderSize
	if b.HasTimeExt {
		off += timeExtensionSize
	}
	return off
}

// RecordOffset returns the file offset of record i's ID word.
func (b BlockIndex) RecordOffset(i int) int64 {
	return b.PayloadOffset() + csdwSize + int64(i)*recordSize
}

// DataWordOffset returns the file offset of record i's ARINC word.
func (b BlockIndex) DataWordOffset(i int) int64 {
	return b.RecordOffset(i) + 4
}

// CaptureIndex is the in-memory index of a whole capture file.
type CaptureIndex struct {
	Path       string
	Size       int64
	Compressed bool
	Blocks     []BlockIndex
	Resyncs    int
}

// TotalWords sums the decoded word counts over all blocks.
func (ix *CaptureIndex) TotalWords() int {
	n := 0
	for i := range ix.Blocks {
		n += ix.Blocks[i].WordCount
	}
	return n
}

// Channels returns the distinct channel IDs in first-seen order.
func (ix *CaptureIndex) Channels() []uint16 {
	seen := make(map[uint16]bool)
	var out []uint16
	for i := range ix.Blocks {
		id := ix.Blocks[i].ChannelID
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
