package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// DefaultProfile names the checksum rules captures carry unless a
// profile manifest says otherwise.
const DefaultProfile = "429P1-17"

// ComputeHeaderChecksum calculates the header checksum for the supplied
// block header bytes using the active profile rules.
func ComputeHeaderChecksum(profile string, header []byte) (uint16, error) {
	if len(header) < blockHeaderSize {
		return 0, fmt.Errorf("header too short: %d bytes", len(header))
	}
	switch profile {
	case "429P1-17":
		var sum uint32
		// The checksum covers the first 16 bytes of the block header
		// (through the flags field).
		for i := 0; i < 16; i += 2 {
			word := binary.BigEndian.Uint16(header[i : i+2])
			sum += uint32(word)
			sum = (sum & 0xFFFF) + (sum >> 16)
		}
		return ^uint16(sum & 0xFFFF), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedProfile, profile)
	}
}

// computeTimeChecksum sums the time extension words. Unlike the header
// checksum the result is not complemented.
func computeTimeChecksum(ext []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < timeExtensionSize-checksumTrailerLen; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(ext[i : i+2]))
	}
	return uint16(sum & 0xFFFF)
}

// DataChecksum encapsulates a streaming CRC-16 calculation for payload data.
type DataChecksum struct {
	value  uint16
	poly   uint16
	xorOut uint16
}

type dataChecksumParams struct {
	poly   uint16
	init   uint16
	xorOut uint16
}

var dataChecksumProfiles = map[string]dataChecksumParams{
	"429P1-17": {poly: 0x1021, init: 0xFFFF, xorOut: 0x0000},
}

// NewDataChecksum returns an initialized checksum calculator for the
// supplied profile.
func NewDataChecksum(profile string) (*DataChecksum, error) {
	params, ok := dataChecksumProfiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProfile, profile)
	}
	return &DataChecksum{value: params.init, poly: params.poly, xorOut: params.xorOut}, nil
}

// Write updates the checksum with the provided data.
func (c *DataChecksum) Write(p []byte) {
	if c == nil {
		return
	}
	for _, b := range p {
		c.value ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if c.value&0x8000 != 0 {
				c.value = (c.value << 1) ^ c.poly
			} else {
				c.value <<= 1
			}
		}
	}
}

// Sum16 returns the final checksum value.
func (c *DataChecksum) Sum16() uint16 {
	if c == nil {
		return 0
	}
	return c.value ^ c.xorOut
}

// ComputeDataChecksum calculates the checksum for the provided payload slice.
func ComputeDataChecksum(profile string, payload []byte) (uint16, error) {
	calc, err := NewDataChecksum(profile)
	if err != nil {
		return 0, err
	}
	calc.Write(payload)
	return calc.Sum16(), nil
}

// EncodeBlockHeader serializes hdr into wire order. The caller is
// responsible for the checksum field being current.
func EncodeBlockHeader(hdr BlockHeader) []byte {
	buf := make([]byte, blockHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], hdr.Sync)
	binary.BigEndian.PutUint16(buf[2:4], hdr.ChannelID)
	binary.BigEndian.PutUint32(buf[4:8], hdr.BlockLength)
	binary.BigEndian.PutUint32(buf[8:12], hdr.DataLength)
	binary.BigEndian.PutUint16(buf[12:14], hdr.Format)
	buf[14] = hdr.SeqNum
	buf[15] = hdr.Flags
	binary.BigEndian.PutUint16(buf[16:18], hdr.HeaderChecksum)
	binary.BigEndian.PutUint16(buf[18:20], hdr.Reserved)
	return buf
}

// BuildBlock serializes one block with all checksums computed.
func BuildBlock(profile string, blk Block) ([]byte, error) {
	count := len(blk.Records)
	if count > 0xFFFF {
		return nil, fmt.Errorf("too many records for one block: %d", count)
	}

	payloadLen := csdwSize + count*recordSize
	if blk.WithChecksum {
		payloadLen += checksumTrailerLen
	}
	dataLen := payloadLen
	if blk.WithTime {
		dataLen += timeExtensionSize
	}
	blockLen := blockHeaderSize + dataLen

	var flags uint8
	if blk.WithTime {
		flags |= FlagTimeExtension
	}
	if blk.WithChecksum {
		flags |= FlagDataChecksum
	}

	buf := make([]byte, blockLen)
	binary.BigEndian.PutUint16(buf[0:2], syncPattern)
	binary.BigEndian.PutUint16(buf[2:4], blk.ChannelID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(blockLen))
	binary.BigEndian.PutUint32(buf[8:12], uint32(dataLen))
	binary.BigEndian.PutUint16(buf[12:14], FormatRaw429)
	buf[14] = blk.SeqNum
	buf[15] = flags
	checksum, err := ComputeHeaderChecksum(profile, buf[:blockHeaderSize])
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(buf[16:18], checksum)

	cursor := blockHeaderSize
	if blk.WithTime {
		ext := buf[cursor : cursor+timeExtensionSize]
		binary.BigEndian.PutUint64(ext[0:8], blk.BaseTimeUs)
		binary.BigEndian.PutUint16(ext[10:12], computeTimeChecksum(ext))
		cursor += timeExtensionSize
	}

	payloadStart := cursor
	binary.BigEndian.PutUint32(buf[cursor:cursor+4], uint32(count))
	cursor += csdwSize
	for _, rec := range blk.Records {
		binary.BigEndian.PutUint32(buf[cursor:cursor+4], rec.EncodeID())
		binary.BigEndian.PutUint32(buf[cursor+4:cursor+8], rec.Word.Bits())
		cursor += recordSize
	}

	if blk.WithChecksum {
		crc, err := ComputeDataChecksum(profile, buf[payloadStart:cursor])
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(buf[cursor:cursor+2], crc)
	}

	return buf, nil
}

// Writer emits capture blocks to a file, optionally through a zstd
// encoder.
type Writer struct {
	f       *os.File
	enc     *zstd.Encoder
	w       io.Writer
	profile string
}

// NewWriter creates the capture at path. With compress set the stream is
// wrapped in a zstd frame.
func NewWriter(path, profile string, compress bool) (*Writer, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if _, ok := dataChecksumProfiles[profile]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProfile, profile)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, w: f, profile: profile}
	if compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.enc = enc
		w.w = enc
	}
	return w, nil
}

// WriteBlock serializes blk and appends it to the capture.
func (w *Writer) WriteBlock(blk Block) error {
	buf, err := BuildBlock(w.profile, blk)
	if err != nil {
		return err
	}
	return w.WriteRaw(buf)
}

// WriteRaw appends raw bytes to the capture without validation.
func (w *Writer) WriteRaw(p []byte) error {
	written := 0
	for written < len(p) {
		n, err := w.w.Write(p[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// Close flushes the encoder if present and closes the file.
func (w *Writer) Close() error {
	var firstErr error
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			firstErr = err
		}
		w.enc = nil
	}
	if w.f != nil {
		if err := w.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.f = nil
	}
	return firstErr
}
