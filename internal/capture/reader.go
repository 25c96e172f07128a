package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"example.com/a429gate/internal/common"
)

const (
	syncPattern        = 0xA429
	blockHeaderSize    = 20
	timeExtensionSize  = 12
	csdwSize           = 4
	recordSize         = 8
	checksumTrailerLen = 2

	defaultResyncWindow = 64 * 1024

	// FlagTimeExtension announces the 12-byte base time extension after
	// the block header.
	FlagTimeExtension = 0x80
	// FlagDataChecksum announces the 16-bit payload checksum trailer.
	FlagDataChecksum = 0x01

	// FormatRaw429 is the only payload format the reader understands.
	FormatRaw429 = 1
)

var (
	ErrNoSync             = errors.New("sync pattern 0xA429 not found at expected position")
	ErrUnsupportedProfile = errors.New("unsupported capture profile")
	ErrCompressedInput    = errors.New("capture is zstd compressed, decompress before patching")
)

// ParseBlockHeader decodes the fixed block header from buf.
func ParseBlockHeader(buf []byte) (BlockHeader, error) {
	var hdr BlockHeader
	if len(buf) < blockHeaderSize {
		return hdr, io.ErrUnexpectedEOF
	}
	hdr.Sync = binary.BigEndian.Uint16(buf[0:2])
	hdr.ChannelID = binary.BigEndian.Uint16(buf[2:4])
	hdr.BlockLength = binary.BigEndian.Uint32(buf[4:8])
	hdr.DataLength = binary.BigEndian.Uint32(buf[8:12])
	hdr.Format = binary.BigEndian.Uint16(buf[12:14])
	hdr.SeqNum = buf[14]
	hdr.Flags = buf[15]
	hdr.HeaderChecksum = binary.BigEndian.Uint16(buf[16:18])
	hdr.Reserved = binary.BigEndian.Uint16(buf[18:20])
	return hdr, nil
}

const minWindowSize = 8 << 20

type dataSource interface {
	Size() int64
	Slice(offset int64, length int) ([]byte, error)
	ReadAt(p []byte, offset int64) (int, error)
	Close() error
}

// fileSource reads a capture through a sliding window so that large
// recordings never have to be resident in memory at once.
type fileSource struct {
	file     *os.File
	size     int64
	winSize  int
	win      []byte
	winStart int64
	winLen   int
}

func newFileSource(f *os.File, size int64, winSize int) *fileSource {
	if winSize < minWindowSize {
		winSize = minWindowSize
	}
	return &fileSource{file: f, size: size, winSize: winSize}
}

func (fs *fileSource) Size() int64 {
	return fs.size
}

func (fs *fileSource) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	fs.win = nil
	fs.winLen = 0
	return err
}

func (fs *fileSource) load(offset int64, length int) error {
	if fs.file == nil {
		return io.EOF
	}
	if length > fs.winSize {
		grown := fs.winSize
		for grown < length {
			grown *= 2
		}
		fs.winSize = grown
		fs.win = nil
	}
	if fs.win == nil {
		fs.win = make([]byte, fs.winSize)
		fs.winLen = 0
		fs.winStart = 0
	}
	if offset >= fs.winStart && offset+int64(length) <= fs.winStart+int64(fs.winLen) {
		return nil
	}
	if offset >= fs.size {
		fs.winLen = 0
		return io.EOF
	}
	toRead := fs.winSize
	if remain := fs.size - offset; int64(toRead) > remain {
		toRead = int(remain)
	}
	if toRead <= 0 {
		fs.winLen = 0
		return io.EOF
	}
	n, err := fs.file.ReadAt(fs.win[:toRead], offset)
	if n < toRead && err == nil {
		err = io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		fs.winLen = 0
		return err
	}
	fs.winStart = offset
	fs.winLen = n
	if fs.winLen == 0 {
		return io.EOF
	}
	return err
}

func (fs *fileSource) Slice(offset int64, length int) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	if offset < 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if offset >= fs.size {
		return nil, io.EOF
	}
	err := fs.load(offset, length)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if fs.winLen == 0 {
		return nil, io.EOF
	}
	start := int(offset - fs.winStart)
	if start < 0 || start >= fs.winLen {
		return nil, io.ErrUnexpectedEOF
	}
	end := start + length
	if end > fs.winLen {
		end = fs.winLen
	}
	view := fs.win[start:end]
	if len(view) < length {
		return view, io.EOF
	}
	return view, err
}

func (fs *fileSource) ReadAt(p []byte, offset int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	view, err := fs.Slice(offset, len(p))
	n := copy(p, view)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// byteSource serves a decompressed capture out of memory. Compressed
// inputs are decoded in full up front, streaming zstd would defeat the
// random access the resync scan needs.
type byteSource struct {
	data []byte
}

func (bs *byteSource) Size() int64 {
	return int64(len(bs.data))
}

func (bs *byteSource) Close() error {
	bs.data = nil
	return nil
}

func (bs *byteSource) Slice(offset int64, length int) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	if offset < 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if offset >= int64(len(bs.data)) {
		return nil, io.EOF
	}
	end := offset + int64(length)
	if end > int64(len(bs.data)) {
		return bs.data[offset:], io.EOF
	}
	return bs.data[offset:end], nil
}

func (bs *byteSource) ReadAt(p []byte, offset int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	view, err := bs.Slice(offset, len(p))
	n := copy(p, view)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func sliceExact(src dataSource, offset int64, length int) ([]byte, error) {
	view, err := src.Slice(offset, length)
	if len(view) < length {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	return view[:length], nil
}

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

func isZstdMagic(buf []byte) bool {
	return len(buf) >= 4 &&
		buf[0] == zstdMagic[0] && buf[1] == zstdMagic[1] &&
		buf[2] == zstdMagic[2] && buf[3] == zstdMagic[3]
}

// IsCompressed reports whether the file at path starts with a zstd frame.
func IsCompressed(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var magic [4]byte
	n, err := f.ReadAt(magic[:], 0)
	if n < 4 {
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		return false, nil
	}
	return isZstdMagic(magic[:]), nil
}

// Reader iterates across a capture file sequentially while building an
// index of block metadata.
type Reader struct {
	source       dataSource
	size         int64
	offset       int64
	resyncWindow int64
	resyncBuf    []byte
	profile      string

	metrics *common.Metrics

	first    BlockHeader
	firstSet bool
	index    CaptureIndex
}

// NewReader opens the capture at path and prepares an iterator. A zstd
// compressed capture is decompressed transparently.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var src dataSource
	compressed := false
	var magic [4]byte
	if n, _ := f.ReadAt(magic[:], 0); n == 4 && isZstdMagic(magic[:]) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd capture: %w", err)
		}
		data, err := io.ReadAll(dec)
		dec.Close()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress capture: %w", err)
		}
		src = &byteSource{data: data}
		compressed = true
	} else {
		src = newFileSource(f, info.Size(), minWindowSize)
	}

	return &Reader{
		source:       src,
		size:         src.Size(),
		resyncWindow: defaultResyncWindow,
		resyncBuf:    make([]byte, defaultResyncWindow),
		profile:      DefaultProfile,
		index: CaptureIndex{
			Path:       path,
			Size:       src.Size(),
			Compressed: compressed,
		},
	}, nil
}

// Close releases the underlying source.
func (r *Reader) Close() error {
	if r.source == nil {
		return nil
	}
	err := r.source.Close()
	r.source = nil
	return err
}

// SetProfile selects the checksum profile used while verifying blocks.
func (r *Reader) SetProfile(profile string) {
	if profile != "" {
		r.profile = profile
	}
}

// SetMetrics attaches a metrics recorder to the reader.
func (r *Reader) SetMetrics(m *common.Metrics) {
	r.metrics = m
	if r.metrics != nil {
		r.metrics.SetTotalBytes(r.size)
	}
}

// FirstHeader returns the first successfully framed block header.
func (r *Reader) FirstHeader() (BlockHeader, bool) {
	if !r.firstSet {
		return BlockHeader{}, false
	}
	return r.first, true
}

// Index returns a copy of the accumulated capture index.
func (r *Reader) Index() CaptureIndex {
	out := CaptureIndex{
		Path:       r.index.Path,
		Size:       r.index.Size,
		Compressed: r.index.Compressed,
		Resyncs:    r.index.Resyncs,
		Blocks:     make([]BlockIndex, len(r.index.Blocks)),
	}
	copy(out.Blocks, r.index.Blocks)
	return out
}

// Next advances to the next block. It returns io.EOF when the end of the
// capture is reached.
func (r *Reader) Next() (BlockHeader, BlockIndex, error) {
	if r.source == nil {
		return BlockHeader{}, BlockIndex{}, io.EOF
	}
	for {
		if r.offset+blockHeaderSize > r.size {
			if r.offset >= r.size {
				return BlockHeader{}, BlockIndex{}, io.EOF
			}
			return BlockHeader{}, BlockIndex{}, io.ErrUnexpectedEOF
		}
		headerView, err := r.source.Slice(r.offset, blockHeaderSize)
		if len(headerView) < blockHeaderSize {
			if err != nil && !errors.Is(err, io.EOF) {
				return BlockHeader{}, BlockIndex{}, err
			}
			return BlockHeader{}, BlockIndex{}, io.ErrUnexpectedEOF
		}
		hdr, err := ParseBlockHeader(headerView)
		if err != nil {
			return BlockHeader{}, BlockIndex{}, err
		}
		if hdr.Sync != syncPattern {
			if err := r.resync("sync pattern"); err != nil {
				return BlockHeader{}, BlockIndex{}, err
			}
			continue
		}

		totalLen := int64(hdr.BlockLength)
		if totalLen < blockHeaderSize {
			if err := r.resync("block length too small"); err != nil {
				return BlockHeader{}, BlockIndex{}, err
			}
			continue
		}
		nextOffset := r.offset + totalLen
		if nextOffset > r.size {
			if err := r.resync("block length beyond file"); err != nil {
				return BlockHeader{}, BlockIndex{}, err
			}
			continue
		}

		if !r.firstSet {
			r.first = hdr
			r.firstSet = true
		}

		idx := BlockIndex{
			Offset:      r.offset,
			ChannelID:   hdr.ChannelID,
			SeqNum:      hdr.SeqNum,
			Format:      hdr.Format,
			Flags:       hdr.Flags,
			BlockLength: hdr.BlockLength,
			DataLength:  hdr.DataLength,
			Checksum:    hdr.HeaderChecksum,
			HasTimeExt:  hdr.HasTimeExtension(),
			HasChecksum: hdr.HasDataChecksum(),
			BaseTimeUs:  -1,
		}

		if computed, err := ComputeHeaderChecksum(r.profile, headerView); err == nil {
			idx.ChecksumOK = computed == hdr.HeaderChecksum
		} else {
			common.Logf("block at offset %d checksum profile error: %v", r.offset, err)
		}

		payloadOffset := r.offset + blockHeaderSize
		if idx.HasTimeExt {
			extEnd := payloadOffset + timeExtensionSize
			if extEnd <= nextOffset && extEnd <= r.size {
				if buf, err := sliceExact(r.source, payloadOffset, timeExtensionSize); err == nil {
					ext := decodeTimeExtension(buf)
					idx.BaseTimeUs = int64(ext.BaseTimeUs)
					idx.TimeExtOK = computeTimeChecksum(buf) == ext.Checksum
					if !idx.TimeExtOK {
						common.Logf("block at offset %d time extension checksum mismatch", r.offset)
					}
				} else {
					common.Logf("block at offset %d time extension read failed: %v", r.offset, err)
				}
			} else {
				common.Logf("block at offset %d missing time extension bytes", r.offset)
			}
			payloadOffset += timeExtensionSize
		}

		payloadLen := nextOffset - payloadOffset
		if payloadLen < 0 {
			payloadLen = 0
		}
		recordsLen := payloadLen
		if idx.HasChecksum {
			if payloadLen >= checksumTrailerLen {
				recordsLen = payloadLen - checksumTrailerLen
				if buf, err := sliceExact(r.source, nextOffset-checksumTrailerLen, checksumTrailerLen); err == nil {
					idx.StoredCRC = binary.BigEndian.Uint16(buf)
					computed, err := r.checksumRegion(payloadOffset, recordsLen)
					if err != nil {
						common.Logf("block at offset %d data checksum failed: %v", r.offset, err)
					} else {
						idx.DataCRCOK = computed == idx.StoredCRC
					}
				}
			} else {
				recordsLen = 0
				if idx.ParseError == "" {
					idx.ParseError = "payload shorter than checksum trailer"
				}
			}
		}

		if hdr.Format != FormatRaw429 {
			if idx.ParseError == "" {
				idx.ParseError = fmt.Sprintf("unknown payload format %d", hdr.Format)
			}
			common.Logf("block at offset %d: %s", r.offset, idx.ParseError)
		} else if idx.ParseError == "" {
			csdw, records, parseErr, err := parsePayload(r.source, payloadOffset, recordsLen)
			if err != nil {
				return BlockHeader{}, BlockIndex{}, err
			}
			idx.CSDW = csdw
			idx.Records = records
			idx.WordCount = len(records)
			idx.ParseError = parseErr
			if parseErr != "" {
				common.Logf("block at offset %d parse warning: %s", r.offset, parseErr)
			}
		}

		r.index.Blocks = append(r.index.Blocks, idx)

		if r.metrics != nil {
			r.metrics.AddBlock(totalLen)
			r.metrics.AddWords(int64(idx.WordCount))
		}

		r.offset = nextOffset
		return hdr, idx, nil
	}
}

// checksumRegion computes the payload checksum over [offset, offset+length)
// in bounded chunks.
func (r *Reader) checksumRegion(offset, length int64) (uint16, error) {
	calc, err := NewDataChecksum(r.profile)
	if err != nil {
		return 0, err
	}
	const chunk = 64 * 1024
	for length > 0 {
		n := int64(chunk)
		if n > length {
			n = length
		}
		buf, err := sliceExact(r.source, offset, int(n))
		if err != nil {
			return 0, err
		}
		calc.Write(buf)
		offset += n
		length -= n
	}
	return calc.Sum16(), nil
}

func (r *Reader) resync(reason string) error {
	common.Logf("resync at offset %d: %s", r.offset, reason)
	r.index.Resyncs++
	if r.metrics != nil {
		r.metrics.IncResync()
	}
	origOffset := r.offset
	start := r.offset + 1
	if start >= r.size {
		r.offset = r.size
		if r.metrics != nil && r.offset > origOffset {
			r.metrics.AddBytes(r.offset - origOffset)
		}
		return io.EOF
	}
	limit := start + r.resyncWindow
	if limit > r.size {
		limit = r.size
	}
	window := limit - start
	if window < 2 {
		r.offset = limit
		if r.metrics != nil && r.offset > origOffset {
			r.metrics.AddBytes(r.offset - origOffset)
		}
		return io.EOF
	}
	if int64(len(r.resyncBuf)) < window {
		r.resyncBuf = make([]byte, window)
	}
	buf := r.resyncBuf[:window]
	n, err := r.source.ReadAt(buf, start)
	if n < 2 && err != nil {
		if errors.Is(err, io.EOF) {
			r.offset = r.size
			if r.metrics != nil && r.offset > origOffset {
				r.metrics.AddBytes(r.offset - origOffset)
			}
			return io.EOF
		}
		return err
	}
	for i := 0; i < n-1; i++ {
		if buf[i] == 0xA4 && buf[i+1] == 0x29 {
			r.offset = start + int64(i)
			if r.metrics != nil && r.offset > origOffset {
				r.metrics.AddBytes(r.offset - origOffset)
			}
			common.Logf("resync successful, new offset %d", r.offset)
			return nil
		}
	}
	r.offset = limit
	if r.metrics != nil && r.offset > origOffset {
		r.metrics.AddBytes(r.offset - origOffset)
	}
	if limit >= r.size || errors.Is(err, io.EOF) {
		return io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return ErrNoSync
}

// ScanFile walks the whole capture and returns the first header and the
// complete index.
func ScanFile(path string) (BlockHeader, CaptureIndex, error) {
	reader, err := NewReader(path)
	if err != nil {
		return BlockHeader{}, CaptureIndex{}, err
	}
	defer reader.Close()

	for {
		_, _, err := reader.Next()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		return BlockHeader{}, CaptureIndex{}, err
	}

	idx := reader.Index()
	hdr, ok := reader.FirstHeader()
	if !ok {
		return BlockHeader{}, idx, ErrNoSync
	}
	return hdr, idx, nil
}

func decodeTimeExtension(buf []byte) TimeExtension {
	return TimeExtension{
		BaseTimeUs: binary.BigEndian.Uint64(buf[0:8]),
		Reserved:   binary.BigEndian.Uint16(buf[8:10]),
		Checksum:   binary.BigEndian.Uint16(buf[10:12]),
	}
}

func parsePayload(src dataSource, offset int64, payloadLen int64) (uint32, []Record, string, error) {
	if payloadLen <= 0 {
		return 0, nil, "payload empty", nil
	}
	if payloadLen < csdwSize {
		return 0, nil, "payload shorter than CSDW", nil
	}

	buf, err := sliceExact(src, offset, csdwSize)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, "payload shorter than CSDW", nil
		}
		return 0, nil, "", err
	}
	csdw := binary.BigEndian.Uint32(buf)
	count := csdw & 0x0000FFFF
	cursor := offset + csdwSize
	end := offset + payloadLen

	if count == 0 {
		return csdw, nil, "", nil
	}
	if cursor+int64(count)*recordSize > end {
		return csdw, nil, "payload shorter than ID/data words", nil
	}

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		pairBuf, err := sliceExact(src, cursor, recordSize)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return csdw, records, fmt.Sprintf("word %d truncated", i+1), nil
			}
			return csdw, records, "", err
		}
		id := binary.BigEndian.Uint32(pairBuf[0:4])
		data := binary.BigEndian.Uint32(pairBuf[4:8])
		records = append(records, DecodeRecord(id, data))
		cursor += recordSize
	}

	return csdw, records, "", nil
}
