package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
)

const (
	// DefaultPageSize is the default size of one shared memory page
	DefaultPageSize = 16 << 10

	// PageHeaderSize is the size of the header at the start of each page
	PageHeaderSize = 8

	// ChunkHeaderSize is the size of the header preceding each payload
	ChunkHeaderSize = 20

	pageMagic  uint32 = 0x47504D53 // "SMPG"
	chunkMagic uint16 = 0x4B43     // "CK"
)

// ChunkState is the lifecycle state stored in a chunk header
type ChunkState uint8

const (
	ChunkBeingWritten ChunkState = 1
	ChunkComplete     ChunkState = 2
	ChunkConsumed     ChunkState = 3
)

var (
	// ErrPageOutOfRange is returned for page indices the region does not have
	ErrPageOutOfRange = errors.New("shm: page out of range")

	// ErrCorruptPage is returned when a page does not follow the ABI
	ErrCorruptPage = errors.New("shm: corrupt page")

	// ErrCorruptChunk is returned by ParseChunk for malformed chunks
	ErrCorruptChunk = errors.New("shm: corrupt chunk")

	// ErrChunkTooLarge is returned when a payload cannot fit in one page
	ErrChunkTooLarge = errors.New("shm: chunk larger than page")

	// ErrNoFreePage is returned when every page holds unconsumed chunks
	ErrNoFreePage = errors.New("shm: no free page")
)

// ChunkHeader is the decoded fixed header of a chunk
type ChunkHeader struct {
	State        ChunkState
	Flags        uint8
	TargetBuffer uint16
	WriterID     uint16
	ChunkID      uint32
	PayloadSize  uint32
	Checksum     uint32
}

// Chunk locates one chunk inside a region
type Chunk struct {
	Page   int
	Offset int
	Header ChunkHeader

	// Raw is the header followed by the payload. It aliases shared memory
	// and must be copied before the chunk is marked consumed.
	Raw []byte

	// Torn is set when the payload does not match its checksum
	Torn bool
}

// Payload returns the payload bytes of the chunk
func (c Chunk) Payload() []byte { return c.Raw[ChunkHeaderSize:] }

// ABI is a page/chunk view over a shared memory region
type ABI struct {
	mem      []byte
	pageSize int
	numPages int

	// pages currently held by a writer in this process
	mu     sync.Mutex
	active map[int]uint16
}

// NewABI creates a view over mem with the given page size
func NewABI(mem []byte, pageSize int) (*ABI, error) {
	if pageSize <= PageHeaderSize+ChunkHeaderSize || pageSize%8 != 0 {
		return nil, fmt.Errorf("shm: invalid page size %d", pageSize)
	}
	if len(mem) < pageSize {
		return nil, fmt.Errorf("shm: region of %d bytes smaller than one page", len(mem))
	}
	return &ABI{
		mem:      mem,
		pageSize: pageSize,
		numPages: len(mem) / pageSize,
		active:   make(map[int]uint16),
	}, nil
}

// NumPages returns the number of pages in the region
func (a *ABI) NumPages() int { return a.numPages }

// PageSize returns the page size
func (a *ABI) PageSize() int { return a.pageSize }

// MaxPayloadSize is the largest payload a single chunk can carry
func (a *ABI) MaxPayloadSize() int {
	return a.pageSize - PageHeaderSize - ChunkHeaderSize
}

func (a *ABI) page(i int) ([]byte, error) {
	if i < 0 || i >= a.numPages {
		return nil, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, i, a.numPages)
	}
	off := i * a.pageSize
	return a.mem[off : off+a.pageSize : off+a.pageSize], nil
}

// Chunks returns the complete chunks in page i, including torn ones. On a
// corrupt page the chunks found before the corruption are returned along
// with ErrCorruptPage.
func (a *ABI) Chunks(i int) ([]Chunk, error) {
	page, err := a.page(i)
	if err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint32(page[0:])
	if magic == 0 {
		return nil, nil
	}
	if magic != pageMagic {
		return nil, fmt.Errorf("%w: page %d has magic %#x", ErrCorruptPage, i, magic)
	}

	var chunks []Chunk
	off := PageHeaderSize
	for off+ChunkHeaderSize <= len(page) {
		m := binary.LittleEndian.Uint16(page[off:])
		if m == 0 {
			break
		}
		if m != chunkMagic {
			return chunks, fmt.Errorf("%w: page %d offset %d has chunk magic %#x", ErrCorruptPage, i, off, m)
		}

		h := decodeChunkHeader(page[off:])
		end := off + ChunkHeaderSize + int(h.PayloadSize)
		if h.PayloadSize > uint32(len(page)) || end > len(page) {
			return chunks, fmt.Errorf("%w: page %d offset %d payload of %d bytes overruns page", ErrCorruptPage, i, off, h.PayloadSize)
		}

		if h.State == ChunkComplete {
			raw := page[off:end:end]
			chunks = append(chunks, Chunk{
				Page:   i,
				Offset: off,
				Header: h,
				Raw:    raw,
				Torn:   checksum(raw[ChunkHeaderSize:]) != h.Checksum,
			})
		}
		off = align8(end)
	}
	return chunks, nil
}

// MarkConsumed flags a chunk as consumed so its page can be reused
func (a *ABI) MarkConsumed(c Chunk) {
	page, err := a.page(c.Page)
	if err != nil || c.Offset+ChunkHeaderSize > len(page) {
		return
	}
	page[c.Offset+2] = byte(ChunkConsumed)
}

// AcquirePage hands a reusable page to writer. A page is reusable when it
// was never written, or every chunk in it has been consumed, and no other
// writer in this process holds it.
func (a *ABI) AcquirePage(writer uint16) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.numPages; i++ {
		if _, held := a.active[i]; held {
			continue
		}
		page, _ := a.page(i)
		if !pageReusable(page) {
			continue
		}
		clear(page)
		binary.LittleEndian.PutUint32(page[0:], pageMagic)
		binary.LittleEndian.PutUint16(page[4:], writer)
		a.active[i] = writer
		return i, nil
	}
	return -1, ErrNoFreePage
}

// ReleasePage returns a page a writer has finished appending to
func (a *ABI) ReleasePage(i int) {
	a.mu.Lock()
	delete(a.active, i)
	a.mu.Unlock()
}

func pageReusable(page []byte) bool {
	if binary.LittleEndian.Uint32(page[0:]) != pageMagic {
		// never written, or garbage the producer left behind
		return true
	}
	off := PageHeaderSize
	for off+ChunkHeaderSize <= len(page) {
		if binary.LittleEndian.Uint16(page[off:]) != chunkMagic {
			return true
		}
		h := decodeChunkHeader(page[off:])
		if h.State != ChunkConsumed {
			return false
		}
		off = align8(off + ChunkHeaderSize + int(h.PayloadSize))
	}
	return true
}

// ParseChunk validates a chunk that was copied out of shared memory and
// returns its header and payload.
func ParseChunk(raw []byte) (ChunkHeader, []byte, error) {
	if len(raw) < ChunkHeaderSize {
		return ChunkHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrCorruptChunk, len(raw))
	}
	if m := binary.LittleEndian.Uint16(raw); m != chunkMagic {
		return ChunkHeader{}, nil, fmt.Errorf("%w: magic %#x", ErrCorruptChunk, m)
	}
	h := decodeChunkHeader(raw)
	if int(h.PayloadSize) != len(raw)-ChunkHeaderSize {
		return ChunkHeader{}, nil, fmt.Errorf("%w: declared %d payload bytes, have %d", ErrCorruptChunk, h.PayloadSize, len(raw)-ChunkHeaderSize)
	}
	payload := raw[ChunkHeaderSize:]
	if checksum(payload) != h.Checksum {
		return ChunkHeader{}, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptChunk)
	}
	return h, payload, nil
}

func decodeChunkHeader(b []byte) ChunkHeader {
	return ChunkHeader{
		State:        ChunkState(b[2]),
		Flags:        b[3],
		TargetBuffer: binary.LittleEndian.Uint16(b[4:]),
		WriterID:     binary.LittleEndian.Uint16(b[6:]),
		ChunkID:      binary.LittleEndian.Uint32(b[8:]),
		PayloadSize:  binary.LittleEndian.Uint32(b[12:]),
		Checksum:     binary.LittleEndian.Uint32(b[16:]),
	}
}

func encodeChunkHeader(b []byte, h ChunkHeader) {
	binary.LittleEndian.PutUint16(b[0:], chunkMagic)
	b[2] = byte(h.State)
	b[3] = h.Flags
	binary.LittleEndian.PutUint16(b[4:], h.TargetBuffer)
	binary.LittleEndian.PutUint16(b[6:], h.WriterID)
	binary.LittleEndian.PutUint32(b[8:], h.ChunkID)
	binary.LittleEndian.PutUint32(b[12:], h.PayloadSize)
	binary.LittleEndian.PutUint32(b[16:], h.Checksum)
}

// checksum is the sequence marker used to detect torn chunks
func checksum(payload []byte) uint32 {
	sum := blake3.Sum256(payload)
	return binary.LittleEndian.Uint32(sum[:4])
}

func align8(n int) int { return (n + 7) &^ 7 }
