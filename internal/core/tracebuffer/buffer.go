// Package tracebuffer implements the service-owned trace buffer: a fixed
// capacity, page granular ring that receives copied trace data and
// overwrites the oldest page when full.
//
// Writers never block and never wait for readers. Every page handed out by
// NextPage gets a monotonically increasing write sequence number; readers
// keep the last sequence they consumed and ask for everything after it. A
// reader that falls more than NumPages behind loses the overwritten pages.
//
// Records larger than one page are split over consecutive pages. Each page
// carries a small header (see PageHeaderSize) with first/last fragment
// flags and its write sequence, so a record whose head was overwritten
// after wraparound is detected and skipped instead of being mis-parsed.
//
// A Buffer is not safe for concurrent use.
package tracebuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DefaultPageSize is the size of one ring page
	DefaultPageSize = 4096

	// DefaultMaxSize bounds a single buffer allocation
	DefaultMaxSize = 256 << 20

	// PageHeaderSize is the size of the framing header at the start of
	// every page written by Write.
	PageHeaderSize = 32

	pageMagic uint32 = 0x54425047 // "TBPG"

	flagFirst uint32 = 1 << 0
	flagLast  uint32 = 1 << 1
)

var (
	// ErrInvalidSize is returned when a buffer cannot be sized as requested
	ErrInvalidSize = errors.New("tracebuffer: invalid size")

	// ErrRecordTooLarge is returned by Write when a record needs more
	// pages than the buffer holds.
	ErrRecordTooLarge = errors.New("tracebuffer: record larger than buffer")
)

// Options configures a Buffer
type Options struct {
	PageSize int
	MaxSize  int
}

// Option mutates Options
type Option func(*Options)

// WithPageSize overrides DefaultPageSize
func WithPageSize(size int) Option {
	return func(o *Options) { o.PageSize = size }
}

// WithMaxSize overrides DefaultMaxSize
func WithMaxSize(size int) Option {
	return func(o *Options) { o.MaxSize = size }
}

// Buffer is a page ring with a single write cursor
type Buffer struct {
	pageSize int
	numPages int
	data     []byte

	// cur is the index of the page NextPage returns next.
	// Invariant: cur < numPages.
	cur int

	// seq is the write sequence of the most recently handed out page.
	// pageSeq[i] is the sequence stored in page i, 0 if never written.
	seq     uint64
	pageSeq []uint64

	overwritten uint64
}

// New creates a buffer of at least size bytes, rounded up to whole pages
func New(size int, opts ...Option) (*Buffer, error) {
	o := Options{PageSize: DefaultPageSize, MaxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(&o)
	}

	if o.PageSize <= PageHeaderSize {
		return nil, fmt.Errorf("%w: page size %d cannot hold a %d byte header", ErrInvalidSize, o.PageSize, PageHeaderSize)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}

	numPages := (size + o.PageSize - 1) / o.PageSize
	total := numPages * o.PageSize
	if o.MaxSize > 0 && total > o.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidSize, total, o.MaxSize)
	}

	return &Buffer{
		pageSize: o.PageSize,
		numPages: numPages,
		data:     make([]byte, total),
		pageSeq:  make([]uint64, numPages),
	}, nil
}

// Size returns the buffer size in bytes
func (b *Buffer) Size() int { return len(b.data) }

// PageSize returns the size of one page
func (b *Buffer) PageSize() int { return b.pageSize }

// NumPages returns the number of pages in the ring
func (b *Buffer) NumPages() int { return b.numPages }

// Cursor returns the index of the page the next NextPage call returns
func (b *Buffer) Cursor() int { return b.cur }

// PagesWritten returns the number of pages handed out by NextPage
func (b *Buffer) PagesWritten() uint64 { return b.seq }

// PagesOverwritten returns how many times NextPage reused a page that
// already held data.
func (b *Buffer) PagesOverwritten() uint64 { return b.overwritten }

// Page returns the bytes of page i. Panics if i is out of range.
func (b *Buffer) Page(i int) []byte {
	if i < 0 || i >= b.numPages {
		panic(fmt.Sprintf("tracebuffer: page %d out of range [0, %d)", i, b.numPages))
	}
	off := i * b.pageSize
	return b.data[off : off+b.pageSize : off+b.pageSize]
}

// NextPage returns the page at the write cursor and advances the cursor,
// wrapping to 0 after the last page.
func (b *Buffer) NextPage() []byte {
	i := b.cur
	if b.cur == b.numPages-1 {
		b.cur = 0
	} else {
		b.cur++
	}

	if b.pageSeq[i] != 0 {
		b.overwritten++
	}
	b.seq++
	b.pageSeq[i] = b.seq
	return b.Page(i)
}

// PayloadPerPage is the number of record bytes one page carries
func (b *Buffer) PayloadPerPage() int { return b.pageSize - PageHeaderSize }

// PagesFor returns how many pages a record of n bytes occupies
func (b *Buffer) PagesFor(n int) int {
	per := b.PayloadPerPage()
	if n <= per {
		return 1
	}
	return (n + per - 1) / per
}

// Write copies data into the ring as one record, split over as many
// consecutive pages as needed. tag is returned with the record on read;
// the service stores the writing producer there.
func (b *Buffer) Write(tag uint64, data []byte) (int, error) {
	pages := b.PagesFor(len(data))
	if pages > b.numPages {
		return 0, fmt.Errorf("%w: %d bytes need %d pages, buffer has %d", ErrRecordTooLarge, len(data), pages, b.numPages)
	}

	per := b.PayloadPerPage()
	off := 0
	for i := 0; i < pages; i++ {
		end := off + per
		if end > len(data) {
			end = len(data)
		}

		var flags uint32
		if i == 0 {
			flags |= flagFirst
		}
		if i == pages-1 {
			flags |= flagLast
		}

		page := b.NextPage()
		putPageHeader(page, pageHeader{
			flags:  flags,
			seq:    b.seq,
			tag:    tag,
			length: uint32(end - off),
		})
		copy(page[PageHeaderSize:], data[off:end])
		off = end
	}
	return pages, nil
}

type pageHeader struct {
	flags  uint32
	seq    uint64
	tag    uint64
	length uint32
}

func putPageHeader(page []byte, h pageHeader) {
	binary.LittleEndian.PutUint32(page[0:], pageMagic)
	binary.LittleEndian.PutUint32(page[4:], h.flags)
	binary.LittleEndian.PutUint64(page[8:], h.seq)
	binary.LittleEndian.PutUint64(page[16:], h.tag)
	binary.LittleEndian.PutUint32(page[24:], h.length)
	binary.LittleEndian.PutUint32(page[28:], 0)
}

func readPageHeader(page []byte) (pageHeader, bool) {
	if binary.LittleEndian.Uint32(page[0:]) != pageMagic {
		return pageHeader{}, false
	}
	h := pageHeader{
		flags:  binary.LittleEndian.Uint32(page[4:]),
		seq:    binary.LittleEndian.Uint64(page[8:]),
		tag:    binary.LittleEndian.Uint64(page[16:]),
		length: binary.LittleEndian.Uint32(page[24:]),
	}
	if int(h.length) > len(page)-PageHeaderSize {
		return pageHeader{}, false
	}
	return h, true
}
