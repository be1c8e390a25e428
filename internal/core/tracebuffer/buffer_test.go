package tracebuffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsToWholePages(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		pages int
	}{
		{"exact", 8192, 2},
		{"rounds up", 5000, 2},
		{"tiny", 1, 1},
		{"one page", DefaultPageSize, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.pages, b.NumPages())
			assert.Equal(t, tt.pages*DefaultPageSize, b.Size())
			assert.Equal(t, 0, b.Cursor())
		})
	}
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(-4096)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(1<<20, WithMaxSize(64<<10))
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(4096, WithPageSize(PageHeaderSize))
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestPageOutOfRangePanics(t *testing.T) {
	b, err := New(8192)
	require.NoError(t, err)

	assert.NotPanics(t, func() { b.Page(1) })
	assert.Panics(t, func() { b.Page(2) })
	assert.Panics(t, func() { b.Page(-1) })
}

func TestNextPageWraparound(t *testing.T) {
	const numPages = 4
	for k := 1; k <= 9; k++ {
		b, err := New(numPages * DefaultPageSize)
		require.NoError(t, err)

		for i := 0; i < numPages+k; i++ {
			page := b.NextPage()
			page[0] = byte(i)
		}

		assert.Equal(t, k%numPages, b.Cursor(), "k=%d", k)
		assert.Equal(t, uint64(k), b.PagesOverwritten(), "k=%d", k)
		assert.Equal(t, uint64(numPages+k), b.PagesWritten())

		// The page at the cursor holds the oldest surviving write.
		oldest := b.Page(b.Cursor())
		assert.Equal(t, byte(k), oldest[0], "k=%d", k)
	}
}

func TestNextPageReturnsDistinctPagesInOrder(t *testing.T) {
	b, err := New(3 * DefaultPageSize)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		page := b.NextPage()
		assert.Equal(t, &b.Page(i % 3)[0], &page[0])
	}
}

func TestWriteAndReadSinglePage(t *testing.T) {
	b, err := New(8192)
	require.NoError(t, err)

	pages, err := b.Write(7, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, pages)

	res := b.ReadSince(0)
	require.Len(t, res.Records, 1)
	assert.Equal(t, uint64(7), res.Records[0].Tag)
	assert.Equal(t, []byte("hello"), res.Records[0].Data)
	assert.Equal(t, uint64(1), res.Next)
	assert.Zero(t, res.LostPages)
}

func TestWriteSplitsAcrossPages(t *testing.T) {
	b, err := New(8192)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xAB}, 5000)
	pages, err := b.Write(1, data)
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	assert.Equal(t, 0, b.Cursor())

	res := b.ReadSince(0)
	require.Len(t, res.Records, 1)
	assert.Equal(t, data, res.Records[0].Data)
}

func TestWriteRejectsOversizedRecord(t *testing.T) {
	b, err := New(8192)
	require.NoError(t, err)

	_, err = b.Write(1, make([]byte, 2*b.PayloadPerPage()+1))
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	assert.Equal(t, uint64(0), b.PagesWritten())
}

func TestReadSinceReturnsOnlyNewRecords(t *testing.T) {
	b, err := New(4 * DefaultPageSize)
	require.NoError(t, err)

	_, _ = b.Write(1, []byte("a"))
	first := b.ReadSince(0)
	require.Len(t, first.Records, 1)

	again := b.ReadSince(first.Next)
	assert.Empty(t, again.Records)

	_, _ = b.Write(1, []byte("b"))
	_, _ = b.Write(1, []byte("c"))
	next := b.ReadSince(first.Next)
	require.Len(t, next.Records, 2)
	assert.Equal(t, []byte("b"), next.Records[0].Data)
	assert.Equal(t, []byte("c"), next.Records[1].Data)
}

func TestReadSkipsRecordWithOverwrittenHead(t *testing.T) {
	b, err := New(8192)
	require.NoError(t, err)

	big := bytes.Repeat([]byte{1}, 5000) // two pages
	_, err = b.Write(1, big)
	require.NoError(t, err)
	_, err = b.Write(2, []byte("newer")) // overwrites page 0, the head of big
	require.NoError(t, err)

	res := b.ReadSince(0)
	require.Len(t, res.Records, 1)
	assert.Equal(t, uint64(2), res.Records[0].Tag)
	assert.Equal(t, []byte("newer"), res.Records[0].Data)
	assert.Equal(t, uint64(1), res.LostPages)
	assert.Equal(t, uint64(1), res.SkippedPages)
}

func TestReadAfterManyWraps(t *testing.T) {
	b, err := New(2 * DefaultPageSize)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := b.Write(uint64(i), []byte{byte(i)})
		require.NoError(t, err)
	}

	res := b.ReadSince(0)
	require.Len(t, res.Records, 2)
	assert.Equal(t, []byte{8}, res.Records[0].Data)
	assert.Equal(t, []byte{9}, res.Records[1].Data)
	assert.Equal(t, uint64(8), res.LostPages)
}

func TestRawNextPageIsSkippedByReader(t *testing.T) {
	b, err := New(4 * DefaultPageSize)
	require.NoError(t, err)

	_, _ = b.Write(1, []byte("ok"))
	b.NextPage() // unframed page
	_, _ = b.Write(1, []byte("ok2"))

	res := b.ReadSince(0)
	require.Len(t, res.Records, 2)
	assert.Equal(t, uint64(1), res.SkippedPages)
}

func TestEmptyBufferRead(t *testing.T) {
	b, err := New(4096)
	require.NoError(t, err)

	res := b.ReadSince(0)
	assert.Empty(t, res.Records)
	assert.Equal(t, uint64(0), res.Next)
}
