package tracebuffer

// Record is one reassembled record read back out of the ring
type Record struct {
	Tag  uint64
	Data []byte
}

// ReadResult is returned by ReadSince
type ReadResult struct {
	Records []Record

	// Next is the sequence to pass to the following ReadSince call
	Next uint64

	// LostPages counts pages written after the previous read that were
	// overwritten before this one.
	LostPages uint64

	// SkippedPages counts pages that were present but could not be
	// attributed to a complete record, typically the tail of a record
	// whose head was overwritten.
	SkippedPages uint64
}

// ReadSince returns every complete record in pages written after sequence
// since, oldest first. It does not move the write cursor; pass
// ReadResult.Next to the next call to receive only newer data.
func (b *Buffer) ReadSince(since uint64) ReadResult {
	res := ReadResult{Next: b.seq}
	if b.seq == 0 || since >= b.seq {
		return res
	}

	oldest := uint64(1)
	if b.seq > uint64(b.numPages) {
		oldest = b.seq - uint64(b.numPages) + 1
	}
	start := since + 1
	if start < oldest {
		res.LostPages = oldest - start
		start = oldest
	}

	var (
		pending     *Record
		pendingRuns uint64
	)
	drop := func() {
		if pending != nil {
			res.SkippedPages += pendingRuns
			pending = nil
			pendingRuns = 0
		}
	}

	for s := start; s <= b.seq; s++ {
		idx := int((s - 1) % uint64(b.numPages))
		page := b.Page(idx)

		h, ok := readPageHeader(page)
		if !ok || h.seq != s || b.pageSeq[idx] != s {
			drop()
			res.SkippedPages++
			continue
		}

		if h.flags&flagFirst != 0 {
			drop()
			pending = &Record{Tag: h.tag}
		} else if pending == nil || pending.Tag != h.tag {
			// head of this record is gone
			drop()
			res.SkippedPages++
			continue
		}

		pending.Data = append(pending.Data, page[PageHeaderSize:PageHeaderSize+int(h.length)]...)
		pendingRuns++

		if h.flags&flagLast != 0 {
			res.Records = append(res.Records, *pending)
			pending = nil
			pendingRuns = 0
		}
	}
	drop()

	return res
}
