package blockdev

import (
	"context"
	"fmt"
)

// Span is the part of a byte run that falls inside one block.
type Span struct {
	Block uint32
	Off   uint32
	Len   uint32
}

// Spans splits n bytes starting at off within block into per-block pieces.
// off may exceed the block size; it is normalized first.
func (d *Device) Spans(block, off, n uint32) []Span {
	bs := d.geo.BlockSize
	block += off / bs
	off %= bs

	var spans []Span
	for n > 0 {
		l := min(bs-off, n)
		spans = append(spans, Span{Block: block, Off: off, Len: l})
		n -= l
		block++
		off = 0
	}
	return spans
}

// ProgramAt programs data starting at off within block, crossing block
// boundaries as needed.
func (d *Device) ProgramAt(ctx context.Context, block, off uint32, data []byte) error {
	var pos uint32
	for _, s := range d.Spans(block, off, uint32(len(data))) {
		if err := d.Program(ctx, s.Block, s.Off, data[pos:pos+s.Len], s.Len); err != nil {
			return err
		}
		pos += s.Len
	}
	return nil
}

// ReadAt fills buf starting at off within block.
func (d *Device) ReadAt(block, off uint32, buf []byte) error {
	var pos uint32
	for _, s := range d.Spans(block, off, uint32(len(buf))) {
		if err := d.Read(s.Block, s.Off, buf[pos:pos+s.Len], s.Len); err != nil {
			return err
		}
		pos += s.Len
	}
	return nil
}

// EraseRange erases count blocks starting at first.
func (d *Device) EraseRange(ctx context.Context, first, count uint32) error {
	if uint64(first)+uint64(count) > uint64(d.geo.BlockCount) {
		return fmt.Errorf("%w: blocks %d+%d of %d", ErrIO, first, count, d.geo.BlockCount)
	}
	for b := first; b < first+count; b++ {
		if err := d.Erase(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
