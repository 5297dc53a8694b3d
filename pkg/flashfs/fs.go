// Package flashfs is a small crash-consistent file store on the flash
// block-device adapter.
//
// Every write produces a new file version in a freshly erased run of blocks;
// the version's header is programmed last and carries a digest over header
// and data, so a torn write leaves the previous version live. Mount keeps the
// newest verified version of each name and erases the rest.
package flashfs

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/internal/telemetry"
	"github.com/marmos91/flashkv/pkg/blockdev"
)

// FileInfo describes a live file.
type FileInfo struct {
	Name   string `json:"name" yaml:"name"`
	Size   uint32 `json:"size" yaml:"size"`
	Seq    uint64 `json:"seq" yaml:"seq"`
	Block  uint32 `json:"block" yaml:"block"`
	Blocks uint32 `json:"blocks" yaml:"blocks"`
}

// Usage summarizes block allocation.
type Usage struct {
	BlockSize   uint32 `json:"block_size" yaml:"block_size"`
	TotalBlocks uint32 `json:"total_blocks" yaml:"total_blocks"`
	UsedBlocks  uint32 `json:"used_blocks" yaml:"used_blocks"`
	FreeBlocks  uint32 `json:"free_blocks" yaml:"free_blocks"`
	Files       int    `json:"files" yaml:"files"`
}

type file struct {
	head uint32
	hdr  fileHeader
}

// span is the number of blocks the file occupies, header included.
func (f *file) span() uint32 {
	return 1 + f.hdr.blocks
}

// FS is a mounted volume. All methods are safe for concurrent use; each
// holds the adapter lock for its whole block sequence.
type FS struct {
	dev *blockdev.Device
	bs  uint32
	id  uuid.UUID

	files   map[string]*file
	used    []bool
	nextSeq uint64
	cursor  uint32
}

// Format erases the whole device and writes a fresh volume.
func Format(ctx context.Context, dev *blockdev.Device) (*FS, error) {
	ctx, err := dev.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer dev.Unlock(ctx)

	geo := dev.Geometry()
	if err := dev.EraseRange(ctx, 0, geo.BlockCount); err != nil {
		return nil, fmt.Errorf("erase volume: %w", err)
	}

	vh := volumeHeader{blockSize: geo.BlockSize, blockCount: geo.BlockCount, id: uuid.New()}
	buf := vh.encode()
	for _, b := range []uint32{0, 1} {
		if err := dev.Program(ctx, b, 0, buf, uint32(len(buf))); err != nil {
			return nil, fmt.Errorf("write volume header: %w", err)
		}
	}

	logger.Info("flash volume formatted",
		"volume_id", vh.id.String(),
		logger.KeyBlocks, geo.BlockCount,
		logger.KeySize, geo.BlockSize)

	return newFS(dev, vh), nil
}

func newFS(dev *blockdev.Device, vh volumeHeader) *FS {
	return &FS{
		dev:     dev,
		bs:      vh.blockSize,
		id:      vh.id,
		files:   make(map[string]*file),
		used:    make([]bool, vh.blockCount),
		nextSeq: 1,
		cursor:  firstDataBlock,
	}
}

// Mount reads the volume on dev.
func Mount(ctx context.Context, dev *blockdev.Device) (_ *FS, err error) {
	ctx, span := telemetry.StartFSSpan(ctx, "mount")
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}()

	ctx, err = dev.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer dev.Unlock(ctx)

	vh, err := readVolumeHeader(ctx, dev)
	if err != nil {
		return nil, err
	}

	fs := newFS(dev, vh)
	if err := fs.scan(ctx); err != nil {
		return nil, err
	}

	logger.Info("flash volume mounted",
		"volume_id", vh.id.String(),
		logger.KeyCount, len(fs.files))
	return fs, nil
}

// MountOrFormat mounts dev, formatting it first if it holds no valid volume.
// It reports whether a format took place.
func MountOrFormat(ctx context.Context, dev *blockdev.Device) (*FS, bool, error) {
	fs, err := Mount(ctx, dev)
	if err == nil {
		return fs, false, nil
	}
	logger.Warn("mount failed, formatting volume", logger.Err(err))

	if _, err := Format(ctx, dev); err != nil {
		return nil, false, err
	}
	fs, err = Mount(ctx, dev)
	if err != nil {
		return nil, false, err
	}
	return fs, true, nil
}

func readVolumeHeader(ctx context.Context, dev *blockdev.Device) (volumeHeader, error) {
	geo := dev.Geometry()

	var copies [2]volumeHeader
	var ok [2]bool
	for b := range copies {
		buf := make([]byte, volumeSize)
		if err := dev.Read(uint32(b), 0, buf, volumeSize); err != nil {
			return volumeHeader{}, err
		}
		copies[b], ok[b] = decodeVolumeHeader(buf)
	}

	var vh volumeHeader
	switch {
	case ok[0]:
		vh = copies[0]
	case ok[1]:
		vh = copies[1]
	default:
		return volumeHeader{}, ErrNotFormatted
	}

	if vh.blockSize != geo.BlockSize || vh.blockCount != geo.BlockCount {
		return volumeHeader{}, fmt.Errorf("%w: volume has %d blocks of %d bytes, device %d of %d",
			ErrCorrupted, vh.blockCount, vh.blockSize, geo.BlockCount, geo.BlockSize)
	}

	// Repair whichever copy did not verify.
	if ok[0] != ok[1] || copies[0] != copies[1] {
		bad := uint32(1)
		if !ok[0] {
			bad = 0
		}
		logger.Warn("repairing volume header", logger.Block(bad))
		buf := vh.encode()
		if err := dev.Erase(ctx, bad); err != nil {
			return volumeHeader{}, err
		}
		if err := dev.Program(ctx, bad, 0, buf, uint32(len(buf))); err != nil {
			return volumeHeader{}, err
		}
	}
	return vh, nil
}

// scan finds every verified file version and keeps the newest per name.
func (fs *FS) scan(ctx context.Context) error {
	count := uint32(len(fs.used))
	var stale []*file

	for b := uint32(firstDataBlock); b < count; {
		f, ok := fs.probe(b)
		if !ok {
			b++
			continue
		}

		if cur, exists := fs.files[f.hdr.name]; exists {
			if cur.hdr.seq >= f.hdr.seq {
				stale = append(stale, f)
			} else {
				stale = append(stale, cur)
				fs.files[f.hdr.name] = f
			}
		} else {
			fs.files[f.hdr.name] = f
		}
		fs.mark(f, true)
		if f.hdr.seq >= fs.nextSeq {
			fs.nextSeq = f.hdr.seq + 1
		}
		b += f.span()
	}

	for _, f := range stale {
		logger.Debug("erasing stale file version",
			logger.File(f.hdr.name),
			logger.KeySeq, f.hdr.seq,
			logger.Block(f.head))
		if err := fs.dev.Erase(ctx, f.head); err != nil {
			return err
		}
		fs.mark(f, false)
	}
	return nil
}

// probe returns the verified file whose header is at block b.
func (fs *FS) probe(b uint32) (*file, bool) {
	buf := make([]byte, fileHeaderSize)
	if err := fs.dev.Read(b, 0, buf, fileHeaderSize); err != nil {
		return nil, false
	}
	hdr, ok := decodeFileHeader(buf)
	if !ok {
		return nil, false
	}
	if hdr.blocks != fs.blocksFor(hdr.size) || uint64(b)+1+uint64(hdr.blocks) > uint64(len(fs.used)) {
		return nil, false
	}

	f := &file{head: b, hdr: hdr}
	data, err := fs.readData(f)
	if err != nil || hdr.digest(data) != hdr.sum {
		logger.Debug("skipping unverified file header", logger.Block(b), logger.File(hdr.name))
		return nil, false
	}
	return f, true
}

func (fs *FS) blocksFor(size uint32) uint32 {
	return (size + fs.bs - 1) / fs.bs
}

func (fs *FS) readData(f *file) ([]byte, error) {
	data := make([]byte, f.hdr.size)
	if f.hdr.size == 0 {
		return data, nil
	}
	if err := fs.dev.ReadAt(f.head+1, 0, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (fs *FS) mark(f *file, used bool) {
	for b := f.head; b < f.head+f.span(); b++ {
		fs.used[b] = used
	}
}

// allocate finds n contiguous free blocks, searching from the cursor.
func (fs *FS) allocate(n uint32) (uint32, error) {
	count := uint32(len(fs.used))
	if n > count-firstDataBlock {
		return 0, ErrNoSpace
	}

	try := func(from, to uint32) (uint32, bool) {
		run := uint32(0)
		for b := from; b < to; b++ {
			if fs.used[b] {
				run = 0
				continue
			}
			run++
			if run == n {
				return b + 1 - n, true
			}
		}
		return 0, false
	}

	if start, ok := try(fs.cursor, count); ok {
		return start, nil
	}
	// Runs do not wrap: retry from the beginning up to where a run that
	// would have started before the cursor could end.
	if start, ok := try(firstDataBlock, min(fs.cursor+n-1, count)); ok {
		return start, nil
	}
	return 0, ErrNoSpace
}

// ID returns the volume identifier assigned at format time.
func (fs *FS) ID() uuid.UUID {
	return fs.id
}

// ReadFile returns the contents of name.
func (fs *FS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	ctx, err := fs.dev.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer fs.dev.Unlock(ctx)

	f, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	data, err := fs.readData(f)
	if err != nil {
		return nil, err
	}
	if f.hdr.digest(data) != f.hdr.sum {
		return nil, fmt.Errorf("%w: %s fails verification", ErrCorrupted, name)
	}
	return data, nil
}

// WriteFile replaces the contents of name with data.
func (fs *FS) WriteFile(ctx context.Context, name string, data []byte) (err error) {
	if err := checkName(name); err != nil {
		return err
	}

	ctx, span := telemetry.StartFSSpan(ctx, "write", telemetry.FSFile(name), telemetry.FSSize(len(data)))
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}()

	ctx, err = fs.dev.Lock(ctx)
	if err != nil {
		return err
	}
	defer fs.dev.Unlock(ctx)

	hdr := fileHeader{
		seq:    fs.nextSeq,
		size:   uint32(len(data)),
		blocks: fs.blocksFor(uint32(len(data))),
		name:   name,
	}
	hdr.seal(data)

	head, err := fs.allocate(1 + hdr.blocks)
	if err != nil {
		return fmt.Errorf("%w: %s needs %d blocks", err, name, 1+hdr.blocks)
	}
	f := &file{head: head, hdr: hdr}

	if err := fs.dev.EraseRange(ctx, head, f.span()); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := fs.dev.ProgramAt(ctx, head+1, 0, data); err != nil {
			return err
		}
	}
	buf := hdr.encode()
	if err := fs.dev.Program(ctx, head, 0, buf, uint32(len(buf))); err != nil {
		return err
	}

	fs.nextSeq++
	fs.cursor = head + f.span()
	fs.mark(f, true)

	old := fs.files[name]
	fs.files[name] = f
	if old != nil {
		if err := fs.dev.Erase(ctx, old.head); err != nil {
			// The old version stays allocated; the next mount discards it.
			logger.Warn("failed to erase previous file version", logger.File(name), logger.Err(err))
		} else {
			fs.mark(old, false)
		}
	}

	logger.Debug("file written",
		logger.File(name),
		logger.Size(len(data)),
		logger.KeySeq, hdr.seq,
		logger.Block(head))
	return nil
}

// Remove deletes name.
func (fs *FS) Remove(ctx context.Context, name string) error {
	ctx, err := fs.dev.Lock(ctx)
	if err != nil {
		return err
	}
	defer fs.dev.Unlock(ctx)

	f, ok := fs.files[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	if err := fs.dev.Erase(ctx, f.head); err != nil {
		return err
	}
	delete(fs.files, name)
	fs.mark(f, false)

	logger.Debug("file removed", logger.File(name))
	return nil
}

// Stat describes name.
func (fs *FS) Stat(ctx context.Context, name string) (FileInfo, error) {
	ctx, err := fs.dev.Lock(ctx)
	if err != nil {
		return FileInfo{}, err
	}
	defer fs.dev.Unlock(ctx)

	f, ok := fs.files[name]
	if !ok {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	return f.info(), nil
}

// List returns every live file sorted by name.
func (fs *FS) List(ctx context.Context) ([]FileInfo, error) {
	ctx, err := fs.dev.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer fs.dev.Unlock(ctx)

	infos := make([]FileInfo, 0, len(fs.files))
	for _, f := range fs.files {
		infos = append(infos, f.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Usage reports block allocation.
func (fs *FS) Usage(ctx context.Context) (Usage, error) {
	ctx, err := fs.dev.Lock(ctx)
	if err != nil {
		return Usage{}, err
	}
	defer fs.dev.Unlock(ctx)

	u := Usage{
		BlockSize:   fs.bs,
		TotalBlocks: uint32(len(fs.used)) - firstDataBlock,
		Files:       len(fs.files),
	}
	for _, used := range fs.used[firstDataBlock:] {
		if used {
			u.UsedBlocks++
		}
	}
	u.FreeBlocks = u.TotalBlocks - u.UsedBlocks
	return u, nil
}

func (f *file) info() FileInfo {
	return FileInfo{
		Name:   f.hdr.name,
		Size:   f.hdr.size,
		Seq:    f.hdr.seq,
		Block:  f.head,
		Blocks: f.span(),
	}
}

func checkName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrNameTooLong, len(name), MaxNameLen)
	}
	return nil
}
