package flashfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/uuid"
)

// On-flash layout.
//
// Blocks 0 and 1 hold identical volume headers:
//
//	magic "FKFS" | version u16 | block size u32 | block count u32 |
//	volume id [16] | sha256 [32]
//
// Every other block is free, a file header, or file data. A file is one
// header block followed by its data blocks:
//
//	magic "FKFH" | seq u64 | size u32 | data blocks u32 | name len u8 |
//	name [48] | sha256 [32]
//
// The file digest covers the header fields before it and the file data.
// All integers are little endian.
const (
	volumeMagic   = "FKFS"
	volumeVersion = uint16(1)
	volumeSize    = 4 + 2 + 4 + 4 + 16 + sha256.Size

	fileMagic      = "FKFH"
	fileHeaderSize = 4 + 8 + 4 + 4 + 1 + MaxNameLen + sha256.Size

	// MaxNameLen is the longest file name the header can hold.
	MaxNameLen = 48

	// firstDataBlock is the first block after the two volume headers.
	firstDataBlock = 2
)

type volumeHeader struct {
	blockSize  uint32
	blockCount uint32
	id         uuid.UUID
}

func (v volumeHeader) encode() []byte {
	buf := make([]byte, volumeSize)
	copy(buf[0:4], volumeMagic)
	binary.LittleEndian.PutUint16(buf[4:6], volumeVersion)
	binary.LittleEndian.PutUint32(buf[6:10], v.blockSize)
	binary.LittleEndian.PutUint32(buf[10:14], v.blockCount)
	copy(buf[14:30], v.id[:])
	sum := sha256.Sum256(buf[:30])
	copy(buf[30:], sum[:])
	return buf
}

func decodeVolumeHeader(buf []byte) (volumeHeader, bool) {
	if len(buf) < volumeSize || string(buf[0:4]) != volumeMagic {
		return volumeHeader{}, false
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != volumeVersion {
		return volumeHeader{}, false
	}
	sum := sha256.Sum256(buf[:30])
	if !bytes.Equal(sum[:], buf[30:volumeSize]) {
		return volumeHeader{}, false
	}

	var v volumeHeader
	v.blockSize = binary.LittleEndian.Uint32(buf[6:10])
	v.blockCount = binary.LittleEndian.Uint32(buf[10:14])
	copy(v.id[:], buf[14:30])
	return v, true
}

type fileHeader struct {
	seq    uint64
	size   uint32
	blocks uint32
	name   string
	sum    [sha256.Size]byte
}

// fields encodes everything the digest covers.
func (h fileHeader) fields() []byte {
	buf := make([]byte, fileHeaderSize-sha256.Size)
	copy(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint64(buf[4:12], h.seq)
	binary.LittleEndian.PutUint32(buf[12:16], h.size)
	binary.LittleEndian.PutUint32(buf[16:20], h.blocks)
	buf[20] = byte(len(h.name))
	copy(buf[21:21+MaxNameLen], h.name)
	return buf
}

// seal computes the digest over the header fields and data.
func (h *fileHeader) seal(data []byte) {
	h.sum = h.digest(data)
}

func (h fileHeader) digest(data []byte) [sha256.Size]byte {
	d := sha256.New()
	d.Write(h.fields())
	d.Write(data)
	var sum [sha256.Size]byte
	copy(sum[:], d.Sum(nil))
	return sum
}

func (h fileHeader) encode() []byte {
	return append(h.fields(), h.sum[:]...)
}

// decodeFileHeader parses a header candidate. It does not verify the digest,
// which needs the data.
func decodeFileHeader(buf []byte) (fileHeader, bool) {
	if len(buf) < fileHeaderSize || string(buf[0:4]) != fileMagic {
		return fileHeader{}, false
	}
	n := int(buf[20])
	if n == 0 || n > MaxNameLen {
		return fileHeader{}, false
	}

	h := fileHeader{
		seq:    binary.LittleEndian.Uint64(buf[4:12]),
		size:   binary.LittleEndian.Uint32(buf[12:16]),
		blocks: binary.LittleEndian.Uint32(buf[16:20]),
		name:   string(buf[21 : 21+n]),
	}
	copy(h.sum[:], buf[21+MaxNameLen:fileHeaderSize])
	return h, true
}
