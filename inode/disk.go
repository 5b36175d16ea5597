package inode

import "ulfs/util"

// Magic identifies a valid on-disk inode header.
const Magic uint32 = 0x494e4f44

// NoSector is the sentinel stored in a direct/indirect slot meaning "no
// data sector allocated for this offset yet".
const NoSector = 0xFFFF

// NumIndirect is the number of single-indirect sector slots in the
// on-disk inode.
const NumIndirect = 64

const sectorSize = 512
const headerSize = 4 + 4 + 4 // length int32, magic uint32, counter int32

// NumDirect is derived so the on-disk inode occupies exactly one sector:
// (512 - 12)/2 - 64 direct slots.
const NumDirect = (sectorSize-headerSize)/2 - NumIndirect

// IndirectNumDirect is the number of sector slots addressed by one
// indirect sector: 512 bytes / 2 bytes per index.
const IndirectNumDirect = sectorSize / 2

func init() {
	// The on-disk layout must fill exactly one sector; this mirrors the
	// compile-time ASSERT(sizeof(inode_disk_t) == BLOCK_SECTOR_SIZE).
	size := headerSize + NumDirect*2 + NumIndirect*2
	if size != sectorSize {
		panic("inode disk layout does not fill exactly one sector")
	}
}

// diskInode is a field-accessor view over the raw 512-byte on-disk
// inode buffer, little-endian encoded per the bit-packed layout
// requirement.
type diskInode struct {
	buf []byte
}

func asDiskInode(buf []byte) diskInode {
	if len(buf) != sectorSize {
		panic("inode buffer must be exactly one sector")
	}
	return diskInode{buf: buf}
}

func (d diskInode) Length() int32       { return util.ReadInt32(d.buf, 0) }
func (d diskInode) SetLength(v int32)   { util.WriteInt32(d.buf, 0, v) }
func (d diskInode) Magic() uint32       { return uint32(util.ReadUint(d.buf, 4, 4)) }
func (d diskInode) SetMagic(v uint32)   { util.WriteUint(d.buf, 4, 4, uint64(v)) }
func (d diskInode) Counter() int32      { return util.ReadInt32(d.buf, 8) }
func (d diskInode) SetCounter(v int32)  { util.WriteInt32(d.buf, 8, v) }

func (d diskInode) Direct(i int) uint16 {
	return uint16(util.ReadUint(d.buf, 2, headerSize+i*2))
}
func (d diskInode) SetDirect(i int, v uint16) {
	util.WriteUint(d.buf, 2, headerSize+i*2, uint64(v))
}

const indirectOff = headerSize + NumDirect*2

func (d diskInode) Indirect(i int) uint16 {
	return uint16(util.ReadUint(d.buf, 2, indirectOff+i*2))
}
func (d diskInode) SetIndirect(i int, v uint16) {
	util.WriteUint(d.buf, 2, indirectOff+i*2, uint64(v))
}

// indirectNode is a field-accessor view over an indirect sector's 256
// sector indices.
type indirectNode struct {
	buf []byte
}

func asIndirectNode(buf []byte) indirectNode {
	if len(buf) != sectorSize {
		panic("indirect node buffer must be exactly one sector")
	}
	return indirectNode{buf: buf}
}

func (n indirectNode) Direct(i int) uint16 {
	return uint16(util.ReadUint(n.buf, 2, i*2))
}
func (n indirectNode) SetDirect(i int, v uint16) {
	util.WriteUint(n.buf, 2, i*2, uint64(v))
}

// BytesToSectors returns the number of sectors needed to hold size bytes.
func BytesToSectors(size int64) int64 {
	return (size + sectorSize - 1) / sectorSize
}
