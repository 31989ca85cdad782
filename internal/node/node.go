// Copyright 2025 FlintFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package node implements the on-flash node format of FlintFS images and
// the store that reads and writes nodes at (eraseblock, offset) addresses.
//
// Every node starts with a common 24-byte header:
//
//	magic(4) | crc32(4) | sqnum(8) | len(4) | type(1) | group(1) | pad(2)
//
// The CRC covers everything after the CRC field. For keyed node types the
// key always sits immediately after the header, so scanners can extract it
// without knowing the body layout.
package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"flintfs/internal/common"
	"flintfs/internal/keys"
)

// Type tags every on-flash node.
type Type uint8

const (
	TypeSuperblock Type = iota
	TypeCommitStart
	TypeRef
	TypeInode
	TypeData
	TypeDent
	TypeXent
	TypeTrun
	TypeIndex
	TypePad

	typeCount
)

func (t Type) String() string {
	switch t {
	case TypeSuperblock:
		return "superblock"
	case TypeCommitStart:
		return "commit-start"
	case TypeRef:
		return "ref"
	case TypeInode:
		return "inode"
	case TypeData:
		return "data"
	case TypeDent:
		return "dent"
	case TypeXent:
		return "xent"
	case TypeTrun:
		return "trun"
	case TypeIndex:
		return "index"
	case TypePad:
		return "pad"
	default:
		return fmt.Sprintf("bad(%d)", uint8(t))
	}
}

const (
	// Magic identifies FlintFS nodes ("FLT1").
	Magic = uint32(0x31544C46)

	// HeaderSize is the size of the common node header.
	HeaderSize = 24

	// MaxNameLen bounds directory and attribute entry names.
	MaxNameLen = 255

	// BlockSize is the data block size; data keys are indexed in these units.
	BlockSize = 4096
)

// SqnumWatermark is the reserved top of the sequence number space. A node
// carrying a sequence number at or above it means the counter is about to
// wrap, which the format does not survive; replay treats it as fatal.
const SqnumWatermark = uint64(0xFFFFFFFF) << 32

// Fixed and minimum node sizes.
const (
	InodeNodeSize       = HeaderSize + keys.Size + 12
	DataNodeBaseSize    = HeaderSize + keys.Size + 4
	DentNodeBaseSize    = HeaderSize + keys.Size + 11 // + name + NUL
	TrunNodeSize        = HeaderSize + 24
	RefNodeSize         = HeaderSize + 12
	CommitStartNodeSize = HeaderSize + 8
	PadNodeSize         = HeaderSize + 4
	IndexNodeBaseSize   = HeaderSize + 4
	BranchSize          = 12 + keys.Size
	SuperblockNodeSize  = HeaderSize + 92
)

// DentNodeSize returns the size of a dent/xent node carrying an nlen-byte name.
func DentNodeSize(nlen int) int { return DentNodeBaseSize + nlen }

// IndexNodeSize returns the size of an index node with n branches.
func IndexNodeSize(n int) int { return IndexNodeBaseSize + n*BranchSize }

// Align8 rounds n up to the 8-byte write grain.
func Align8(n int) int { return (n + 7) &^ 7 }

// Loc is the physical location of a node: eraseblock, offset and length.
// A zero-length Loc means "never committed".
type Loc struct {
	Lnum int
	Offs int
	Len  int
}

// IsNil reports whether the location refers to nothing on flash.
func (l Loc) IsNil() bool { return l.Len == 0 }

func (l Loc) String() string { return fmt.Sprintf("%d:%d len %d", l.Lnum, l.Offs, l.Len) }

// Header is the decoded common node header.
type Header struct {
	Sqnum uint64
	Len   int
	Type  Type
	Group uint8
}

// ParseHeader decodes and verifies the common header at the start of raw.
// raw must hold at least the full node (Len bytes) for CRC verification.
func ParseHeader(raw []byte) (Header, error) {
	var h Header
	if len(raw) < HeaderSize {
		return h, fmt.Errorf("%w: short header (%d bytes)", common.ErrCorrupt, len(raw))
	}
	if m := binary.LittleEndian.Uint32(raw[0:4]); m != Magic {
		return h, fmt.Errorf("%w: bad magic %#x, expected %#x", common.ErrCorrupt, m, Magic)
	}
	h.Sqnum = binary.LittleEndian.Uint64(raw[8:16])
	h.Len = int(binary.LittleEndian.Uint32(raw[16:20]))
	h.Type = Type(raw[20])
	h.Group = raw[21]
	if h.Type >= typeCount {
		return h, fmt.Errorf("%w: bad node type %d", common.ErrCorrupt, raw[20])
	}
	if h.Len < HeaderSize || h.Len > len(raw) {
		return h, fmt.Errorf("%w: bad node length %d", common.ErrCorrupt, h.Len)
	}
	want := binary.LittleEndian.Uint32(raw[4:8])
	got := crc32.ChecksumIEEE(raw[8:h.Len])
	if got != want {
		return h, fmt.Errorf("%w: bad CRC %#x, expected %#x", common.ErrCorrupt, got, want)
	}
	return h, nil
}

// finishNode fills in the common header of buf and computes the CRC.
func finishNode(buf []byte, t Type, sqnum uint64) []byte {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint64(buf[8:16], sqnum)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(buf)))
	buf[20] = byte(t)
	buf[21] = 0
	buf[22], buf[23] = 0, 0
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf[8:]))
	return buf
}

// NodeKey extracts the key of a keyed node. It must only be called for
// inode, data, dent and xent nodes.
func NodeKey(raw []byte) keys.Key {
	return keys.Key(binary.LittleEndian.Uint64(raw[HeaderSize : HeaderSize+keys.Size]))
}

// NodeSqnum extracts the sequence number of an already-verified node.
func NodeSqnum(raw []byte) uint64 {
	return binary.LittleEndian.Uint64(raw[8:16])
}

// InodeNode is a journaled inode record. Nlink zero marks inode deletion.
type InodeNode struct {
	Key   keys.Key
	Size  uint64
	Nlink uint32
}

// MarshalInode builds a complete inode node.
func MarshalInode(in InodeNode, sqnum uint64) []byte {
	buf := make([]byte, InodeNodeSize)
	binary.LittleEndian.PutUint64(buf[HeaderSize:], uint64(in.Key))
	binary.LittleEndian.PutUint64(buf[HeaderSize+8:], in.Size)
	binary.LittleEndian.PutUint32(buf[HeaderSize+16:], in.Nlink)
	return finishNode(buf, TypeInode, sqnum)
}

// ParseInode decodes an inode node body.
func ParseInode(raw []byte) (InodeNode, error) {
	var in InodeNode
	if len(raw) != InodeNodeSize {
		return in, fmt.Errorf("%w: inode node length %d, expected %d",
			common.ErrCorrupt, len(raw), InodeNodeSize)
	}
	in.Key = NodeKey(raw)
	in.Size = binary.LittleEndian.Uint64(raw[HeaderSize+8:])
	in.Nlink = binary.LittleEndian.Uint32(raw[HeaderSize+16:])
	return in, nil
}

// DataNode carries one block of file data. The payload is opaque to the
// index layer; compression, if any, happens below.
type DataNode struct {
	Key  keys.Key
	Size uint32 // uncompressed payload size
	Data []byte
}

// MarshalData builds a complete data node.
func MarshalData(dn DataNode, sqnum uint64) []byte {
	buf := make([]byte, DataNodeBaseSize+len(dn.Data))
	binary.LittleEndian.PutUint64(buf[HeaderSize:], uint64(dn.Key))
	binary.LittleEndian.PutUint32(buf[HeaderSize+8:], dn.Size)
	copy(buf[DataNodeBaseSize:], dn.Data)
	return finishNode(buf, TypeData, sqnum)
}

// ParseData decodes a data node body.
func ParseData(raw []byte) (DataNode, error) {
	var dn DataNode
	if len(raw) < DataNodeBaseSize {
		return dn, fmt.Errorf("%w: data node length %d", common.ErrCorrupt, len(raw))
	}
	dn.Key = NodeKey(raw)
	dn.Size = binary.LittleEndian.Uint32(raw[HeaderSize+8:])
	dn.Data = raw[DataNodeBaseSize:]
	return dn, nil
}

// DentNode is a directory or extended attribute entry. Inum zero marks a
// deletion entry: the name records which entry died.
type DentNode struct {
	Key  keys.Key
	Inum uint64
	Name string
}

// MarshalDent builds a complete dent or xent node.
func MarshalDent(dn DentNode, t Type, sqnum uint64) []byte {
	buf := make([]byte, DentNodeSize(len(dn.Name)))
	binary.LittleEndian.PutUint64(buf[HeaderSize:], uint64(dn.Key))
	binary.LittleEndian.PutUint64(buf[HeaderSize+8:], dn.Inum)
	binary.LittleEndian.PutUint16(buf[HeaderSize+16:], uint16(len(dn.Name)))
	copy(buf[HeaderSize+18:], dn.Name)
	// Trailing NUL is already there from make().
	return finishNode(buf, t, sqnum)
}

// ParseDent decodes a dent/xent node body. Callers wanting full structural
// validation should use ValidateEntry first.
func ParseDent(raw []byte) (DentNode, error) {
	var dn DentNode
	if len(raw) < DentNodeBaseSize {
		return dn, fmt.Errorf("%w: entry node length %d", common.ErrCorrupt, len(raw))
	}
	dn.Key = NodeKey(raw)
	dn.Inum = binary.LittleEndian.Uint64(raw[HeaderSize+8:])
	nlen := int(binary.LittleEndian.Uint16(raw[HeaderSize+16:]))
	if len(raw) != DentNodeSize(nlen) {
		return dn, fmt.Errorf("%w: entry node length %d, expected %d",
			common.ErrCorrupt, len(raw), DentNodeSize(nlen))
	}
	dn.Name = string(raw[HeaderSize+18 : HeaderSize+18+nlen])
	return dn, nil
}

// ValidateEntry validates a directory or extended attribute entry node:
// length consistency, name bounds and termination, and key type.
func ValidateEntry(raw []byte) error {
	if len(raw) < DentNodeBaseSize {
		return fmt.Errorf("%w: entry node too short (%d bytes)", common.ErrCorrupt, len(raw))
	}
	key := NodeKey(raw)
	if t := key.Type(); t != keys.TypeDent && t != keys.TypeXent {
		return fmt.Errorf("%w: bad entry key type %d", common.ErrCorrupt, t)
	}
	nlen := int(binary.LittleEndian.Uint16(raw[HeaderSize+16:]))
	if nlen < 1 || nlen > MaxNameLen {
		return fmt.Errorf("%w: bad entry name length %d", common.ErrCorrupt, nlen)
	}
	if len(raw) != DentNodeSize(nlen) {
		return fmt.Errorf("%w: entry node length %d, expected %d",
			common.ErrCorrupt, len(raw), DentNodeSize(nlen))
	}
	name := raw[HeaderSize+18 : HeaderSize+18+nlen]
	if raw[HeaderSize+18+nlen] != 0 || bytes.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: entry name not NUL-terminated", common.ErrCorrupt)
	}
	if inum := binary.LittleEndian.Uint64(raw[HeaderSize+8:]); inum > keys.MaxInum {
		return fmt.Errorf("%w: bad entry inum %d", common.ErrCorrupt, inum)
	}
	return nil
}

// TrunNode records a file truncation. It lives only in the journal; replay
// turns it into a range removal over the dropped data blocks.
type TrunNode struct {
	Inum    uint64
	OldSize uint64
	NewSize uint64
}

// MarshalTrun builds a complete truncation node.
func MarshalTrun(tn TrunNode, sqnum uint64) []byte {
	buf := make([]byte, TrunNodeSize)
	binary.LittleEndian.PutUint64(buf[HeaderSize:], tn.Inum)
	binary.LittleEndian.PutUint64(buf[HeaderSize+8:], tn.OldSize)
	binary.LittleEndian.PutUint64(buf[HeaderSize+16:], tn.NewSize)
	return finishNode(buf, TypeTrun, sqnum)
}

// ParseTrun decodes a truncation node body.
func ParseTrun(raw []byte) (TrunNode, error) {
	var tn TrunNode
	if len(raw) != TrunNodeSize {
		return tn, fmt.Errorf("%w: truncation node length %d", common.ErrCorrupt, len(raw))
	}
	tn.Inum = binary.LittleEndian.Uint64(raw[HeaderSize:])
	tn.OldSize = binary.LittleEndian.Uint64(raw[HeaderSize+8:])
	tn.NewSize = binary.LittleEndian.Uint64(raw[HeaderSize+16:])
	return tn, nil
}

// RefNode names a bud: an eraseblock region one journal head is writing to.
type RefNode struct {
	Lnum  int
	Offs  int
	Jhead int
}

// MarshalRef builds a complete reference node.
func MarshalRef(rn RefNode, sqnum uint64) []byte {
	buf := make([]byte, RefNodeSize)
	binary.LittleEndian.PutUint32(buf[HeaderSize:], uint32(rn.Lnum))
	binary.LittleEndian.PutUint32(buf[HeaderSize+4:], uint32(rn.Offs))
	binary.LittleEndian.PutUint32(buf[HeaderSize+8:], uint32(rn.Jhead))
	return finishNode(buf, TypeRef, sqnum)
}

// ParseRef decodes a reference node body.
func ParseRef(raw []byte) (RefNode, error) {
	var rn RefNode
	if len(raw) != RefNodeSize {
		return rn, fmt.Errorf("%w: ref node length %d", common.ErrCorrupt, len(raw))
	}
	rn.Lnum = int(binary.LittleEndian.Uint32(raw[HeaderSize:]))
	rn.Offs = int(binary.LittleEndian.Uint32(raw[HeaderSize+4:]))
	rn.Jhead = int(binary.LittleEndian.Uint32(raw[HeaderSize+8:]))
	return rn, nil
}

// CommitStartNode marks the beginning of a commit in the log.
type CommitStartNode struct {
	CmtNo uint64
}

// MarshalCommitStart builds a complete commit-start node.
func MarshalCommitStart(cs CommitStartNode, sqnum uint64) []byte {
	buf := make([]byte, CommitStartNodeSize)
	binary.LittleEndian.PutUint64(buf[HeaderSize:], cs.CmtNo)
	return finishNode(buf, TypeCommitStart, sqnum)
}

// ParseCommitStart decodes a commit-start node body.
func ParseCommitStart(raw []byte) (CommitStartNode, error) {
	var cs CommitStartNode
	if len(raw) != CommitStartNodeSize {
		return cs, fmt.Errorf("%w: commit-start node length %d", common.ErrCorrupt, len(raw))
	}
	cs.CmtNo = binary.LittleEndian.Uint64(raw[HeaderSize:])
	return cs, nil
}

// Branch is one child reference inside an on-flash index node.
type Branch struct {
	Loc Loc
	Key keys.Key
}

// IndexNode is the on-flash form of one index tree node.
type IndexNode struct {
	Level    int
	Branches []Branch
}

// MarshalIndex builds a complete index node.
func MarshalIndex(ix IndexNode, sqnum uint64) []byte {
	buf := make([]byte, IndexNodeSize(len(ix.Branches)))
	binary.LittleEndian.PutUint16(buf[HeaderSize:], uint16(ix.Level))
	binary.LittleEndian.PutUint16(buf[HeaderSize+2:], uint16(len(ix.Branches)))
	off := HeaderSize + 4
	for _, br := range ix.Branches {
		binary.LittleEndian.PutUint32(buf[off:], uint32(br.Loc.Lnum))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(br.Loc.Offs))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(br.Loc.Len))
		binary.LittleEndian.PutUint64(buf[off+12:], uint64(br.Key))
		off += BranchSize
	}
	return finishNode(buf, TypeIndex, sqnum)
}

// ParseIndex decodes an index node body.
func ParseIndex(raw []byte) (IndexNode, error) {
	var ix IndexNode
	if len(raw) < IndexNodeBaseSize {
		return ix, fmt.Errorf("%w: index node length %d", common.ErrCorrupt, len(raw))
	}
	ix.Level = int(binary.LittleEndian.Uint16(raw[HeaderSize:]))
	n := int(binary.LittleEndian.Uint16(raw[HeaderSize+2:]))
	if len(raw) != IndexNodeSize(n) {
		return ix, fmt.Errorf("%w: index node length %d, expected %d for %d branches",
			common.ErrCorrupt, len(raw), IndexNodeSize(n), n)
	}
	ix.Branches = make([]Branch, n)
	off := HeaderSize + 4
	for i := range ix.Branches {
		ix.Branches[i].Loc.Lnum = int(binary.LittleEndian.Uint32(raw[off:]))
		ix.Branches[i].Loc.Offs = int(binary.LittleEndian.Uint32(raw[off+4:]))
		ix.Branches[i].Loc.Len = int(binary.LittleEndian.Uint32(raw[off+8:]))
		ix.Branches[i].Key = keys.Key(binary.LittleEndian.Uint64(raw[off+12:]))
		off += BranchSize
	}
	return ix, nil
}

// MarshalPad builds a padding node that, together with its trailer, covers
// total bytes. total must be 8-byte aligned and at least Align8(PadNodeSize).
func MarshalPad(total int, sqnum uint64) []byte {
	buf := make([]byte, PadNodeSize)
	binary.LittleEndian.PutUint32(buf[HeaderSize:], uint32(total-Align8(PadNodeSize)))
	return finishNode(buf, TypePad, sqnum)
}

// ParsePadLen returns the number of padding bytes following a pad node.
func ParsePadLen(raw []byte) (int, error) {
	if len(raw) != PadNodeSize {
		return 0, fmt.Errorf("%w: pad node length %d", common.ErrCorrupt, len(raw))
	}
	return int(binary.LittleEndian.Uint32(raw[HeaderSize:])), nil
}

// SuperblockFormatVersion guards the on-flash layout.
const SuperblockFormatVersion = 1

// Superblock sits at the start of eraseblock 0 and bootstraps a mount:
// geometry, identity, the index root and where the log head was.
type Superblock struct {
	FmtVersion  uint32
	UUID        uuid.UUID
	LebSize     int
	LebCount    int
	Fanout      int
	LogLebs     int
	JheadCnt    int
	MinIOSize   int
	CmtNo       uint64
	LogHeadLnum int
	LogHeadOffs int
	Root        Loc
	RootLevel   int
	MaxSqnum    uint64
	HighestInum uint64
}

// MarshalSuperblock builds a complete superblock node.
func MarshalSuperblock(sb Superblock, sqnum uint64) []byte {
	buf := make([]byte, SuperblockNodeSize)
	b := buf[HeaderSize:]
	binary.LittleEndian.PutUint32(b[0:], sb.FmtVersion)
	copy(b[4:20], sb.UUID[:])
	binary.LittleEndian.PutUint32(b[20:], uint32(sb.LebSize))
	binary.LittleEndian.PutUint32(b[24:], uint32(sb.LebCount))
	binary.LittleEndian.PutUint32(b[28:], uint32(sb.Fanout))
	binary.LittleEndian.PutUint32(b[32:], uint32(sb.LogLebs))
	binary.LittleEndian.PutUint32(b[36:], uint32(sb.JheadCnt))
	binary.LittleEndian.PutUint32(b[40:], uint32(sb.MinIOSize))
	binary.LittleEndian.PutUint64(b[44:], sb.CmtNo)
	binary.LittleEndian.PutUint32(b[52:], uint32(sb.LogHeadLnum))
	binary.LittleEndian.PutUint32(b[56:], uint32(sb.LogHeadOffs))
	binary.LittleEndian.PutUint32(b[60:], uint32(sb.Root.Lnum))
	binary.LittleEndian.PutUint32(b[64:], uint32(sb.Root.Offs))
	binary.LittleEndian.PutUint32(b[68:], uint32(sb.Root.Len))
	binary.LittleEndian.PutUint32(b[72:], uint32(sb.RootLevel))
	binary.LittleEndian.PutUint64(b[76:], sb.MaxSqnum)
	binary.LittleEndian.PutUint64(b[84:], sb.HighestInum)
	return finishNode(buf, TypeSuperblock, sqnum)
}

// ParseSuperblock decodes a superblock node body.
func ParseSuperblock(raw []byte) (Superblock, error) {
	var sb Superblock
	if len(raw) != SuperblockNodeSize {
		return sb, fmt.Errorf("%w: superblock length %d", common.ErrCorrupt, len(raw))
	}
	b := raw[HeaderSize:]
	sb.FmtVersion = binary.LittleEndian.Uint32(b[0:])
	if sb.FmtVersion != SuperblockFormatVersion {
		return sb, fmt.Errorf("%w: unsupported format version %d", common.ErrCorrupt, sb.FmtVersion)
	}
	copy(sb.UUID[:], b[4:20])
	sb.LebSize = int(binary.LittleEndian.Uint32(b[20:]))
	sb.LebCount = int(binary.LittleEndian.Uint32(b[24:]))
	sb.Fanout = int(binary.LittleEndian.Uint32(b[28:]))
	sb.LogLebs = int(binary.LittleEndian.Uint32(b[32:]))
	sb.JheadCnt = int(binary.LittleEndian.Uint32(b[36:]))
	sb.MinIOSize = int(binary.LittleEndian.Uint32(b[40:]))
	sb.CmtNo = binary.LittleEndian.Uint64(b[44:])
	sb.LogHeadLnum = int(binary.LittleEndian.Uint32(b[52:]))
	sb.LogHeadOffs = int(binary.LittleEndian.Uint32(b[56:]))
	sb.Root.Lnum = int(binary.LittleEndian.Uint32(b[60:]))
	sb.Root.Offs = int(binary.LittleEndian.Uint32(b[64:]))
	sb.Root.Len = int(binary.LittleEndian.Uint32(b[68:]))
	sb.RootLevel = int(binary.LittleEndian.Uint32(b[72:]))
	sb.MaxSqnum = binary.LittleEndian.Uint64(b[76:])
	sb.HighestInum = binary.LittleEndian.Uint64(b[84:])
	return sb, nil
}
