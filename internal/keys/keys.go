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

// Package keys implements the fixed-size, totally ordered keys that index
// every node of a FlintFS image.
//
// A key packs (inode number, type, payload) into 64 bits:
//
//	inum(32) | type(3) | payload(29)
//
// Ordering is plain unsigned comparison of the packed value, which makes all
// nodes of one inode adjacent in the index and orders them by type, then by
// payload. The payload is a block number for data keys and a name hash for
// directory/attribute entry keys. Hashed keys may collide: two distinct
// names can produce equal keys, so every comparison of hashed keys must be
// backed by name-based tie-breaking at a higher layer.
package keys

import "fmt"

// Type discriminates the kinds of keys.
type Type uint8

const (
	TypeInode Type = iota
	TypeData
	TypeDent
	TypeXent
	TypeTrun

	typeCount
)

const (
	// RootInum is the inode number of the filesystem root directory.
	RootInum = uint64(1)

	// MaxInum is the largest representable inode number.
	MaxInum = uint64(1)<<32 - 1

	// HashMask selects the 29 payload bits available to a name hash.
	HashMask = uint32(1)<<29 - 1

	// MaxBlock is the largest representable data block number.
	MaxBlock = uint32(1)<<29 - 1

	typeShift = 29
	inumShift = 32
)

// Key is a packed index key. The zero value is the lowest possible key.
type Key uint64

// Size is the encoded size of a key on flash.
const Size = 8

// Make assembles a key from its parts. inum must not exceed MaxInum and
// payload must fit in 29 bits; violations indicate a caller bug.
func Make(inum uint64, t Type, payload uint32) Key {
	return Key(inum<<inumShift | uint64(t)<<typeShift | uint64(payload&HashMask))
}

// Inum returns the inode number part of the key.
func (k Key) Inum() uint64 { return uint64(k) >> inumShift }

// Type returns the type discriminator of the key.
func (k Key) Type() Type { return Type(uint64(k) >> typeShift & 0x7) }

// Payload returns the 29-bit payload: block number for data keys, name hash
// for dent/xent keys.
func (k Key) Payload() uint32 { return uint32(k) & HashMask }

// Block is the payload interpreted as a data block number.
func (k Key) Block() uint32 { return k.Payload() }

// IsHashed reports whether the key type carries a name hash, i.e. whether
// distinct entities may collide on the same key.
func (k Key) IsHashed() bool {
	t := k.Type()
	return t == TypeDent || t == TypeXent
}

// Valid reports whether the type discriminator is one of the known types.
// Keys read off flash must be checked before use.
func (k Key) Valid() bool { return k.Type() < typeCount }

// Compare returns -1, 0 or 1 ordering a against b.
func Compare(a, b Key) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (k Key) String() string {
	var t string
	switch k.Type() {
	case TypeInode:
		t = "ino"
	case TypeData:
		t = "data"
	case TypeDent:
		t = "dent"
	case TypeXent:
		t = "xent"
	case TypeTrun:
		t = "trun"
	default:
		t = fmt.Sprintf("bad(%d)", k.Type())
	}
	return fmt.Sprintf("(%d, %s, %#x)", k.Inum(), t, k.Payload())
}

// InodeKey returns the key of an inode node.
func InodeKey(inum uint64) Key { return Make(inum, TypeInode, 0) }

// DataKey returns the key of the data node holding block of inum.
func DataKey(inum uint64, block uint32) Key { return Make(inum, TypeData, block) }

// DentKey returns the key of the directory entry name under directory inum.
func DentKey(inum uint64, name string) Key { return Make(inum, TypeDent, HashName(name)) }

// XentKey returns the key of the extended attribute entry name of inum.
func XentKey(inum uint64, name string) Key { return Make(inum, TypeXent, HashName(name)) }

// TrunKey returns the key of a truncation node. Truncation nodes exist only
// in the journal and never enter the index.
func TrunKey(inum uint64) Key { return Make(inum, TypeTrun, 0) }

// LowestKey returns the smallest key of inum, used as a range bound when
// removing every node of an inode.
func LowestKey(inum uint64) Key { return Make(inum, TypeInode, 0) }

// HighestKey returns the largest key of inum.
func HighestKey(inum uint64) Key { return Key(inum<<inumShift | (1<<inumShift - 1)) }

// LowestDentKey returns the smallest possible directory entry key of inum,
// used to seed ordered traversal of a directory.
func LowestDentKey(inum uint64) Key { return Make(inum, TypeDent, 0) }

// HighestDentKey returns the largest possible directory entry key of inum.
func HighestDentKey(inum uint64) Key { return Make(inum, TypeDent, HashMask) }

// LowestXentKey returns the smallest possible attribute entry key of inum.
func LowestXentKey(inum uint64) Key { return Make(inum, TypeXent, 0) }

// HighestXentKey returns the largest possible attribute entry key of inum.
func HighestXentKey(inum uint64) Key { return Make(inum, TypeXent, HashMask) }

// MaxKey is greater than or equal to every valid key. Used by the replay
// engine for bud reference entries, which carry no real key.
const MaxKey = Key(^uint64(0))

// HashName computes the 29-bit R5 hash of a name as used in dent/xent key
// payloads. Values 0..2 are reserved for the lowest traversal bound and the
// mask value for the highest, so real hashes are shifted out of that range.
func HashName(name string) uint32 {
	var a uint32
	for i := 0; i < len(name); i++ {
		a += uint32(name[i]) << 4
		a += uint32(name[i]) >> 4
		a *= 11
	}
	a &= HashMask
	// Reserved values: 0 and 1 bound iteration from below, HashMask from
	// above. Shift real hashes away from them.
	if a <= 2 {
		a += 3
	}
	if a >= HashMask {
		a = HashMask - 1
	}
	return a
}
