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

package node

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintfs/internal/common"
	"flintfs/internal/keys"
)

func TestHeader_CorruptionDetected(t *testing.T) {
	t.Parallel()

	good := MarshalInode(InodeNode{Key: keys.InodeKey(1), Size: 100, Nlink: 1}, 7)

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		h, err := ParseHeader(good)
		require.NoError(t, err)
		assert.Equal(t, TypeInode, h.Type)
		assert.Equal(t, uint64(7), h.Sqnum)
		assert.Equal(t, len(good), h.Len)
	})

	t.Run("bad magic", func(t *testing.T) {
		t.Parallel()
		raw := append([]byte(nil), good...)
		raw[0] ^= 0xFF
		_, err := ParseHeader(raw)
		assert.ErrorIs(t, err, common.ErrCorrupt)
	})

	t.Run("flipped body bit fails CRC", func(t *testing.T) {
		t.Parallel()
		raw := append([]byte(nil), good...)
		raw[len(raw)-1] ^= 0x01
		_, err := ParseHeader(raw)
		assert.ErrorIs(t, err, common.ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		_, err := ParseHeader(good[:10])
		assert.ErrorIs(t, err, common.ErrCorrupt)
	})
}

func TestNodeKey_FixedOffset(t *testing.T) {
	t.Parallel()

	// The key sits right after the header for every keyed node type.
	k := keys.DentKey(4, "name")
	ino := MarshalInode(InodeNode{Key: keys.InodeKey(9), Nlink: 1}, 1)
	dent := MarshalDent(DentNode{Key: k, Inum: 5, Name: "name"}, TypeDent, 2)
	data := MarshalData(DataNode{Key: keys.DataKey(9, 3), Size: 10, Data: []byte("payload")}, 3)

	assert.Equal(t, keys.InodeKey(9), NodeKey(ino))
	assert.Equal(t, k, NodeKey(dent))
	assert.Equal(t, keys.DataKey(9, 3), NodeKey(data))
}

func TestDent_RoundTripAndValidate(t *testing.T) {
	t.Parallel()

	raw := MarshalDent(DentNode{Key: keys.DentKey(2, "hello"), Inum: 77, Name: "hello"}, TypeDent, 5)
	require.NoError(t, ValidateEntry(raw))

	dn, err := ParseDent(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", dn.Name)
	assert.Equal(t, uint64(77), dn.Inum)
}

func TestValidateEntry_Rejects(t *testing.T) {
	t.Parallel()

	t.Run("wrong key type", func(t *testing.T) {
		t.Parallel()
		raw := MarshalDent(DentNode{Key: keys.InodeKey(2), Inum: 1, Name: "x"}, TypeDent, 1)
		assert.ErrorIs(t, ValidateEntry(raw), common.ErrCorrupt)
	})

	t.Run("empty name", func(t *testing.T) {
		t.Parallel()
		raw := MarshalDent(DentNode{Key: keys.DentKey(2, ""), Inum: 1, Name: ""}, TypeDent, 1)
		assert.ErrorIs(t, ValidateEntry(raw), common.ErrCorrupt)
	})

	t.Run("embedded NUL", func(t *testing.T) {
		t.Parallel()
		raw := MarshalDent(DentNode{Key: keys.DentKey(2, "a"), Inum: 1, Name: "a\x00b"}, TypeDent, 1)
		assert.ErrorIs(t, ValidateEntry(raw), common.ErrCorrupt)
	})
}

func TestIndex_RoundTrip(t *testing.T) {
	t.Parallel()

	ix := IndexNode{
		Level: 1,
		Branches: []Branch{
			{Loc: Loc{Lnum: 5, Offs: 0, Len: 64}, Key: keys.InodeKey(1)},
			{Loc: Loc{Lnum: 5, Offs: 64, Len: 48}, Key: keys.DataKey(1, 0)},
		},
	}
	raw := MarshalIndex(ix, 9)
	got, err := ParseIndex(raw)
	require.NoError(t, err)
	assert.Equal(t, ix, got)
}

func TestSuperblock_RoundTrip(t *testing.T) {
	t.Parallel()

	sb := Superblock{
		FmtVersion:  SuperblockFormatVersion,
		UUID:        uuid.New(),
		LebSize:     128 * 1024,
		LebCount:    64,
		Fanout:      8,
		LogLebs:     4,
		JheadCnt:    3,
		MinIOSize:   8,
		CmtNo:       1,
		LogHeadLnum: 1,
		Root:        Loc{Lnum: 5, Offs: 0, Len: IndexNodeSize(0)},
		MaxSqnum:    17,
		HighestInum: 12,
	}
	raw := MarshalSuperblock(sb, 1)
	require.Len(t, raw, SuperblockNodeSize)
	got, err := ParseSuperblock(raw)
	require.NoError(t, err)
	assert.Equal(t, sb, got)
}

func TestTrun_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := MarshalTrun(TrunNode{Inum: 3, OldSize: 20000, NewSize: 4096}, 11)
	tn, err := ParseTrun(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tn.Inum)
	assert.Equal(t, uint64(20000), tn.OldSize)
	assert.Equal(t, uint64(4096), tn.NewSize)
}
