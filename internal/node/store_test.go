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

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintfs/internal/common"
	"flintfs/internal/config"
	"flintfs/internal/keys"
)

func testGeometry() config.Geometry {
	return config.Geometry{
		LebSize:   16 * 1024,
		LebCount:  16,
		Fanout:    8,
		LogLebs:   2,
		JheadCnt:  2,
		MinIOSize: 8,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Create(memfs.New(), "test.flint", testGeometry())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ReadWriteNode(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	raw := MarshalInode(InodeNode{Key: keys.InodeKey(1), Size: 4096, Nlink: 1}, 3)
	require.NoError(t, s.WriteNode(raw, 5, 0))

	got, err := s.ReadNode(TypeInode, len(raw), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestStore_ReadNode_WrongType(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	raw := MarshalInode(InodeNode{Key: keys.InodeKey(1), Nlink: 1}, 3)
	require.NoError(t, s.WriteNode(raw, 5, 0))

	_, err := s.ReadNode(TypeDent, len(raw), 5, 0)
	assert.ErrorIs(t, err, common.ErrCorrupt)
}

func TestStore_ReadNode_Erased(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.ReadNode(TypeInode, InodeNodeSize, 5, 0)
	assert.ErrorIs(t, err, common.ErrCorrupt)
}

func TestStore_TryReadNode(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	raw := MarshalInode(InodeNode{Key: keys.InodeKey(1), Nlink: 1}, 3)
	require.NoError(t, s.WriteNode(raw, 5, 0))

	t.Run("present", func(t *testing.T) {
		got, ok, err := s.TryReadNode(TypeInode, len(raw), 5, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, raw, got)
	})

	t.Run("absent at erased offset", func(t *testing.T) {
		_, ok, err := s.TryReadNode(TypeInode, InodeNodeSize, 5, 512)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("absent on type mismatch", func(t *testing.T) {
		_, ok, err := s.TryReadNode(TypeDent, len(raw), 5, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_BoundsChecks(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	raw := MarshalInode(InodeNode{Key: keys.InodeKey(1), Nlink: 1}, 1)

	assert.ErrorIs(t, s.WriteNode(raw, 99, 0), common.ErrInvalid)
	assert.ErrorIs(t, s.WriteNode(raw, 5, 3), common.ErrInvalid) // unaligned
	_, err := s.ReadNode(TypeInode, len(raw), -1, 0)
	assert.ErrorIs(t, err, common.ErrInvalid)
}

func TestStore_Superblock(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	geo := testGeometry()
	s, err := Create(fs, "img.flint", geo)
	require.NoError(t, err)
	defer s.Close()

	sb := Superblock{
		FmtVersion: SuperblockFormatVersion,
		LebSize:    geo.LebSize,
		LebCount:   geo.LebCount,
		Fanout:     geo.Fanout,
		LogLebs:    geo.LogLebs,
		JheadCnt:   geo.JheadCnt,
		MinIOSize:  geo.MinIOSize,
		CmtNo:      1,
	}
	require.NoError(t, s.WriteNode(MarshalSuperblock(sb, 1), config.SuperblockLnum, 0))

	got, err := ReadSuperblock(fs, "img.flint")
	require.NoError(t, err)
	assert.Equal(t, sb, got)
}

func TestScan(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	n1 := MarshalInode(InodeNode{Key: keys.InodeKey(1), Nlink: 1}, 1)
	n2 := MarshalDent(DentNode{Key: keys.DentKey(1, "f"), Inum: 2, Name: "f"}, TypeDent, 2)
	n3 := MarshalData(DataNode{Key: keys.DataKey(2, 0), Size: 5, Data: []byte("hello")}, 3)

	offs := 0
	for _, raw := range [][]byte{n1, n2, n3} {
		require.NoError(t, s.WriteNode(raw, 6, offs))
		offs += Align8(len(raw))
	}

	res, err := s.Scan(6, 0)
	require.NoError(t, err)
	require.Len(t, res.Nodes, 3)
	assert.Equal(t, TypeInode, res.Nodes[0].Type)
	assert.Equal(t, TypeDent, res.Nodes[1].Type)
	assert.Equal(t, TypeData, res.Nodes[2].Type)
	assert.Equal(t, uint64(1), res.Nodes[0].Sqnum)
	assert.Equal(t, offs, res.Endpt)
}

func TestScan_EmptyLeb(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	res, err := s.Scan(7, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Nodes)
	assert.Equal(t, 0, res.Endpt)
}

func TestScan_SkipsPadding(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	n1 := MarshalInode(InodeNode{Key: keys.InodeKey(1), Nlink: 1}, 1)
	require.NoError(t, s.WriteNode(n1, 6, 0))
	padTotal := 64
	require.NoError(t, s.WriteNode(MarshalPad(padTotal, 2), 6, Align8(len(n1))))
	n2 := MarshalInode(InodeNode{Key: keys.InodeKey(2), Nlink: 1}, 3)
	require.NoError(t, s.WriteNode(n2, 6, Align8(len(n1))+padTotal))

	res, err := s.Scan(6, 0)
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)
	assert.Equal(t, keys.InodeKey(2), NodeKey(res.Nodes[1].Raw))
	assert.Equal(t, Align8(len(n1))+padTotal+Align8(len(n2)), res.Endpt)
}

func TestScan_CorruptNode(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	raw := MarshalInode(InodeNode{Key: keys.InodeKey(1), Nlink: 1}, 1)
	raw[30] ^= 0xFF // corrupt the body after the CRC was computed
	require.NoError(t, s.WriteNode(raw, 6, 0))

	_, err := s.Scan(6, 0)
	assert.ErrorIs(t, err, common.ErrCorrupt)
}
