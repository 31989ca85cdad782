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

package tnc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintfs/internal/common"
	"flintfs/internal/keys"
)

func TestSplitGrowsTree(t *testing.T) {
	t.Parallel()
	c, w, _ := newTestTnc(t)

	// Insert enough inodes to force several splits and a deeper root, in a
	// shuffled order so the splits are not append-biased.
	const count = 100
	inums := make([]uint64, count)
	for i := range inums {
		inums[i] = uint64(i + 1)
	}
	rand.New(rand.NewSource(42)).Shuffle(count, func(i, j int) {
		inums[i], inums[j] = inums[j], inums[i]
	})

	for _, inum := range inums {
		key, loc := w.inode(inum, inum*10, 1)
		require.NoError(t, c.Add(key, loc))
	}

	require.NoError(t, c.Check())
	assert.Greater(t, c.zroot.znode.level, 0, "root must have split")

	for _, inum := range inums {
		raw, err := c.Lookup(keys.InodeKey(inum))
		require.NoError(t, err, "inode %d", inum)
		require.NotEmpty(t, raw)
	}
}

func TestSplitAppendBias(t *testing.T) {
	t.Parallel()
	c, w, _ := newTestTnc(t)

	// Sequentially growing data blocks of one file. Nothing can ever be
	// inserted between consecutive blocks, so a full znode is kept whole
	// and the appended block alone seeds the new sibling.
	fanout := testGeometry().Fanout
	for blk := 0; blk <= fanout; blk++ {
		key, loc := w.data(3, uint32(blk), "x")
		require.NoError(t, c.Add(key, loc))
	}

	root := c.zroot.znode
	require.Equal(t, 1, root.level)
	require.Equal(t, 2, root.childCnt)
	assert.Equal(t, fanout, root.branch[0].znode.childCnt)
	assert.Equal(t, 1, root.branch[1].znode.childCnt)
	require.NoError(t, c.Check())
}

func TestSplitMiddleKeepsHalf(t *testing.T) {
	t.Parallel()
	c, w, _ := newTestTnc(t)

	// Non-appending insertion into a full znode splits it roughly in half.
	fanout := testGeometry().Fanout
	for blk := 0; blk <= fanout; blk++ {
		if blk == 2 {
			continue
		}
		key, loc := w.data(3, uint32(blk), "x")
		require.NoError(t, c.Add(key, loc))
	}
	key, loc := w.data(3, 2, "x")
	require.NoError(t, c.Add(key, loc))

	root := c.zroot.znode
	require.Equal(t, 1, root.level)
	require.Equal(t, 2, root.childCnt)
	keep := (fanout + 1) / 2
	assert.Equal(t, keep, root.branch[0].znode.childCnt)
	assert.Equal(t, fanout-keep+1, root.branch[1].znode.childCnt)
	require.NoError(t, c.Check())
}

func TestDeleteCollapsesRoot(t *testing.T) {
	t.Parallel()
	c, w, _ := newTestTnc(t)

	const count = 60
	for inum := uint64(1); inum <= count; inum++ {
		key, loc := w.inode(inum, 0, 1)
		require.NoError(t, c.Add(key, loc))
	}
	require.Greater(t, c.zroot.znode.level, 0)

	for inum := uint64(1); inum < count; inum++ {
		require.NoError(t, c.Remove(keys.InodeKey(inum)))
	}

	// A root with a single child above level 0 is collapsed away.
	assert.Equal(t, 0, c.zroot.znode.level)
	raw, err := c.Lookup(keys.InodeKey(count))
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NoError(t, c.Check())

	require.NoError(t, c.Remove(keys.InodeKey(count)))
	_, err = c.Lookup(keys.InodeKey(count))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 0, c.zroot.znode.childCnt)
}

func TestDeleteFirstKeyOfChild(t *testing.T) {
	t.Parallel()
	c, w, _ := newTestTnc(t)

	// Enough inodes to split the root into two level-0 children.
	fanout := testGeometry().Fanout
	for inum := uint64(1); inum <= uint64(fanout)+1; inum++ {
		key, loc := w.inode(inum, 0, 1)
		require.NoError(t, c.Add(key, loc))
	}
	root := c.zroot.znode
	require.Equal(t, 1, root.level)
	first := root.branch[1].znode.branch[0].key

	// Deleting a child's first key is not propagated upward, so the parent
	// branch key stays strictly below the child's new first key. That is a
	// legal lower bound, not corruption.
	require.NoError(t, c.Remove(first))
	require.NoError(t, c.Check())

	for inum := uint64(1); inum <= uint64(fanout)+1; inum++ {
		key := keys.InodeKey(inum)
		_, err := c.Lookup(key)
		if key == first {
			assert.ErrorIs(t, err, common.ErrNotFound)
		} else {
			assert.NoError(t, err, "inode %d", inum)
		}
	}
}

func TestSlotZeroInsertMarksAncestors(t *testing.T) {
	t.Parallel()
	c, w, _ := newTestTnc(t)

	fanout := testGeometry().Fanout
	for inum := uint64(2); inum <= uint64(fanout)+2; inum++ {
		key, loc := w.inode(inum, 0, 1)
		require.NoError(t, c.Add(key, loc))
	}
	root := c.zroot.znode
	require.Equal(t, 1, root.level)
	require.False(t, root.alt)

	// A key below everything lands at slot 0 of the leftmost leaf and the
	// correction rewrites the root's lower bound too, so the root needs
	// old-index protection if it splits later.
	key, loc := w.inode(1, 0, 1)
	require.NoError(t, c.Add(key, loc))

	assert.Equal(t, key, root.branch[0].key)
	assert.True(t, root.alt)
	require.NoError(t, c.Check())
}

func TestOrderingInvariantUnderChurn(t *testing.T) {
	t.Parallel()
	c, w, _ := newTestTnc(t)

	rng := rand.New(rand.NewSource(7))
	live := map[uint64]bool{}
	for i := 0; i < 500; i++ {
		inum := uint64(rng.Intn(80) + 1)
		if live[inum] && rng.Intn(2) == 0 {
			require.NoError(t, c.Remove(keys.InodeKey(inum)))
			delete(live, inum)
		} else {
			key, loc := w.inode(inum, uint64(i), 1)
			require.NoError(t, c.Add(key, loc))
			live[inum] = true
		}
	}

	require.NoError(t, c.Check())
	for inum := uint64(1); inum <= 80; inum++ {
		_, err := c.Lookup(keys.InodeKey(inum))
		if live[inum] {
			assert.NoError(t, err, "inode %d", inum)
		} else {
			assert.ErrorIs(t, err, common.ErrNotFound, "inode %d", inum)
		}
	}
}
