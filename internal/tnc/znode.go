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
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// maxLevels bounds the height of the index tree. A level read off flash
// above this is corruption.
const maxLevels = 32

// zbranch is one slot of a znode: a key plus either an on-flash location,
// a loaded child znode, or both. A zero-length location means the node it
// refers to was never committed. For leaf-level entry branches, leaf may
// additionally cache the decoded entry node (the leaf-node cache).
type zbranch struct {
	key   keys.Key
	loc   node.Loc
	znode *znode
	leaf  []byte
}

// znode is one in-memory node of the index tree. Level 0 znodes hold
// branches to leaf (non-index) nodes; higher levels hold branches to child
// znodes. Branches are kept sorted by key with no gaps.
type znode struct {
	parent   *znode
	iip      int // index in parent's branch array
	level    int
	childCnt int
	time     int64 // last access, for the memory-pressure reclaimer

	// alt marks a znode that has received an insertion at slot 0 since it
	// was loaded. If such a znode is later split, its on-flash location
	// must be recorded in the old-index set because key correction may
	// have made it unreachable by key lookup.
	alt bool

	dirty    bool // differs from its on-flash form
	cow      bool // referenced by an in-flight commit; mutate via duplication
	obsolete bool // replaced or deleted, lingering until the commit ends

	branch []zbranch
}

func newZnode(fanout, level int) *znode {
	return &znode{level: level, branch: make([]zbranch, fanout)}
}

// search finds the branch whose key is the tightest lower bound of key.
// It returns (true, n) on an exact match, and otherwise (false, n) where n
// is the slot of the greatest key below the search key, or -1 when even the
// leftmost key is greater. With colliding hashed keys an exact match may be
// any one of the equal slots.
func (z *znode) search(key keys.Key) (bool, int) {
	lo, hi, n := 0, z.childCnt-1, -1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch keys.Compare(z.branch[mid].key, key) {
		case -1:
			n = mid
			lo = mid + 1
		case 0:
			return true, mid
		default:
			hi = mid - 1
		}
	}
	return false, n
}

// insertBranch inserts zbr at slot n, shifting following branches right.
// Gaps are never allowed, so n must be at most childCnt. The caller must
// have dirtied the znode.
func (z *znode) insertBranch(zbr zbranch, n int) {
	if z.level != 0 {
		for i := z.childCnt; i > n; i-- {
			z.branch[i] = z.branch[i-1]
			if z.branch[i].znode != nil {
				z.branch[i].znode.iip = i
			}
		}
		if zbr.znode != nil {
			zbr.znode.iip = n
		}
	} else {
		for i := z.childCnt; i > n; i-- {
			z.branch[i] = z.branch[i-1]
		}
	}
	z.branch[n] = zbr
	z.childCnt++

	// An insertion at slot 0 changes this znode's lower key bound. If the
	// znode is later split, the split can move the upper bound below the
	// original lower bound and the znode's old on-flash location becomes
	// unreachable by key. Mark it so the split records that location in
	// the old-index set.
	if n == 0 {
		z.alt = true
	}
}

// deleteBranch removes slot n, compacting the branch array.
func (z *znode) deleteBranch(n int) {
	for i := n; i < z.childCnt-1; i++ {
		z.branch[i] = z.branch[i+1]
		if z.level != 0 && z.branch[i].znode != nil {
			z.branch[i].znode.iip = i
		}
	}
	z.childCnt--
	z.branch[z.childCnt] = zbranch{}
}
