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
	"errors"

	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// tncDelete unhooks slot n of the level-0 znode zn. Emptied znodes are
// removed from their parents recursively; there is no rebalancing by
// merging siblings. If the root is left with a single child above level 0,
// the tree is collapsed by one level.
func (c *Tnc) tncDelete(zn *znode, n int) error {
	zbr := &zn.branch[n]
	log.Debugf("[Tnc] tncDelete: key %s at %s", zbr.key, zbr.loc)

	c.lncFree(zbr)
	if err := c.space.AddDirt(zbr.loc.Lnum, zbr.loc.Len); err != nil {
		return err
	}
	zn.deleteBranch(n)

	if zn.childCnt > 0 {
		return nil
	}

	if zn.parent == nil {
		// The tree is now empty; keep the root as an empty leaf znode.
		return nil
	}

	// Remove emptied znodes up the tree. Their on-flash locations must be
	// protected until the next commit completes.
	for {
		zp := zn.parent
		n = zn.iip

		c.metrics.DirtyZnodes--
		if err := c.insertOldIdxZnode(zn); err != nil {
			return err
		}
		if zn.cow {
			zn.obsolete = true
		}

		zn = zp
		if zn.childCnt != 1 {
			break
		}
		if zn.parent == nil {
			// The root is down to the child just removed: the tree is
			// empty. Reset to a fresh dirty leaf root.
			if !c.zroot.loc.IsNil() {
				if err := c.insertOldIdx(c.zroot.loc.Lnum, c.zroot.loc.Offs); err != nil {
					return err
				}
			}
			root := newZnode(c.geo.Fanout, 0)
			root.dirty = true
			if zn.cow {
				zn.obsolete = true
			}
			c.zroot = zbranch{znode: root}
			return nil
		}
	}

	zn.deleteBranch(n)

	// Collapse the tree while the root has a single non-leaf child.
	if zn.parent == nil {
		for zn.childCnt == 1 && zn.level != 0 {
			zp := zn
			zbr := &zn.branch[0]
			if _, err := c.getZnode(zn, 0); err != nil {
				return err
			}
			child, err := c.dirtyCow(zbr)
			if err != nil {
				return err
			}
			child.parent = nil
			child.iip = 0
			if !c.zroot.loc.IsNil() {
				if err := c.insertOldIdx(c.zroot.loc.Lnum, c.zroot.loc.Offs); err != nil {
					return err
				}
			}
			c.zroot.loc = zbr.loc
			c.zroot.znode = child

			c.metrics.DirtyZnodes--
			if zp.cow {
				zp.obsolete = true
			}
			zn = child
		}
	}
	return nil
}

// Remove unindexes key. A key not in the index is not an error: deletions
// are replayed idempotently.
func (c *Tnc) Remove(key keys.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("[Tnc] Remove: key %s", key)
	found, zn, n, err := c.lookupLevel0Dirty(key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return c.tncDelete(zn, n)
}

// RemoveName unindexes the directory or extended attribute entry named
// name. During replay a dangling branch with a matching key is removed in
// the entry's stead, since its node must have been garbage-collected.
func (c *Tnc) RemoveName(key keys.Key, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("[Tnc] RemoveName: key %s (%q)", key, name)
	found, zn, n, err := c.lookupLevel0Dirty(key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var resolved bool
	if c.replaying {
		resolved, zn, n, err = c.fallibleResolveCollision(key, zn, n, name)
	} else {
		resolved, zn, n, err = c.resolveCollision(key, zn, n, name)
	}
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}
	if zn.cow || !zn.dirty {
		if zn, err = c.dirtyCowBottomUp(zn); err != nil {
			return err
		}
	}
	return c.tncDelete(zn, n)
}

func keyInRange(key, from, to keys.Key) bool {
	return keys.Compare(key, from) >= 0 && keys.Compare(key, to) <= 0
}

// RemoveRange unindexes every key in [from, to]. Truncation uses this to
// drop data blocks past the new size, and inode removal to drop everything
// belonging to an inode.
func (c *Tnc) RemoveRange(from, to keys.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("[Tnc] RemoveRange: %s .. %s", from, to)
	for {
		// Find the first level-0 znode holding keys in range.
		found, zn, n, err := c.lookupLevel0(from)
		if err != nil {
			return err
		}
		if !found {
			if zn, n, err = c.tncNext(zn, n); err != nil {
				if errors.Is(err, common.ErrNotFound) {
					return nil
				}
				return err
			}
			if !keyInRange(zn.branch[n].key, from, to) {
				return nil
			}
		}

		if zn.cow || !zn.dirty {
			if zn, err = c.dirtyCowBottomUp(zn); err != nil {
				return err
			}
		}

		// Unhook all in-range keys after slot n in one pass.
		k := 0
		for i := n + 1; i < zn.childCnt; i++ {
			if !keyInRange(zn.branch[i].key, from, to) {
				break
			}
			c.lncFree(&zn.branch[i])
			if err := c.space.AddDirt(zn.branch[i].loc.Lnum, zn.branch[i].loc.Len); err != nil {
				return err
			}
			k++
		}
		if k > 0 {
			for i := n + 1 + k; i < zn.childCnt; i++ {
				zn.branch[i-k] = zn.branch[i]
			}
			for i := zn.childCnt - k; i < zn.childCnt; i++ {
				zn.branch[i] = zbranch{}
			}
			zn.childCnt -= k
		}

		// Then the first one, which may unlink znodes up the tree.
		if err := c.tncDelete(zn, n); err != nil {
			return err
		}
	}
}

// RemoveInode unindexes an inode along with its data, its directory
// entries, and its extended attributes (entries and attribute inodes both).
func (c *Tnc) RemoveInode(inum uint64) error {
	log.Debugf("[Tnc] RemoveInode: inode %d", inum)

	key := keys.LowestXentKey(inum)
	name := ""
	for {
		xent, _, err := c.NextEntry(key, name)
		if errors.Is(err, common.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if err := c.RemoveName(xent.Key, xent.Name); err != nil {
			return err
		}
		if err := c.RemoveRange(keys.LowestKey(xent.Inum), keys.HighestKey(xent.Inum)); err != nil {
			return err
		}
		key, name = xent.Key, xent.Name
	}

	return c.RemoveRange(keys.LowestKey(inum), keys.HighestKey(inum))
}

// HasNode reports whether the index still refers to the node at loc. The
// garbage collector uses this to decide whether a scanned node is live and
// must be moved. For index nodes, key must be the node's first key and
// level its level; a dirty znode no longer counts, because the commit will
// write it elsewhere anyway.
func (c *Tnc) HasNode(key keys.Key, level int, loc node.Loc, isIdx bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isIdx {
		zn, err := c.lookupZnode(key, level, loc.Lnum, loc.Offs)
		if err != nil {
			return false, err
		}
		return zn != nil && !zn.dirty, nil
	}
	return c.isLeafInTnc(key, loc.Lnum, loc.Offs)
}

// DirtyIndexNode loads the index node at loc into the cache and dirties it,
// so that garbage collection of its eraseblock makes the commit rewrite it.
func (c *Tnc) DirtyIndexNode(key keys.Key, level int, loc node.Loc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	zn, err := c.lookupZnode(key, level, loc.Lnum, loc.Offs)
	if err != nil || zn == nil {
		return err
	}
	_, err = c.dirtyCowBottomUp(zn)
	return err
}

// lookupZnode finds the znode loaded from lnum:offs, keyed by its first key
// and level. The leftmost key of a znode may have changed since it was
// written, so colliding hashed keys to either side are checked as well.
// A nil znode without error means the index no longer refers to lnum:offs.
func (c *Tnc) lookupZnode(key keys.Key, level, lnum, offs int) (*znode, error) {
	if level < 0 {
		return nil, common.ErrInvalid
	}
	zn, err := c.rootZnode()
	if err != nil {
		return nil, err
	}
	if c.zroot.loc.Lnum == lnum && c.zroot.loc.Offs == offs {
		return zn, nil
	}
	if level >= zn.level {
		return nil, nil
	}

	var n int
	for {
		_, n = zn.search(key)
		if n < 0 {
			// The leftmost key here is greater than the sought key, so
			// the znode may be in the subtree to the left.
			if zn, err = c.leftZnode(zn); err != nil || zn == nil {
				return nil, err
			}
			_, n = zn.search(key)
			if n < 0 {
				return nil, nil
			}
		}
		if zn.level == level+1 {
			break
		}
		if zn, err = c.getZnode(zn, n); err != nil {
			return nil, err
		}
	}

	if zn.branch[n].loc.Lnum == lnum && zn.branch[n].loc.Offs == offs {
		return c.getZnode(zn, n)
	}
	if !key.IsHashed() {
		return nil, nil
	}

	// Colliding keys: scan left, then right.
	wz, wn := zn, n
	for {
		if wn > 0 {
			wn--
		} else {
			if wz, err = c.leftZnode(wz); err != nil {
				return nil, err
			}
			if wz == nil {
				break
			}
			wn = wz.childCnt - 1
		}
		if wz.branch[wn].loc.Lnum == lnum && wz.branch[wn].loc.Offs == offs {
			return c.getZnode(wz, wn)
		}
		if keys.Compare(wz.branch[wn].key, key) < 0 {
			break
		}
	}

	wz, wn = zn, n
	for {
		wn++
		if wn >= wz.childCnt {
			if wz, err = c.rightZnode(wz); err != nil {
				return nil, err
			}
			if wz == nil {
				break
			}
			wn = 0
		}
		if wz.branch[wn].loc.Lnum == lnum && wz.branch[wn].loc.Offs == offs {
			return c.getZnode(wz, wn)
		}
		if keys.Compare(wz.branch[wn].key, key) > 0 {
			break
		}
	}
	return nil, nil
}

// isLeafInTnc reports whether any branch for key refers to lnum:offs.
func (c *Tnc) isLeafInTnc(key keys.Key, lnum, offs int) (bool, error) {
	found, zn, n, err := c.lookupLevel0(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if zn.branch[n].loc.Lnum == lnum && zn.branch[n].loc.Offs == offs {
		return true, nil
	}
	if !key.IsHashed() {
		return false, nil
	}

	wz, wn := zn, n
	for {
		pz, pn, err := c.tncPrev(wz, wn)
		if errors.Is(err, common.ErrNotFound) {
			break
		}
		if err != nil {
			return false, err
		}
		wz, wn = pz, pn
		if keys.Compare(key, wz.branch[wn].key) != 0 {
			break
		}
		if wz.branch[wn].loc.Lnum == lnum && wz.branch[wn].loc.Offs == offs {
			return true, nil
		}
	}

	wz, wn = zn, n
	for {
		if wz, wn, err = c.tncNext(wz, wn); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if keys.Compare(key, wz.branch[wn].key) != 0 {
			return false, nil
		}
		if wz.branch[wn].loc.Lnum == lnum && wz.branch[wn].loc.Offs == offs {
			return true, nil
		}
	}
}
