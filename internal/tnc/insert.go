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
	log "github.com/sirupsen/logrus"

	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// correctParentKeys pushes a new leftmost key of zn up through the ancestors
// whose own leftmost slot it occupies. Called after an insertion at slot 0.
// Each corrected ancestor's lower key bound changed, so it is marked alt:
// a later split must record its old on-flash location in the old-index set.
func correctParentKeys(zn *znode) {
	key := zn.branch[0].key
	for zn.parent != nil && zn.iip == 0 &&
		keys.Compare(key, zn.parent.branch[0].key) < 0 {
		zn.parent.branch[0].key = key
		zn.parent.alt = true
		zn = zn.parent
	}
}

// tncInsert inserts zbr at slot n of the level-0 znode zn, splitting znodes
// up the tree as needed. Splits keep (fanout+1)/2 branches, except when a
// data block extends its file's last block at the very end of the znode: no
// other key can ever land between consecutive data blocks of one inode, so
// the whole znode is kept and the new branch alone seeds the new sibling.
func (c *Tnc) tncInsert(zn *znode, zbr zbranch, n int) error {
	key := zbr.key
	appending := false

	for {
		zp := zn.parent
		if zn.childCnt < c.geo.Fanout {
			zn.insertBranch(zbr, n)
			if n == 0 && zp != nil && zn.iip == 0 {
				correctParentKeys(zn)
			}
			log.Debugf("[Tnc] tncInsert: key %s at slot %d, level %d", key, n, zn.level)
			return nil
		}

		// No free slot, split.
		log.Debugf("[Tnc] tncInsert: splitting level %d for key %s", zn.level, key)

		if zn.alt {
			// The leftmost key changed since this znode was read, so key
			// lookup may no longer reach it. Protect its old location.
			if err := c.insClrOldIdxZnode(zn); err != nil {
				return err
			}
		}

		newZn := newZnode(c.geo.Fanout, zn.level)
		newZn.parent = zp
		newZn.dirty = true
		c.metrics.DirtyZnodes++

		if zn.level == 0 && n == c.geo.Fanout && key.Type() == keys.TypeData {
			prev := zn.branch[n-1].key
			if prev.Inum() == key.Inum() && prev.Type() == keys.TypeData &&
				prev.Block() == key.Block()-1 {
				appending = true
			}
		}

		var keep, move int
		if appending {
			keep, move = c.geo.Fanout, 0
		} else {
			keep = (c.geo.Fanout + 1) / 2
			move = c.geo.Fanout - keep
		}

		var zi *znode
		if n < keep {
			zi = zn
			move++
			keep--
		} else {
			zi = newZn
			n -= keep
			if newZn.level != 0 {
				zbr.znode.parent = newZn
			}
		}

		newZn.childCnt = move
		zn.childCnt = keep
		for i := 0; i < move; i++ {
			newZn.branch[i] = zn.branch[keep+i]
			zn.branch[keep+i] = zbranch{}
			if newZn.level != 0 {
				if child := newZn.branch[i].znode; child != nil {
					child.parent = newZn
					child.iip = i
				}
			}
		}

		zi.insertBranch(zbr, n)

		if zp != nil {
			i := n
			n = zn.iip + 1
			if appending && n != c.geo.Fanout {
				appending = false
			}
			if i == 0 && zi == zn && zn.iip == 0 {
				correctParentKeys(zn)
			}

			// Continue by inserting the new sibling into the parent.
			zbr = zbranch{key: newZn.branch[0].key, znode: newZn}
			zn = zp
			continue
		}

		// Splitting the root: grow the tree by one level.
		root := newZnode(c.geo.Fanout, zn.level+1)
		root.childCnt = 2
		root.dirty = true
		c.metrics.DirtyZnodes++

		root.branch[0] = zbranch{key: zn.branch[0].key, loc: c.zroot.loc, znode: zn}
		root.branch[1] = zbranch{key: newZn.branch[0].key, znode: newZn}

		c.zroot.loc = node.Loc{}
		c.zroot.znode = root

		newZn.parent = root
		newZn.iip = 1
		zn.parent = root
		zn.iip = 0
		log.Debugf("[Tnc] tncInsert: new root at level %d", root.level)
		return nil
	}
}

// replaceLeaf repoints a level-0 branch at a new on-flash node. The vacated
// location is accounted as dirty space and recorded in the old-index set so
// the committer will not reuse it before the next commit completes.
func (c *Tnc) replaceLeaf(zbr *zbranch, loc node.Loc) error {
	c.lncFree(zbr)
	if err := c.space.AddDirt(zbr.loc.Lnum, zbr.loc.Len); err != nil {
		return err
	}
	if err := c.insertOldIdx(zbr.loc.Lnum, zbr.loc.Offs); err != nil {
		return err
	}
	zbr.loc = loc
	return nil
}

// Add indexes the node with the given key at loc. If the key is already
// present its branch is repointed and the old node becomes dirty space.
func (c *Tnc) Add(key keys.Key, loc node.Loc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("[Tnc] Add: key %s at %s", key, loc)
	found, zn, n, err := c.lookupLevel0Dirty(key)
	if err != nil {
		return err
	}
	if !found {
		return c.tncInsert(zn, zbranch{key: key, loc: loc}, n+1)
	}
	return c.replaceLeaf(&zn.branch[n], loc)
}

// Replace repoints the branch for key at a new location, but only if it
// still refers to oldLoc. Garbage collection uses this when moving nodes: a
// node updated since GC read it must not be clobbered. If the old location
// is not found the moved copy at loc is immediately obsolete.
func (c *Tnc) Replace(key keys.Key, oldLoc, loc node.Loc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("[Tnc] Replace: key %s, %s -> %s", key, oldLoc, loc)
	found, zn, n, err := c.lookupLevel0Dirty(key)
	if err != nil {
		return err
	}

	if found {
		zbr := &zn.branch[n]
		if zbr.loc.Lnum == oldLoc.Lnum && zbr.loc.Offs == oldLoc.Offs {
			return c.replaceLeaf(zbr, loc)
		}
		if key.IsHashed() {
			resolved, rz, rn, err := c.resolveCollisionDirectly(key, zn, n, oldLoc.Lnum, oldLoc.Offs)
			if err != nil {
				return err
			}
			if resolved {
				if rz.cow || !rz.dirty {
					if rz, err = c.dirtyCowBottomUp(rz); err != nil {
						return err
					}
				}
				return c.replaceLeaf(&rz.branch[rn], loc)
			}
		}
	}

	// The old node is gone from the index, so the relocated copy is dirt.
	return c.space.AddDirt(loc.Lnum, loc.Len)
}

// AddName is Add for directory and extended attribute entries, whose hashed
// keys may collide; name disambiguates. During replay, dangling branches
// left by garbage collection are matched as if they carried the name.
func (c *Tnc) AddName(key keys.Key, loc node.Loc, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("[Tnc] AddName: key %s (%q) at %s", key, name, loc)
	found, zn, n, err := c.lookupLevel0Dirty(key)
	if err != nil {
		return err
	}

	if found {
		var resolved bool
		if c.replaying {
			resolved, zn, n, err = c.fallibleResolveCollision(key, zn, n, name)
		} else {
			resolved, zn, n, err = c.resolveCollision(key, zn, n, name)
		}
		if err != nil {
			return err
		}
		if zn.cow || !zn.dirty {
			if zn, err = c.dirtyCowBottomUp(zn); err != nil {
				return err
			}
		}
		if resolved {
			return c.replaceLeaf(&zn.branch[n], loc)
		}
	}

	return c.tncInsert(zn, zbranch{key: key, loc: loc}, n+1)
}
