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

	"flintfs/internal/node"
)

// copyZnode duplicates a znode held by an in-flight commit so it can be
// mutated. The original is marked obsolete; its children are re-parented to
// the copy.
func (c *Tnc) copyZnode(zn *znode) *znode {
	dup := &znode{
		parent:   zn.parent,
		iip:      zn.iip,
		level:    zn.level,
		childCnt: zn.childCnt,
		time:     zn.time,
		alt:      zn.alt,
		dirty:    true,
		branch:   make([]zbranch, len(zn.branch)),
	}
	copy(dup.branch, zn.branch)

	// The original leaves the tree and the duplicate takes its place, so
	// the znode counters do not move.
	zn.obsolete = true

	if zn.level != 0 {
		for i := 0; i < dup.childCnt; i++ {
			if child := dup.branch[i].znode; child != nil {
				child.parent = dup
			}
		}
	}
	return dup
}

// dirtyCow makes the znode referenced by zbr mutable. A znode not owned by a
// commit is dirtied in place; one owned by a commit is duplicated, its old
// on-flash location is recorded in the old-index set, and zbr is repointed
// at the duplicate.
func (c *Tnc) dirtyCow(zbr *zbranch) (*znode, error) {
	zn := zbr.znode
	if !zn.cow {
		if !zn.dirty {
			zn.dirty = true
			c.metrics.DirtyZnodes++
			c.metrics.CleanZnodes--
			if err := c.addIdxDirt(zbr.loc); err != nil {
				return nil, err
			}
		}
		return zn, nil
	}

	dup := c.copyZnode(zn)
	log.Debugf("[Tnc] dirtyCow: duplicated committed znode at %s, level %d", zbr.loc, zn.level)
	if !zbr.loc.IsNil() {
		if err := c.insertOldIdx(zbr.loc.Lnum, zbr.loc.Offs); err != nil {
			return nil, err
		}
		if err := c.addIdxDirt(zbr.loc); err != nil {
			return nil, err
		}
	}
	zbr.znode = dup
	zbr.loc = node.Loc{}
	return dup, nil
}

// dirtyCowBottomUp dirties zn and all its ancestors. It is used when a znode
// was reached by collision resolution or sibling walking rather than by a
// dirtying descent, so the path from the root is not yet dirty. The path is
// recorded up to the nearest dirty ancestor outside the commit, then walked
// back down through dirtyCow so that duplicated znodes stay linked.
func (c *Tnc) dirtyCowBottomUp(zn *znode) (*znode, error) {
	var path []int
	if c.zroot.znode.level > 0 {
		for {
			zp := zn.parent
			if zp == nil {
				break
			}
			path = append(path, zn.iip)
			if !zp.cow && zn.dirty {
				break
			}
			zn = zp
		}
	}

	for {
		var err error
		if zp := zn.parent; zp != nil {
			n := path[len(path)-1]
			path = path[:len(path)-1]
			zn, err = c.dirtyCow(&zp.branch[n])
		} else {
			zn, err = c.dirtyCow(&c.zroot)
		}
		if err != nil {
			return nil, err
		}
		if len(path) == 0 {
			break
		}
		zn = zn.branch[path[len(path)-1]].znode
	}
	return zn, nil
}
