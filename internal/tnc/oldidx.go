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
	"fmt"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/node"
)

const oldIdxDegree = 8

// oldIdxItem is an on-flash location obsoleted since the last commit. The
// committer must not overwrite these until the new index is safely on
// flash, or an unclean unmount would leave the old index broken.
type oldIdxItem struct {
	lnum, offs int
}

func (a oldIdxItem) Less(b btree.Item) bool {
	o := b.(oldIdxItem)
	if a.lnum != o.lnum {
		return a.lnum < o.lnum
	}
	return a.offs < o.offs
}

// insertOldIdx records an obsoleted on-flash location.
func (c *Tnc) insertOldIdx(lnum, offs int) error {
	if lnum < c.geo.MainFirst() || lnum >= c.geo.LebCount ||
		offs < 0 || offs >= c.geo.LebSize {
		return fmt.Errorf("%w: old-index location %d:%d", common.ErrInvalid, lnum, offs)
	}
	if c.oldIdx.ReplaceOrInsert(oldIdxItem{lnum: lnum, offs: offs}) != nil {
		log.Warnf("[Tnc] insertOldIdx: location %d:%d recorded twice", lnum, offs)
	}
	return nil
}

// insertOldIdxZnode records the on-flash location a znode was loaded from,
// if it has one.
func (c *Tnc) insertOldIdxZnode(zn *znode) error {
	loc := c.znodeLoc(zn)
	if loc.IsNil() {
		return nil
	}
	return c.insertOldIdx(loc.Lnum, loc.Offs)
}

// insClrOldIdxZnode records a znode's on-flash location and then severs it,
// so the location is not recorded again. Used when a znode whose leftmost
// key changed is split: the znode can no longer be found by its on-flash
// key, so its old location must be protected via the old-index set instead.
func (c *Tnc) insClrOldIdxZnode(zn *znode) error {
	var zbr *zbranch
	if zn.parent != nil {
		zbr = &zn.parent.branch[zn.iip]
	} else {
		zbr = &c.zroot
	}
	if zbr.loc.IsNil() {
		return nil
	}
	if err := c.insertOldIdx(zbr.loc.Lnum, zbr.loc.Offs); err != nil {
		return err
	}
	zbr.loc = node.Loc{}
	return nil
}

// znodeLoc returns the on-flash location of zn, which is the zero Loc for
// znodes created in memory.
func (c *Tnc) znodeLoc(zn *znode) node.Loc {
	if zn.parent != nil {
		return zn.parent.branch[zn.iip].loc
	}
	return c.zroot.loc
}

// OldIdxLen returns the number of locations in the old-index set.
func (c *Tnc) OldIdxLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oldIdx.Len()
}

// OldIdxContains reports whether lnum:offs is in the old-index set. The
// committer consults this to avoid overwriting index nodes that recovery
// may still need.
func (c *Tnc) OldIdxContains(lnum, offs int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oldIdx.Has(oldIdxItem{lnum: lnum, offs: offs})
}
