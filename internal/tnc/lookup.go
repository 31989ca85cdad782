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
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// rootZnode returns the root znode, faulting it in if needed.
func (c *Tnc) rootZnode() (*znode, error) {
	if c.zroot.znode != nil {
		return c.zroot.znode, nil
	}
	return c.loadZnode(&c.zroot, nil, 0)
}

// getZnode returns the child znode at slot n of zn, faulting it in if needed.
func (c *Tnc) getZnode(zn *znode, n int) (*znode, error) {
	zbr := &zn.branch[n]
	if zbr.znode != nil {
		return zbr.znode, nil
	}
	return c.loadZnode(zbr, zn, n)
}

// loadZnode reads the index node zbr refers to, validates it, and links the
// resulting znode into the tree.
func (c *Tnc) loadZnode(zbr *zbranch, parent *znode, iip int) (*znode, error) {
	raw, err := c.store.ReadNode(node.TypeIndex, zbr.loc.Len, zbr.loc.Lnum, zbr.loc.Offs)
	if err != nil {
		return nil, err
	}
	ix, err := node.ParseIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("bad index node at %s: %w", zbr.loc, err)
	}
	cnt := len(ix.Branches)
	if cnt < 1 || cnt > c.geo.Fanout || ix.Level > maxLevels {
		return nil, fmt.Errorf("%w: index node at %s: %d branches (fanout %d), level %d",
			common.ErrCorrupt, zbr.loc, cnt, c.geo.Fanout, ix.Level)
	}

	zn := newZnode(c.geo.Fanout, ix.Level)
	zn.childCnt = cnt
	for i, br := range ix.Branches {
		if err := c.validateBranch(zn.level, br); err != nil {
			return nil, fmt.Errorf("index node at %s, slot %d: %w", zbr.loc, i, err)
		}
		zn.branch[i] = zbranch{key: br.Key, loc: br.Loc}
	}
	// Keys must not decrease; equal neighbors can only be hash collisions.
	for i := 0; i < cnt-1; i++ {
		cmp := keys.Compare(zn.branch[i].key, zn.branch[i+1].key)
		if cmp > 0 || (cmp == 0 && !zn.branch[i].key.IsHashed()) {
			return nil, fmt.Errorf("%w: index node at %s: bad key order at slots %d, %d",
				common.ErrCorrupt, zbr.loc, i, i+1)
		}
	}

	zn.parent = parent
	zn.iip = iip
	zn.time = time.Now().Unix()
	zbr.znode = zn
	c.metrics.CleanZnodes++
	log.Debugf("[Tnc] loadZnode: %s, level %d, %d branches", zbr.loc, zn.level, cnt)
	return zn, nil
}

func (c *Tnc) validateBranch(level int, br node.Branch) error {
	loc := br.Loc
	if loc.Lnum < c.geo.MainFirst() || loc.Lnum >= c.geo.LebCount ||
		loc.Offs < 0 || loc.Offs&7 != 0 || loc.Offs+loc.Len > c.geo.LebSize {
		return fmt.Errorf("%w: bad branch location %s", common.ErrCorrupt, loc)
	}
	t := br.Key.Type()
	switch t {
	case keys.TypeInode, keys.TypeData, keys.TypeDent, keys.TypeXent:
	default:
		return fmt.Errorf("%w: bad branch key %s", common.ErrCorrupt, br.Key)
	}
	if level != 0 {
		return nil
	}
	min, max := leafLenRange(t)
	if loc.Len < min || loc.Len > max {
		return fmt.Errorf("%w: leaf length %d for key %s, expected %d..%d",
			common.ErrCorrupt, loc.Len, br.Key, min, max)
	}
	return nil
}

// leafLenRange returns the valid on-flash length range for a leaf node of
// the given key type.
func leafLenRange(t keys.Type) (int, int) {
	switch t {
	case keys.TypeInode:
		return node.InodeNodeSize, node.InodeNodeSize
	case keys.TypeData:
		return node.DataNodeBaseSize + 1, node.DataNodeBaseSize + node.BlockSize
	default:
		return node.DentNodeSize(1), node.DentNodeSize(node.MaxNameLen)
	}
}

// lookupLevel0 descends the tree to the level-0 znode covering key, faulting
// znodes in as needed. On an exact match it returns (true, znode, slot). If
// the key is absent it returns (false, znode, n) with n the slot of the
// closest lower key, or -1 when key is below the whole znode.
//
// When a hashed key is not matched and n is -1, colliding equal keys may
// still live in the level-0 znode to the left, because a split is allowed to
// separate a run of equal keys. In that case the predecessor is checked too.
func (c *Tnc) lookupLevel0(key keys.Key) (bool, *znode, int, error) {
	zn, err := c.rootZnode()
	if err != nil {
		return false, nil, 0, err
	}
	now := time.Now().Unix()
	zn.time = now

	var exact bool
	var n int
	for {
		exact, n = zn.search(key)
		if zn.level == 0 {
			break
		}
		if n < 0 {
			n = 0
		}
		if child := zn.branch[n].znode; child != nil {
			zn.time = now
			zn = child
			continue
		}
		zn, err = c.loadZnode(&zn.branch[n], zn, n)
		if err != nil {
			return false, nil, 0, err
		}
	}

	if exact || !key.IsHashed() || n != -1 {
		return exact, zn, n, nil
	}

	prev, pn, err := c.tncPrev(zn, n)
	if errors.Is(err, common.ErrNotFound) {
		return false, zn, -1, nil
	}
	if err != nil {
		return false, nil, 0, err
	}
	if keys.Compare(key, prev.branch[pn].key) != 0 {
		return false, zn, -1, nil
	}
	return true, prev, pn, nil
}

// lookupLevel0Dirty is lookupLevel0 with every znode on the path dirtied,
// duplicating znodes held by an in-flight commit.
func (c *Tnc) lookupLevel0Dirty(key keys.Key) (bool, *znode, int, error) {
	if _, err := c.rootZnode(); err != nil {
		return false, nil, 0, err
	}
	zn, err := c.dirtyCow(&c.zroot)
	if err != nil {
		return false, nil, 0, err
	}
	now := time.Now().Unix()
	zn.time = now

	var exact bool
	var n int
	for {
		exact, n = zn.search(key)
		if zn.level == 0 {
			break
		}
		if n < 0 {
			n = 0
		}
		zbr := &zn.branch[n]
		if zbr.znode == nil {
			if _, err = c.loadZnode(zbr, zn, n); err != nil {
				return false, nil, 0, err
			}
		}
		zn.time = now
		if zn, err = c.dirtyCow(zbr); err != nil {
			return false, nil, 0, err
		}
	}

	if exact || !key.IsHashed() || n != -1 {
		return exact, zn, n, nil
	}

	prev, pn, err := c.tncPrev(zn, n)
	if errors.Is(err, common.ErrNotFound) {
		return false, zn, -1, nil
	}
	if err != nil {
		return false, nil, 0, err
	}
	if keys.Compare(key, prev.branch[pn].key) != 0 {
		return false, zn, -1, nil
	}
	if prev.cow || !prev.dirty {
		if prev, err = c.dirtyCowBottomUp(prev); err != nil {
			return false, nil, 0, err
		}
	}
	return true, prev, pn, nil
}

// tncNext steps to the next entry in key order, faulting znodes in as
// needed. It returns common.ErrNotFound past the last entry.
func (c *Tnc) tncNext(zn *znode, n int) (*znode, int, error) {
	n++
	if n < zn.childCnt {
		return zn, n, nil
	}
	for {
		zp := zn.parent
		if zp == nil {
			return zn, n, common.ErrNotFound
		}
		n = zn.iip + 1
		zn = zp
		if n < zn.childCnt {
			var err error
			if zn, err = c.getZnode(zn, n); err != nil {
				return nil, 0, err
			}
			for zn.level != 0 {
				if zn, err = c.getZnode(zn, 0); err != nil {
					return nil, 0, err
				}
			}
			return zn, 0, nil
		}
	}
}

// tncPrev steps to the previous entry in key order. It returns
// common.ErrNotFound before the first entry.
func (c *Tnc) tncPrev(zn *znode, n int) (*znode, int, error) {
	if n > 0 {
		return zn, n - 1, nil
	}
	for {
		zp := zn.parent
		if zp == nil {
			return zn, n, common.ErrNotFound
		}
		n = zn.iip - 1
		zn = zp
		if n >= 0 {
			var err error
			if zn, err = c.getZnode(zn, n); err != nil {
				return nil, 0, err
			}
			for zn.level != 0 {
				if zn, err = c.getZnode(zn, zn.childCnt-1); err != nil {
					return nil, 0, err
				}
			}
			return zn, zn.childCnt - 1, nil
		}
	}
}

// leftZnode returns the znode immediately left of zn at the same level, or
// nil if zn is leftmost.
func (c *Tnc) leftZnode(zn *znode) (*znode, error) {
	level := zn.level
	for {
		n := zn.iip - 1
		zn = zn.parent
		if zn == nil {
			return nil, nil
		}
		if n >= 0 {
			var err error
			if zn, err = c.getZnode(zn, n); err != nil {
				return nil, err
			}
			for zn.level != level {
				if zn, err = c.getZnode(zn, zn.childCnt-1); err != nil {
					return nil, err
				}
			}
			return zn, nil
		}
	}
}

// rightZnode returns the znode immediately right of zn at the same level, or
// nil if zn is rightmost.
func (c *Tnc) rightZnode(zn *znode) (*znode, error) {
	level := zn.level
	for {
		n := zn.iip + 1
		zn = zn.parent
		if zn == nil {
			return nil, nil
		}
		if n < zn.childCnt {
			var err error
			if zn, err = c.getZnode(zn, n); err != nil {
				return nil, err
			}
			for zn.level != level {
				if zn, err = c.getZnode(zn, 0); err != nil {
					return nil, err
				}
			}
			return zn, nil
		}
	}
}

// Lookup reads the leaf node indexed under key. It returns
// common.ErrNotFound if the key is not in the index.
func (c *Tnc) Lookup(key keys.Key) ([]byte, error) {
	c.mu.Lock()
	found, zn, n, err := c.lookupLevel0(key)
	if err != nil || !found {
		c.mu.Unlock()
		if err == nil {
			err = common.ErrNotFound
		}
		return nil, err
	}
	if key.IsHashed() {
		// The leaf-node cache lives in the zbranch, so stay locked.
		raw, err := c.readLeafNode(&zn.branch[n])
		c.mu.Unlock()
		return raw, err
	}
	zbr := zn.branch[n]
	c.mu.Unlock()
	return c.readLeafNode(&zbr)
}

// Locate is Lookup returning the on-flash location of the leaf as well.
func (c *Tnc) Locate(key keys.Key) ([]byte, node.Loc, error) {
	c.mu.Lock()
	found, zn, n, err := c.lookupLevel0(key)
	if err != nil || !found {
		c.mu.Unlock()
		if err == nil {
			err = common.ErrNotFound
		}
		return nil, node.Loc{}, err
	}
	if key.IsHashed() {
		zbr := &zn.branch[n]
		raw, err := c.readLeafNode(zbr)
		loc := zbr.loc
		c.mu.Unlock()
		return raw, loc, err
	}
	zbr := zn.branch[n]
	c.mu.Unlock()
	raw, err := c.readLeafNode(&zbr)
	return raw, zbr.loc, err
}

// LookupName reads the dent or xent node for the given name. The common case
// is no hash collision, so a plain Lookup is tried first and the colliding
// entries are walked only if its name does not match.
func (c *Tnc) LookupName(key keys.Key, name string) ([]byte, error) {
	raw, err := c.Lookup(key)
	if err != nil {
		return nil, err
	}
	dn, err := node.ParseDent(raw)
	if err != nil {
		return nil, err
	}
	if dn.Name == name {
		return raw, nil
	}
	return c.doLookupName(key, name)
}

func (c *Tnc) doLookupName(key keys.Key, name string) ([]byte, error) {
	c.mu.Lock()
	found, zn, n, err := c.lookupLevel0(key)
	if err != nil || !found {
		c.mu.Unlock()
		if err == nil {
			err = common.ErrNotFound
		}
		return nil, err
	}
	resolved, zn, n, err := c.resolveCollision(key, zn, n, name)
	if err != nil || !resolved {
		c.mu.Unlock()
		if err == nil {
			err = common.ErrNotFound
		}
		return nil, err
	}
	raw, err := c.readLeafNode(&zn.branch[n])
	c.mu.Unlock()
	return raw, err
}

// NextEntry returns the directory or extended attribute entry following the
// given one in hash order, skipping deletion entries. To walk from the
// start, pass the lowest dent or xent key of the inode and an empty name.
// common.ErrNotFound means the walk is done.
func (c *Tnc) NextEntry(key keys.Key, name string) (*node.DentNode, node.Loc, error) {
	t := key.Type()
	if t != keys.TypeDent && t != keys.TypeXent {
		return nil, node.Loc{}, fmt.Errorf("%w: NextEntry key %s", common.ErrInvalid, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	found, zn, n, err := c.lookupLevel0(key)
	if err != nil {
		return nil, node.Loc{}, err
	}
	if found && name != "" {
		if _, zn, n, err = c.resolveCollision(key, zn, n, name); err != nil {
			return nil, node.Loc{}, err
		}
	}

	for {
		if zn, n, err = c.tncNext(zn, n); err != nil {
			return nil, node.Loc{}, err
		}
		zbr := &zn.branch[n]
		if zbr.key.Inum() != key.Inum() || zbr.key.Type() != t {
			return nil, node.Loc{}, common.ErrNotFound
		}
		raw, err := c.readLeafNode(zbr)
		if err != nil {
			return nil, node.Loc{}, err
		}
		dn, err := node.ParseDent(raw)
		if err != nil {
			return nil, node.Loc{}, err
		}
		if dn.Inum == 0 {
			// Deletion entry, skip it.
			continue
		}
		return &dn, zbr.loc, nil
	}
}

// compareEntryName orders the entry node raw against name, byte-wise with a
// length tie-break.
func compareEntryName(raw []byte, name string) (int, error) {
	dn, err := node.ParseDent(raw)
	if err != nil {
		return 0, err
	}
	switch strings.Compare(dn.Name, name) {
	case -1:
		return nameLess, nil
	case 1:
		return nameGreater, nil
	default:
		return nameMatches, nil
	}
}
