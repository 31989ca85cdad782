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
	"os"

	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// Name comparison results for collision resolution among entries sharing a
// hashed key.
const (
	nameLess = iota
	nameMatches
	nameGreater

	// notOnMedia is reported by fallible matching when the entry a branch
	// refers to is absent from flash, which during replay means it was
	// garbage-collected after the last commit.
	notOnMedia
)

// lnc is the leaf-node cache policy. The cached payloads themselves live in
// the zbranches (zbranch.leaf); directory entries are the only leaves worth
// keeping, for readdir and for resolving hash collisions without re-reading
// flash. Set FLINTFS_LNC=0 to disable caching.
type lnc struct {
	disabled     bool
	hits, misses int64
}

func newLnc() lnc {
	return lnc{disabled: os.Getenv("FLINTFS_LNC") == "0"}
}

func (l *lnc) clear() {
	l.hits, l.misses = 0, 0
}

// lncAdd caches an already-validated directory entry in its zbranch.
func (c *Tnc) lncAdd(zbr *zbranch, raw []byte) {
	if c.lnc.disabled || zbr.key.Type() != keys.TypeDent {
		return
	}
	zbr.leaf = raw
}

// lncFree drops the cached leaf of a zbranch.
func (c *Tnc) lncFree(zbr *zbranch) {
	zbr.leaf = nil
}

// readLeafNode returns the raw bytes of the leaf node zbr refers to, served
// from the leaf-node cache when possible. The node's key is checked against
// the branch key; entry nodes are additionally validated.
func (c *Tnc) readLeafNode(zbr *zbranch) ([]byte, error) {
	if zbr.leaf != nil {
		c.lnc.hits++
		return zbr.leaf, nil
	}
	c.lnc.misses++

	t, err := leafNodeType(zbr.key)
	if err != nil {
		return nil, err
	}
	raw, err := c.store.ReadNode(t, zbr.loc.Len, zbr.loc.Lnum, zbr.loc.Offs)
	if err != nil {
		return nil, err
	}
	if got := node.NodeKey(raw); got != zbr.key {
		return nil, fmt.Errorf("%w: leaf at %s has key %s, index says %s",
			common.ErrCorrupt, zbr.loc, got, zbr.key)
	}
	if zbr.key.IsHashed() {
		if err := node.ValidateEntry(raw); err != nil {
			return nil, fmt.Errorf("leaf at %s: %w", zbr.loc, err)
		}
	}
	c.lncAdd(zbr, raw)
	return raw, nil
}

// fallibleReadLeafNode is readLeafNode for replay: a missing, mismatched or
// too-new node reports (nil, false, nil) instead of corruption. A node whose
// sequence number exceeds the replay point cannot have been in the index at
// commit time, so the branch referring to it is dangling.
func (c *Tnc) fallibleReadLeafNode(zbr *zbranch) ([]byte, bool, error) {
	if zbr.leaf != nil {
		c.lnc.hits++
		return zbr.leaf, true, nil
	}
	c.lnc.misses++

	t, err := leafNodeType(zbr.key)
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := c.store.TryReadNode(t, zbr.loc.Len, zbr.loc.Lnum, zbr.loc.Offs)
	if err != nil || !ok {
		return nil, false, err
	}
	if node.NodeKey(raw) != zbr.key {
		return nil, false, nil
	}
	if node.NodeSqnum(raw) > c.replaySqnum {
		log.Debugf("[Tnc] fallibleReadLeafNode: dangling branch %s, key %s", zbr.loc, zbr.key)
		return nil, false, nil
	}
	if zbr.key.IsHashed() {
		if err := node.ValidateEntry(raw); err != nil {
			return nil, false, fmt.Errorf("leaf at %s: %w", zbr.loc, err)
		}
	}
	c.lncAdd(zbr, raw)
	return raw, true, nil
}

// leafNodeType maps a key type to the node type its leaf must carry.
func leafNodeType(k keys.Key) (node.Type, error) {
	switch k.Type() {
	case keys.TypeInode:
		return node.TypeInode, nil
	case keys.TypeData:
		return node.TypeData, nil
	case keys.TypeDent:
		return node.TypeDent, nil
	case keys.TypeXent:
		return node.TypeXent, nil
	default:
		return 0, fmt.Errorf("%w: no leaf node type for key %s", common.ErrInvalid, k)
	}
}

// matchesName orders the entry referred to by zbr against name.
func (c *Tnc) matchesName(zbr *zbranch, name string) (int, error) {
	raw, err := c.readLeafNode(zbr)
	if err != nil {
		return 0, err
	}
	return compareEntryName(raw, name)
}

// fallibleMatchesName is matchesName tolerating entries missing from flash.
func (c *Tnc) fallibleMatchesName(zbr *zbranch, name string) (int, error) {
	raw, ok, err := c.fallibleReadLeafNode(zbr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return notOnMedia, nil
	}
	return compareEntryName(raw, name)
}

// resolveCollision finds the entry named name among the entries sharing the
// hashed key at (zn, n). Entries with equal keys are adjacent in the tree
// but in no particular name order, so both directions are walked. It returns
// (true, znode, slot) when the name is found, and otherwise (false, znode,
// slot) positioned on the entry name would follow.
func (c *Tnc) resolveCollision(key keys.Key, zn *znode, n int, name string) (bool, *znode, int, error) {
	cmp, err := c.matchesName(&zn.branch[n], name)
	if err != nil {
		return false, nil, 0, err
	}
	if cmp == nameMatches {
		return true, zn, n, nil
	}

	if cmp == nameGreater {
		// Look left
		for {
			pz, pn, err := c.tncPrev(zn, n)
			if errors.Is(err, common.ErrNotFound) {
				return false, zn, -1, nil
			}
			if err != nil {
				return false, nil, 0, err
			}
			zn, n = pz, pn
			if keys.Compare(zn.branch[n].key, key) != 0 {
				return false, zn, n, nil
			}
			cmp, err = c.matchesName(&zn.branch[n], name)
			if err != nil {
				return false, nil, 0, err
			}
			if cmp == nameLess {
				return false, zn, n, nil
			}
			if cmp == nameMatches {
				return true, zn, n, nil
			}
		}
	}

	// Look right
	wz, wn := zn, n
	for {
		var err error
		if wz, wn, err = c.tncNext(wz, wn); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return false, zn, n, nil
			}
			return false, nil, 0, err
		}
		if keys.Compare(wz.branch[wn].key, key) != 0 {
			return false, zn, n, nil
		}
		cmp, err := c.matchesName(&wz.branch[wn], name)
		if err != nil {
			return false, nil, 0, err
		}
		if cmp == nameGreater {
			return false, zn, n, nil
		}
		zn, n = wz, wn
		if cmp == nameMatches {
			return true, zn, n, nil
		}
	}
}

// fallibleResolveCollision is resolveCollision for replay. If the name is
// not found but a dangling branch with the same key was seen, that branch is
// assumed to be the sought entry: its node was garbage-collected after the
// journal record being replayed was written, so a deletion being replayed
// must unhook exactly that branch. The extra return value reports whether
// the result is such a dangling match.
func (c *Tnc) fallibleResolveCollision(key keys.Key, zn *znode, n int, name string) (bool, *znode, int, error) {
	var oz *znode
	var on int
	unsure := false

	cmp, err := c.fallibleMatchesName(&zn.branch[n], name)
	if err != nil {
		return false, nil, 0, err
	}
	if cmp == nameMatches {
		return true, zn, n, nil
	}
	if cmp == notOnMedia {
		oz, on = zn, n
		// A dangling branch straight away gives no hint which direction
		// holds the name. Try left first, then right.
		log.Debugf("[Tnc] fallibleResolveCollision: first dangling match %s", zn.branch[n].loc)
		unsure = true
	}

	rz, rn := zn, n
	if cmp == nameGreater || unsure {
		// Look left
		for {
			pz, pn, err := c.tncPrev(zn, n)
			if errors.Is(err, common.ErrNotFound) {
				n = -1
				break
			}
			if err != nil {
				return false, nil, 0, err
			}
			zn, n = pz, pn
			if keys.Compare(zn.branch[n].key, key) != 0 {
				break
			}
			m, err := c.fallibleMatchesName(&zn.branch[n], name)
			if err != nil {
				return false, nil, 0, err
			}
			if m == nameLess {
				break
			}
			if m == nameMatches {
				return true, zn, n, nil
			}
			if m == notOnMedia {
				oz, on = zn, n
			} else {
				unsure = false
			}
		}
	}

	if cmp == nameLess || unsure {
		// Look right
		zn, n = rz, rn
		wz, wn := rz, rn
		for {
			var err error
			if wz, wn, err = c.tncNext(wz, wn); err != nil {
				if errors.Is(err, common.ErrNotFound) {
					break
				}
				return false, nil, 0, err
			}
			if keys.Compare(wz.branch[wn].key, key) != 0 {
				break
			}
			m, err := c.fallibleMatchesName(&wz.branch[wn], name)
			if err != nil {
				return false, nil, 0, err
			}
			if m == nameGreater {
				break
			}
			zn, n = wz, wn
			if m == nameMatches {
				return true, zn, n, nil
			}
			if m == notOnMedia {
				oz, on = wz, wn
			}
		}
	}

	if oz == nil {
		return false, zn, n, nil
	}
	log.Debugf("[Tnc] fallibleResolveCollision: dangling match %s, key %s", oz.branch[on].loc, key)
	return true, oz, on, nil
}

// resolveCollisionDirectly finds, among the entries sharing the hashed key
// at (zn, n), the one stored at lnum:offs. It is used when the flash address
// of the wanted entry is known, so names need not be read at all.
func (c *Tnc) resolveCollisionDirectly(key keys.Key, zn *znode, n, lnum, offs int) (bool, *znode, int, error) {
	if zn.branch[n].loc.Lnum == lnum && zn.branch[n].loc.Offs == offs {
		return true, zn, n, nil
	}

	// Look left
	wz, wn := zn, n
	for {
		pz, pn, err := c.tncPrev(wz, wn)
		if errors.Is(err, common.ErrNotFound) {
			break
		}
		if err != nil {
			return false, nil, 0, err
		}
		wz, wn = pz, pn
		if keys.Compare(wz.branch[wn].key, key) != 0 {
			break
		}
		if wz.branch[wn].loc.Lnum == lnum && wz.branch[wn].loc.Offs == offs {
			return true, wz, wn, nil
		}
	}

	// Look right
	wz, wn = zn, n
	for {
		var err error
		if wz, wn, err = c.tncNext(wz, wn); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return false, zn, n, nil
			}
			return false, nil, 0, err
		}
		if keys.Compare(wz.branch[wn].key, key) != 0 {
			return false, zn, n, nil
		}
		zn, n = wz, wn
		if wz.branch[wn].loc.Lnum == lnum && wz.branch[wn].loc.Offs == offs {
			return true, zn, n, nil
		}
	}
}
