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

// Package tnc implements the tree node cache: the in-memory, copy-on-write
// shadow of the on-flash index. Index nodes are faulted in lazily as
// znodes, mutated in memory, and written back only by a commit. All index
// reads and updates between commits go through this package.
package tnc

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/config"
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// NodeStore reads verified nodes off the flash image.
type NodeStore interface {
	ReadNode(t node.Type, length, lnum, offs int) ([]byte, error)
	TryReadNode(t node.Type, length, lnum, offs int) ([]byte, bool, error)
}

// SpaceTable accounts dirty space as index and leaf nodes become obsolete.
type SpaceTable interface {
	AddDirt(lnum, dirt int) error
}

// Metrics counts the znodes currently held in memory.
type Metrics struct {
	CleanZnodes int64
	DirtyZnodes int64
}

// Tnc is the tree node cache. All methods are safe for concurrent use.
type Tnc struct {
	mu    sync.Mutex
	store NodeStore
	space SpaceTable
	geo   config.Geometry

	zroot zbranch

	// oldIdx records on-flash locations of index nodes obsoleted since the
	// last commit, plus leaf locations vacated by in-place replacement. It
	// is destroyed wholesale when a commit completes.
	oldIdx *btree.BTree

	lnc lnc

	// During journal replay, index nodes on flash may reference leaf nodes
	// that were garbage-collected or never reached the medium. Fallible
	// lookups treat any leaf missing from flash, or newer than
	// replaySqnum, as absent rather than corrupt.
	replaying   bool
	replaySqnum uint64

	metrics Metrics
}

// New builds an empty tree node cache: a single dirty level-0 znode with no
// branches, as written by mkfs before any journal activity.
func New(store NodeStore, space SpaceTable, geo config.Geometry) *Tnc {
	c := &Tnc{
		store:  store,
		space:  space,
		geo:    geo,
		oldIdx: btree.New(oldIdxDegree),
		lnc:    newLnc(),
	}
	zn := newZnode(geo.Fanout, 0)
	zn.dirty = true
	c.zroot.znode = zn
	c.metrics.DirtyZnodes = 1
	log.Debugf("[Tnc] New: empty index, fanout=%d", geo.Fanout)
	return c
}

// Open builds a tree node cache over a committed index rooted at root. The
// root znode is faulted in on first use.
func Open(store NodeStore, space SpaceTable, geo config.Geometry, root node.Loc) *Tnc {
	c := &Tnc{
		store:  store,
		space:  space,
		geo:    geo,
		oldIdx: btree.New(oldIdxDegree),
		lnc:    newLnc(),
	}
	c.zroot.loc = root
	log.Debugf("[Tnc] Open: root at %s, fanout=%d", root, geo.Fanout)
	return c
}

// Metrics returns a snapshot of the znode counters.
func (c *Tnc) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// SetReplay switches fallible lookup behavior on or off. sqnum is the
// highest sequence number the replay will apply; leaf nodes beyond it are
// treated as dangling.
func (c *Tnc) SetReplay(on bool, sqnum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = on
	c.replaySqnum = sqnum
}

// RootLoc returns the on-flash location of the index root, which is the
// zero Loc if the root was never committed or was duplicated by
// copy-on-write.
func (c *Tnc) RootLoc() node.Loc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zroot.loc
}

// BeginCommit marks every dirty znode as owned by an in-flight commit.
// Until EndCommit, updates duplicate such znodes instead of mutating them,
// so the committer sees a stable tree. It returns the number of znodes
// handed to the commit.
func (c *Tnc) BeginCommit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.markCow(c.zroot.znode)
	log.Debugf("[Tnc] BeginCommit: %d dirty znodes", n)
	return n
}

func (c *Tnc) markCow(zn *znode) int {
	if zn == nil || !zn.dirty {
		return 0
	}
	zn.cow = true
	n := 1
	if zn.level > 0 {
		for i := 0; i < zn.childCnt; i++ {
			n += c.markCow(zn.branch[i].znode)
		}
	}
	return n
}

// EndCommit releases commit ownership of znodes and destroys the old-index
// set: every location it held has been superseded by the new on-flash
// index.
func (c *Tnc) EndCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCow(c.zroot.znode)
	n := c.oldIdx.Len()
	c.oldIdx.Clear(false)
	log.Debugf("[Tnc] EndCommit: destroyed %d old-index entries", n)
}

func (c *Tnc) clearCow(zn *znode) {
	if zn == nil {
		return
	}
	zn.cow = false
	zn.obsolete = false
	if zn.level > 0 {
		for i := 0; i < zn.childCnt; i++ {
			c.clearCow(zn.branch[i].znode)
		}
	}
}

// Close drops the in-memory tree and all cached leaves.
func (c *Tnc) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zroot = zbranch{}
	c.oldIdx.Clear(false)
	c.lnc.clear()
	c.metrics = Metrics{}
	log.Debugf("[Tnc] Close: index released")
}

// addIdxDirt accounts the space of an obsoleted on-flash index node.
func (c *Tnc) addIdxDirt(loc node.Loc) error {
	if loc.IsNil() {
		return nil
	}
	return c.space.AddDirt(loc.Lnum, loc.Len)
}

// Check walks the whole index, faulting znodes in as needed, and verifies
// the structural invariants: branch keys sorted with equality only between
// hashed keys, child levels one below their parent, and parent keys
// bounding their children.
func (c *Tnc) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zroot.znode == nil && c.zroot.loc.IsNil() {
		return nil
	}
	zn, err := c.rootZnode()
	if err != nil {
		return err
	}
	return c.checkZnode(zn)
}

func (c *Tnc) checkZnode(zn *znode) error {
	for i := 1; i < zn.childCnt; i++ {
		cmp := keys.Compare(zn.branch[i-1].key, zn.branch[i].key)
		if cmp > 0 || (cmp == 0 && !zn.branch[i].key.IsHashed()) {
			return fmt.Errorf("%w: misordered keys %s, %s at level %d",
				common.ErrCorrupt, zn.branch[i-1].key, zn.branch[i].key, zn.level)
		}
	}
	if zn.level == 0 {
		return nil
	}
	for i := 0; i < zn.childCnt; i++ {
		if _, err := c.getZnode(zn, i); err != nil {
			return err
		}
		zbr := &zn.branch[i]
		if zbr.znode.level != zn.level-1 {
			return fmt.Errorf("%w: child at level %d under level %d",
				common.ErrCorrupt, zbr.znode.level, zn.level)
		}
		// A branch key is a lower bound for its child: deletion of a
		// child's first key leaves the parent key smaller, which is fine.
		if zbr.znode.childCnt > 0 && keys.Compare(zbr.znode.branch[0].key, zbr.key) < 0 {
			return fmt.Errorf("%w: branch key %s is above child's first key %s",
				common.ErrCorrupt, zbr.key, zbr.znode.branch[0].key)
		}
		if err := c.checkZnode(zbr.znode); err != nil {
			return err
		}
	}
	return nil
}
