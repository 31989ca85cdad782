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

// Package replay rebuilds the index from the journal after an unclean
// unmount. The log names the buds (journal eraseblock regions written
// since the last commit); every node found in a bud becomes a replay
// entry, and applying the entries to the index in sequence number order
// reproduces exactly the mutations the crash cut off.
//
// Replay runs single-threaded before the filesystem is exposed to any
// other operation. Failure at any stage aborts the mount; no partially
// replayed index is left behind.
package replay

import (
	"fmt"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/config"
	"flintfs/internal/keys"
	"flintfs/internal/lprops"
	"flintfs/internal/node"
	"flintfs/internal/tnc"
)

// State tracks the replay engine through its stages. Failed is terminal;
// the reason travels in the error returned by Run.
type State int

const (
	ScanningLog State = iota
	ScanningBuds
	Applying
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case ScanningLog:
		return "scanning-log"
	case ScanningBuds:
		return "scanning-buds"
	case Applying:
		return "applying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("bad(%d)", int(s))
	}
}

// Result summarizes a successful replay for the mount code.
type Result struct {
	// LogHeadLnum/Offs is where the next reference or commit-start node
	// goes: the end of the scanned log.
	LogHeadLnum int
	LogHeadOffs int
	// HeadLnum/Offs is the journal head: the first bud that was only
	// partially filled. HeadLnum is -1 when every bud was full.
	HeadLnum int
	HeadOffs int

	MaxSqnum    uint64
	HighestInum uint64
	Applied     int
}

type entryKind int

const (
	kindAdd entryKind = iota
	kindAddName
	kindRemoveName
	kindRemoveInode
	kindTrun
)

// entry is one journal mutation waiting to be applied to the index.
type entry struct {
	sqnum uint64
	kind  entryKind
	key   keys.Key
	loc   node.Loc
	name  string
	to    keys.Key // truncation range end
}

func (e *entry) Less(than btree.Item) bool {
	return e.sqnum < than.(*entry).sqnum
}

// bud is one journal eraseblock region named by a reference node in the log.
type bud struct {
	lnum  int
	start int
	jhead int

	// Filled by the bud scan.
	endpt int
	used  int // live bytes, 8-aligned; deletions are dirt from birth
}

const treeDegree = 16

// Engine replays one image's journal into its index.
type Engine struct {
	store *node.Store
	tc    *tnc.Tnc
	space *lprops.Table
	geo   config.Geometry
	sb    node.Superblock

	state   State
	tree    *btree.BTree
	buds    []*bud
	byLnum  map[int]*bud
	barrier uint64 // commit-start sqnum; anything below predates the commit

	logHeadLnum int
	logHeadOffs int
	maxSqnum    uint64
	highestInum uint64
}

// New builds a replay engine over an opened image. sb supplies the commit
// number, the log head and the index root the previous commit recorded.
func New(store *node.Store, tc *tnc.Tnc, space *lprops.Table, sb node.Superblock) *Engine {
	return &Engine{
		store:  store,
		tc:     tc,
		space:  space,
		geo:    store.Geometry(),
		sb:     sb,
		state:  ScanningLog,
		tree:   btree.New(treeDegree),
		byLnum: make(map[int]*bud),
	}
}

// State returns the stage the engine is in.
func (e *Engine) State() State { return e.state }

// Run walks the whole state machine: scan the log for buds, scan the buds
// for journal nodes, apply them to the index in sequence number order.
func (e *Engine) Run() (Result, error) {
	res, err := e.run()
	if err != nil {
		e.state = Failed
		e.release()
		return Result{}, err
	}
	e.state = Done
	e.release()
	return res, nil
}

func (e *Engine) run() (Result, error) {
	if err := e.scanLog(); err != nil {
		return Result{}, fmt.Errorf("log scan: %w", err)
	}
	log.Debugf("[Replay] Run: %d buds, barrier sqnum %d", len(e.buds), e.barrier)

	e.state = ScanningBuds
	for _, b := range e.buds {
		if err := e.scanBud(b); err != nil {
			return Result{}, fmt.Errorf("bud LEB %d:%d: %w", b.lnum, b.start, err)
		}
	}

	e.state = Applying
	applied, err := e.apply()
	if err != nil {
		return Result{}, err
	}
	if err := e.setBudProps(); err != nil {
		return Result{}, err
	}

	res := Result{
		LogHeadLnum: e.logHeadLnum,
		LogHeadOffs: e.logHeadOffs,
		HeadLnum:    -1,
		MaxSqnum:    e.maxSqnum,
		HighestInum: e.highestInum,
		Applied:     applied,
	}
	for _, b := range e.buds {
		if b.endpt < e.geo.LebSize {
			res.HeadLnum, res.HeadOffs = b.lnum, node.Align8(b.endpt)
			break
		}
	}
	log.Debugf("[Replay] Run: applied %d entries, head %d:%d, max sqnum %d",
		res.Applied, res.HeadLnum, res.HeadOffs, res.MaxSqnum)
	return res, nil
}

// apply walks the replay tree in ascending sequence order and replays each
// entry through the index's normal entry points. The index's replay point
// follows the entry being applied so that dangling-branch detection can
// compare against node sequence numbers.
func (e *Engine) apply() (int, error) {
	defer e.tc.SetReplay(false, 0)

	applied := 0
	var applyErr error
	e.tree.Ascend(func(it btree.Item) bool {
		en := it.(*entry)
		e.tc.SetReplay(true, en.sqnum)
		if err := e.applyEntry(en); err != nil {
			applyErr = fmt.Errorf("entry sqnum %d key %s: %w", en.sqnum, en.key, err)
			return false
		}
		applied++
		return true
	})
	return applied, applyErr
}

func (e *Engine) applyEntry(en *entry) error {
	switch en.kind {
	case kindAdd:
		return e.tc.Add(en.key, en.loc)
	case kindAddName:
		return e.tc.AddName(en.key, en.loc, en.name)
	case kindRemoveName:
		return e.tc.RemoveName(en.key, en.name)
	case kindRemoveInode:
		return e.tc.RemoveInode(en.key.Inum())
	case kindTrun:
		return e.tc.RemoveRange(en.key, en.to)
	default:
		return fmt.Errorf("%w: replay entry kind %d", common.ErrInvalid, en.kind)
	}
}

// setBudProps rebuilds the space accounting of every bud eraseblock from
// the scan results: everything past the end of data is free, everything
// scanned but not live is dirt.
func (e *Engine) setBudProps() error {
	for _, b := range e.buds {
		endpt := alignUp(b.endpt, e.geo.MinIOSize)
		free := e.geo.LebSize - endpt
		dirty := endpt - b.start - b.used

		p, err := e.space.LookupDirty(b.lnum)
		if err != nil {
			return err
		}
		if b.start == 0 && (p.Free != e.geo.LebSize || p.Dirty != 0) {
			// The bud was handed out at offset zero, so the eraseblock
			// was empty when it became a bud. Non-pristine properties
			// mean it had been garbage collected before that, with no
			// commit in between; the old occupancy is already dirt.
			log.Debugf("[Replay] setBudProps: GC'd bud LEB %d (free %d dirty %d)",
				b.lnum, p.Free, p.Dirty)
		} else {
			dirty += p.Dirty
		}
		if dirty < 0 {
			return fmt.Errorf("%w: bud LEB %d dirty %d", common.ErrCorrupt, b.lnum, dirty)
		}
		if _, err := e.space.Change(p, free, dirty, lprops.FlagTaken); err != nil {
			return err
		}
	}
	return nil
}

// insert queues one replay entry; a duplicate sequence number means two
// journal nodes claim the same position in history, which is corruption.
func (e *Engine) insert(en *entry) error {
	if prev := e.tree.ReplaceOrInsert(en); prev != nil {
		return fmt.Errorf("%w: duplicate sqnum %d in journal", common.ErrCorrupt, en.sqnum)
	}
	if en.sqnum > e.maxSqnum {
		e.maxSqnum = en.sqnum
	}
	return nil
}

func (e *Engine) noteInum(inum uint64) {
	if inum > e.highestInum {
		e.highestInum = inum
	}
}

// release drops the scratch state; the tree is only needed until Applying
// finishes.
func (e *Engine) release() {
	e.tree = nil
	e.buds = nil
	e.byLnum = nil
}

func alignUp(n, grain int) int {
	return (n + grain - 1) &^ (grain - 1)
}
