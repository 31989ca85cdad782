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

package replay

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/config"
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// scanLog walks the log eraseblocks in circular order starting at the head
// the last commit recorded, collecting the buds written since then. The
// first node must be the commit-start marker of that commit; its sequence
// number is the low-water mark, and anything older found later in the log
// is leftover from before the commit and ends the scan.
func (e *Engine) scanLog() error {
	head := e.sb.LogHeadLnum
	if head < config.LogFirstLnum || head >= e.geo.MainFirst() {
		return fmt.Errorf("%w: log head LEB %d outside log area [%d, %d)",
			common.ErrCorrupt, head, config.LogFirstLnum, e.geo.MainFirst())
	}

	lnum := head
	for i := 0; i < e.geo.LogLebs; i++ {
		done, err := e.scanLogLeb(lnum, i == 0)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		lnum++
		if lnum >= e.geo.MainFirst() {
			lnum = config.LogFirstLnum
		}
	}
	return nil
}

// scanLogLeb scans one log eraseblock. It reports done when the end of the
// log was reached: erased space before the eraseblock filled up, or content
// older than the commit-start marker.
func (e *Engine) scanLogLeb(lnum int, first bool) (bool, error) {
	sres, err := e.store.Scan(lnum, 0)
	if err != nil {
		return false, err
	}
	nodes := sres.Nodes

	if first {
		if len(nodes) == 0 || nodes[0].Type != node.TypeCommitStart || nodes[0].Offs != 0 {
			return false, fmt.Errorf("%w: no commit-start node at log head LEB %d",
				common.ErrCorrupt, lnum)
		}
		cs, err := node.ParseCommitStart(nodes[0].Raw)
		if err != nil {
			return false, err
		}
		if cs.CmtNo != e.sb.CmtNo {
			return false, fmt.Errorf("%w: commit number %d at log head, expected %d",
				common.ErrCorrupt, cs.CmtNo, e.sb.CmtNo)
		}
		if nodes[0].Sqnum >= node.SqnumWatermark {
			return false, common.ErrExhausted
		}
		e.barrier = nodes[0].Sqnum
		if nodes[0].Sqnum > e.maxSqnum {
			e.maxSqnum = nodes[0].Sqnum
		}
		nodes = nodes[1:]
	} else {
		if len(nodes) == 0 {
			return true, nil
		}
		if nodes[0].Sqnum < e.barrier {
			// Content from before the last commit: the log wrapped and
			// this eraseblock has not been reused yet.
			return true, nil
		}
	}

	for _, sn := range nodes {
		if sn.Sqnum >= node.SqnumWatermark {
			return false, common.ErrExhausted
		}
		if sn.Sqnum < e.barrier {
			return true, nil
		}
		switch sn.Type {
		case node.TypeRef:
			rn, err := node.ParseRef(sn.Raw)
			if err != nil {
				return false, err
			}
			if err := e.addBud(rn, lnum, sn.Offs); err != nil {
				return false, err
			}
		case node.TypeCommitStart:
			return false, fmt.Errorf("%w: commit-start node inside log at LEB %d:%d",
				common.ErrCorrupt, lnum, sn.Offs)
		default:
			return false, fmt.Errorf("%w: %s node in log at LEB %d:%d",
				common.ErrCorrupt, sn.Type, lnum, sn.Offs)
		}
	}

	e.logHeadLnum = lnum
	e.logHeadOffs = alignUp(sres.Endpt, e.geo.MinIOSize)
	// A partially filled log eraseblock is where the log ends.
	return sres.Endpt < e.geo.LebSize, nil
}

// addBud validates a reference node and queues its bud for scanning.
func (e *Engine) addBud(rn node.RefNode, lnum, offs int) error {
	if rn.Jhead < 0 || rn.Jhead >= e.geo.JheadCnt {
		return fmt.Errorf("%w: ref at LEB %d:%d names journal head %d of %d",
			common.ErrCorrupt, lnum, offs, rn.Jhead, e.geo.JheadCnt)
	}
	if rn.Lnum < e.geo.MainFirst() || rn.Lnum >= e.geo.LebCount {
		return fmt.Errorf("%w: ref at LEB %d:%d names bud LEB %d outside main area",
			common.ErrCorrupt, lnum, offs, rn.Lnum)
	}
	if rn.Offs < 0 || rn.Offs > e.geo.LebSize || rn.Offs%e.geo.MinIOSize != 0 {
		return fmt.Errorf("%w: ref at LEB %d:%d has bad bud offset %d",
			common.ErrCorrupt, lnum, offs, rn.Offs)
	}
	if _, ok := e.byLnum[rn.Lnum]; ok {
		return fmt.Errorf("%w: duplicate reference to bud LEB %d", common.ErrCorrupt, rn.Lnum)
	}

	b := &bud{lnum: rn.Lnum, start: rn.Offs, jhead: rn.Jhead}
	e.byLnum[rn.Lnum] = b
	e.buds = append(e.buds, b)
	log.Debugf("[Replay] addBud: LEB %d:%d jhead %d", b.lnum, b.start, b.jhead)
	return nil
}

// scanBud parses everything written to one bud since it was opened and
// turns each node into a replay entry.
func (e *Engine) scanBud(b *bud) error {
	sres, err := e.store.Scan(b.lnum, b.start)
	if err != nil {
		return err
	}
	b.endpt = sres.Endpt

	for _, sn := range sres.Nodes {
		if sn.Sqnum >= node.SqnumWatermark {
			return common.ErrExhausted
		}
		loc := node.Loc{Lnum: b.lnum, Offs: sn.Offs, Len: sn.Len}

		switch sn.Type {
		case node.TypeInode:
			in, err := node.ParseInode(sn.Raw)
			if err != nil {
				return err
			}
			e.noteInum(in.Key.Inum())
			if in.Nlink == 0 {
				err = e.insert(&entry{sqnum: sn.Sqnum, kind: kindRemoveInode, key: in.Key})
			} else {
				b.used += node.Align8(sn.Len)
				err = e.insert(&entry{sqnum: sn.Sqnum, kind: kindAdd, key: in.Key, loc: loc})
			}
			if err != nil {
				return err
			}

		case node.TypeData:
			key := node.NodeKey(sn.Raw)
			if key.Type() != keys.TypeData {
				return fmt.Errorf("%w: data node at %s carries %s", common.ErrCorrupt, loc, key)
			}
			e.noteInum(key.Inum())
			b.used += node.Align8(sn.Len)
			if err := e.insert(&entry{sqnum: sn.Sqnum, kind: kindAdd, key: key, loc: loc}); err != nil {
				return err
			}

		case node.TypeDent, node.TypeXent:
			if err := node.ValidateEntry(sn.Raw); err != nil {
				return fmt.Errorf("entry node at %s: %w", loc, err)
			}
			dn, err := node.ParseDent(sn.Raw)
			if err != nil {
				return err
			}
			want := keys.TypeDent
			if sn.Type == node.TypeXent {
				want = keys.TypeXent
			}
			if dn.Key.Type() != want {
				return fmt.Errorf("%w: %s node at %s carries %s",
					common.ErrCorrupt, sn.Type, loc, dn.Key)
			}
			e.noteInum(dn.Key.Inum())
			if dn.Inum == 0 {
				err = e.insert(&entry{sqnum: sn.Sqnum, kind: kindRemoveName, key: dn.Key, name: dn.Name})
			} else {
				e.noteInum(dn.Inum)
				b.used += node.Align8(sn.Len)
				err = e.insert(&entry{sqnum: sn.Sqnum, kind: kindAddName, key: dn.Key, loc: loc, name: dn.Name})
			}
			if err != nil {
				return err
			}

		case node.TypeTrun:
			tn, err := node.ParseTrun(sn.Raw)
			if err != nil {
				return err
			}
			en, err := trunEntry(tn, sn.Sqnum, loc)
			if err != nil {
				return err
			}
			if en != nil {
				if err := e.insert(en); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("%w: %s node at %s in bud", common.ErrCorrupt, sn.Type, loc)
		}
	}

	log.Debugf("[Replay] scanBud: LEB %d:%d endpt %d used %d", b.lnum, b.start, b.endpt, b.used)
	return nil
}

// trunEntry turns a truncation node into a range removal over the data
// blocks past the new size. It returns a nil entry when the truncation
// drops no whole block.
func trunEntry(tn node.TrunNode, sqnum uint64, loc node.Loc) (*entry, error) {
	if tn.Inum == 0 || tn.Inum > keys.MaxInum {
		return nil, fmt.Errorf("%w: truncation at %s of inode %d", common.ErrCorrupt, loc, tn.Inum)
	}
	if tn.NewSize >= tn.OldSize {
		return nil, fmt.Errorf("%w: truncation at %s grows %d -> %d",
			common.ErrCorrupt, loc, tn.OldSize, tn.NewSize)
	}
	minBlk := tn.NewSize / node.BlockSize
	if tn.NewSize%node.BlockSize != 0 {
		minBlk++
	}
	maxBlk := tn.OldSize / node.BlockSize
	if tn.OldSize%node.BlockSize == 0 {
		maxBlk--
	}
	if maxBlk > uint64(keys.HashMask) {
		return nil, fmt.Errorf("%w: truncation at %s from size %d",
			common.ErrCorrupt, loc, tn.OldSize)
	}
	if minBlk > maxBlk {
		// Both sizes fall inside the same data block, so no whole block
		// is cut off and there is nothing to remove from the index.
		return nil, nil
	}
	return &entry{
		sqnum: sqnum,
		kind:  kindTrun,
		key:   keys.DataKey(tn.Inum, uint32(minBlk)),
		to:    keys.DataKey(tn.Inum, uint32(maxBlk)),
	}, nil
}
