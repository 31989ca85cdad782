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

// Package journal appends mutations to a FlintFS image: it opens buds by
// writing reference nodes into the log, stamps every node with a
// monotonically increasing sequence number, and writes the commit-start
// markers that anchor replay. This is the write side of the journal;
// committing the index itself is a separate concern.
package journal

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/config"
	"flintfs/internal/node"
)

// head is one journal head's write position inside its current bud.
type head struct {
	lnum int
	offs int
	open bool
}

// Writer appends journal nodes to an image. It is not safe for concurrent
// use; the mount code owns it exclusively.
type Writer struct {
	store *node.Store
	geo   config.Geometry

	sqnum   uint64 // last sequence number handed out
	logLnum int
	logOffs int
	heads   []head
}

// NewWriter builds a journal writer positioned at the given log head,
// continuing the sequence number space from sqnum.
func NewWriter(store *node.Store, logLnum, logOffs int, sqnum uint64) *Writer {
	geo := store.Geometry()
	return &Writer{
		store:   store,
		geo:     geo,
		sqnum:   sqnum,
		logLnum: logLnum,
		logOffs: logOffs,
		heads:   make([]head, geo.JheadCnt),
	}
}

// Sqnum returns the last sequence number written.
func (w *Writer) Sqnum() uint64 { return w.sqnum }

// LogHead returns where the next log node goes.
func (w *Writer) LogHead() (lnum, offs int) { return w.logLnum, w.logOffs }

func (w *Writer) next() (uint64, error) {
	if w.sqnum+1 >= node.SqnumWatermark {
		return 0, common.ErrExhausted
	}
	w.sqnum++
	return w.sqnum, nil
}

// writeLog appends one node to the log, moving to the next log eraseblock
// when the current one cannot hold it.
func (w *Writer) writeLog(raw []byte) error {
	if w.logOffs+len(raw) > w.geo.LebSize {
		next := w.logLnum + 1
		if next >= w.geo.MainFirst() {
			next = config.LogFirstLnum
		}
		if err := w.store.Erase(next); err != nil {
			return err
		}
		w.logLnum, w.logOffs = next, 0
	}
	if err := w.store.WriteNode(raw, w.logLnum, w.logOffs); err != nil {
		return err
	}
	w.logOffs += alignUp(node.Align8(len(raw)), w.geo.MinIOSize)
	return nil
}

// WriteCommitStart writes the marker that begins commit cmtNo. It must be
// the first node of a log eraseblock, so the log head is advanced to a
// fresh one if needed.
func (w *Writer) WriteCommitStart(cmtNo uint64) error {
	if w.logOffs != 0 {
		next := w.logLnum + 1
		if next >= w.geo.MainFirst() {
			next = config.LogFirstLnum
		}
		if err := w.store.Erase(next); err != nil {
			return err
		}
		w.logLnum, w.logOffs = next, 0
	}
	sq, err := w.next()
	if err != nil {
		return err
	}
	log.Debugf("[Journal] WriteCommitStart: commit %d at LEB %d, sqnum %d", cmtNo, w.logLnum, sq)
	return w.writeLog(node.MarshalCommitStart(node.CommitStartNode{CmtNo: cmtNo}, sq))
}

// OpenBud gives a journal head a new bud at lnum:offs and records it in
// the log so replay will find it.
func (w *Writer) OpenBud(jhead, lnum, offs int) error {
	if jhead < 0 || jhead >= w.geo.JheadCnt {
		return fmt.Errorf("%w: journal head %d of %d", common.ErrInvalid, jhead, w.geo.JheadCnt)
	}
	if lnum < w.geo.MainFirst() || lnum >= w.geo.LebCount {
		return fmt.Errorf("%w: bud LEB %d outside main area", common.ErrInvalid, lnum)
	}
	if offs < 0 || offs > w.geo.LebSize || offs%w.geo.MinIOSize != 0 {
		return fmt.Errorf("%w: bud offset %d", common.ErrInvalid, offs)
	}
	sq, err := w.next()
	if err != nil {
		return err
	}
	raw := node.MarshalRef(node.RefNode{Lnum: lnum, Offs: offs, Jhead: jhead}, sq)
	if err := w.writeLog(raw); err != nil {
		return err
	}
	w.heads[jhead] = head{lnum: lnum, offs: offs, open: true}
	log.Debugf("[Journal] OpenBud: jhead %d -> LEB %d:%d", jhead, lnum, offs)
	return nil
}

// writeBud appends one node to a journal head's bud.
func (w *Writer) writeBud(jhead int, raw []byte) (node.Loc, error) {
	if jhead < 0 || jhead >= len(w.heads) || !w.heads[jhead].open {
		return node.Loc{}, fmt.Errorf("%w: journal head %d has no bud", common.ErrInvalid, jhead)
	}
	h := &w.heads[jhead]
	if h.offs+len(raw) > w.geo.LebSize {
		return node.Loc{}, fmt.Errorf("%w: bud LEB %d full (%d + %d bytes)",
			common.ErrInvalid, h.lnum, h.offs, len(raw))
	}
	if err := w.store.WriteNode(raw, h.lnum, h.offs); err != nil {
		return node.Loc{}, err
	}
	loc := node.Loc{Lnum: h.lnum, Offs: h.offs, Len: len(raw)}
	h.offs += node.Align8(len(raw))
	return loc, nil
}

// WriteInode journals an inode node. A zero link count journals the
// inode's deletion.
func (w *Writer) WriteInode(jhead int, in node.InodeNode) (node.Loc, error) {
	sq, err := w.next()
	if err != nil {
		return node.Loc{}, err
	}
	return w.writeBud(jhead, node.MarshalInode(in, sq))
}

// WriteData journals one block of file data.
func (w *Writer) WriteData(jhead int, dn node.DataNode) (node.Loc, error) {
	sq, err := w.next()
	if err != nil {
		return node.Loc{}, err
	}
	return w.writeBud(jhead, node.MarshalData(dn, sq))
}

// WriteDent journals a directory or extended attribute entry. A zero
// target inode journals the entry's deletion.
func (w *Writer) WriteDent(jhead int, dn node.DentNode, t node.Type) (node.Loc, error) {
	sq, err := w.next()
	if err != nil {
		return node.Loc{}, err
	}
	return w.writeBud(jhead, node.MarshalDent(dn, t, sq))
}

// WriteTrun journals a truncation.
func (w *Writer) WriteTrun(jhead int, tn node.TrunNode) (node.Loc, error) {
	sq, err := w.next()
	if err != nil {
		return node.Loc{}, err
	}
	return w.writeBud(jhead, node.MarshalTrun(tn, sq))
}

// PadBud fills a journal head's bud up to the next min-IO boundary with a
// padding node, so the write is safe against torn tails.
func (w *Writer) PadBud(jhead int) error {
	if jhead < 0 || jhead >= len(w.heads) || !w.heads[jhead].open {
		return fmt.Errorf("%w: journal head %d has no bud", common.ErrInvalid, jhead)
	}
	h := &w.heads[jhead]
	pad := alignUp(h.offs, w.geo.MinIOSize) - h.offs
	if pad == 0 {
		return nil
	}
	for pad < node.Align8(node.PadNodeSize) {
		pad += w.geo.MinIOSize
	}
	if h.offs+pad > w.geo.LebSize {
		return fmt.Errorf("%w: bud LEB %d full, cannot pad", common.ErrInvalid, h.lnum)
	}
	sq, err := w.next()
	if err != nil {
		return err
	}
	if err := w.store.WriteNode(node.MarshalPad(pad, sq), h.lnum, h.offs); err != nil {
		return err
	}
	h.offs += pad
	return nil
}

func alignUp(n, grain int) int {
	return (n + grain - 1) &^ (grain - 1)
}
