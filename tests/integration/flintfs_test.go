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

package integration

import (
	"testing"

	. "github.com/onsi/gomega"

	"flintfs/internal/common"
	"flintfs/internal/journal"
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

func TestCleanMount(t *testing.T) {
	e := newEnv(t)
	g := e.g

	tc, _, res := e.mount(t)
	g.Expect(res.Applied).To(BeZero())

	// The root directory inode comes straight from the committed index.
	raw, err := tc.Lookup(keys.InodeKey(keys.RootInum))
	g.Expect(err).ToNot(HaveOccurred())
	in, err := node.ParseInode(raw)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(in.Nlink).To(Equal(uint32(2)))

	g.Expect(tc.Check()).To(Succeed())
}

func TestJournalSurvivesRemount(t *testing.T) {
	e := newEnv(t)
	g := e.g

	// A "running filesystem" creates /file with one block of data, then
	// crashes before any commit.
	store, sb := e.open(t)
	w := journal.NewWriter(store, sb.LogHeadLnum, node.Align8(node.CommitStartNodeSize), sb.MaxSqnum)
	g.Expect(w.OpenBud(0, e.budL, 0)).To(Succeed())

	dk := keys.DentKey(keys.RootInum, "file")
	_, err := w.WriteDent(0, node.DentNode{Key: dk, Inum: 2, Name: "file"}, node.TypeDent)
	g.Expect(err).ToNot(HaveOccurred())
	_, err = w.WriteInode(0, node.InodeNode{Key: keys.InodeKey(2), Size: 5, Nlink: 1})
	g.Expect(err).ToNot(HaveOccurred())
	dataLoc, err := w.WriteData(0, node.DataNode{Key: keys.DataKey(2, 0), Size: 5, Data: []byte("hello")})
	g.Expect(err).ToNot(HaveOccurred())

	tc, _, res := e.mount(t)
	g.Expect(res.Applied).To(Equal(3))
	g.Expect(res.HighestInum).To(Equal(uint64(2)))
	g.Expect(res.HeadLnum).To(Equal(e.budL))

	raw, err := tc.LookupName(dk, "file")
	g.Expect(err).ToNot(HaveOccurred())
	dn, err := node.ParseDent(raw)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(dn.Inum).To(Equal(uint64(2)))

	_, loc, err := tc.Locate(keys.DataKey(2, 0))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(loc).To(Equal(dataLoc))

	g.Expect(tc.Check()).To(Succeed())
}

func TestRemountIsDeterministic(t *testing.T) {
	e := newEnv(t)
	g := e.g

	store, sb := e.open(t)
	w := journal.NewWriter(store, sb.LogHeadLnum, node.Align8(node.CommitStartNodeSize), sb.MaxSqnum)
	g.Expect(w.OpenBud(0, e.budL, 0)).To(Succeed())
	g.Expect(w.OpenBud(1, e.budL+1, 0)).To(Succeed())

	for i := uint64(2); i < 12; i++ {
		jhead := int(i % 2)
		_, err := w.WriteInode(jhead, node.InodeNode{Key: keys.InodeKey(i), Size: i, Nlink: 1})
		g.Expect(err).ToNot(HaveOccurred())
	}
	// Unlink half of them again.
	for i := uint64(2); i < 12; i += 2 {
		_, err := w.WriteInode(0, node.InodeNode{Key: keys.InodeKey(i), Nlink: 0})
		g.Expect(err).ToNot(HaveOccurred())
	}

	tcA, _, resA := e.mount(t)
	tcB, _, resB := e.mount(t)
	g.Expect(resB).To(Equal(resA))

	for i := uint64(2); i < 12; i++ {
		_, locA, errA := tcA.Locate(keys.InodeKey(i))
		_, locB, errB := tcB.Locate(keys.InodeKey(i))
		if i%2 == 0 {
			g.Expect(errA).To(MatchError(common.ErrNotFound))
			g.Expect(errB).To(MatchError(common.ErrNotFound))
		} else {
			g.Expect(errA).ToNot(HaveOccurred())
			g.Expect(errB).ToNot(HaveOccurred())
			g.Expect(locB).To(Equal(locA))
		}
	}
}

func TestTruncateThenRemount(t *testing.T) {
	e := newEnv(t)
	g := e.g

	store, sb := e.open(t)
	w := journal.NewWriter(store, sb.LogHeadLnum, node.Align8(node.CommitStartNodeSize), sb.MaxSqnum)
	g.Expect(w.OpenBud(0, e.budL, 0)).To(Succeed())

	_, err := w.WriteInode(0, node.InodeNode{Key: keys.InodeKey(2), Size: 3 * node.BlockSize, Nlink: 1})
	g.Expect(err).ToNot(HaveOccurred())
	for blk := uint32(0); blk < 3; blk++ {
		_, err = w.WriteData(0, node.DataNode{Key: keys.DataKey(2, blk), Size: node.BlockSize})
		g.Expect(err).ToNot(HaveOccurred())
	}
	_, err = w.WriteTrun(0, node.TrunNode{Inum: 2, OldSize: 3 * node.BlockSize, NewSize: node.BlockSize})
	g.Expect(err).ToNot(HaveOccurred())

	tc, _, _ := e.mount(t)

	_, err = tc.Lookup(keys.DataKey(2, 0))
	g.Expect(err).ToNot(HaveOccurred())
	_, err = tc.Lookup(keys.DataKey(2, 1))
	g.Expect(err).To(MatchError(common.ErrNotFound))
	_, err = tc.Lookup(keys.DataKey(2, 2))
	g.Expect(err).To(MatchError(common.ErrNotFound))
}

func TestBudSpaceAccountedOnMount(t *testing.T) {
	e := newEnv(t)
	g := e.g

	store, sb := e.open(t)
	w := journal.NewWriter(store, sb.LogHeadLnum, node.Align8(node.CommitStartNodeSize), sb.MaxSqnum)
	g.Expect(w.OpenBud(0, e.budL, 0)).To(Succeed())
	loc, err := w.WriteInode(0, node.InodeNode{Key: keys.InodeKey(2), Nlink: 1})
	g.Expect(err).ToNot(HaveOccurred())

	_, space, _ := e.mount(t)

	p, err := space.LookupDirty(e.budL)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(p.Free).To(Equal(e.geo.LebSize - node.Align8(loc.Len)))
	g.Expect(p.Dirty).To(BeZero())
}
