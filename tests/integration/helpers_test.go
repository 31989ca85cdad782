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

// Package integration exercises a FlintFS image end to end: create it,
// append journal entries the way a running filesystem would, then mount it
// again and check that replay recovers exactly what was written.
package integration

import (
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	. "github.com/onsi/gomega"

	"flintfs/internal/cli/commands"
	"flintfs/internal/config"
	"flintfs/internal/lprops"
	"flintfs/internal/node"
	"flintfs/internal/replay"
	"flintfs/internal/tnc"
)

const imageName = "test.img"

func testGeometry() config.Geometry {
	return config.Geometry{
		LebSize:   16 * 1024,
		LebCount:  16,
		Fanout:    8,
		LogLebs:   2,
		JheadCnt:  2,
		MinIOSize: 8,
	}
}

// env is one image on a scratch directory plus everything needed to mount it.
type env struct {
	g    *WithT
	dir  string
	geo  config.Geometry
	sb   node.Superblock
	budL int // first eraseblock free for buds
}

func newEnv(t *testing.T) *env {
	t.Helper()
	g := NewWithT(t)
	dir := t.TempDir()
	geo := testGeometry()

	sb, err := commands.CreateImage(osfs.New(dir), imageName, geo)
	g.Expect(err).ToNot(HaveOccurred())

	// mkfs used the first two main eraseblocks for the root inode and the
	// index root.
	return &env{g: g, dir: dir, geo: geo, sb: sb, budL: geo.MainFirst() + 2}
}

// open opens the image the way mount does: superblock first, then the
// store with the recorded geometry.
func (e *env) open(t *testing.T) (*node.Store, node.Superblock) {
	t.Helper()
	store, sb, err := commands.OpenImage(osfs.New(e.dir), imageName)
	e.g.Expect(err).ToNot(HaveOccurred())
	t.Cleanup(func() { store.Close() })
	return store, sb
}

// mount replays the journal into a fresh index and returns both.
func (e *env) mount(t *testing.T) (*tnc.Tnc, *lprops.Table, replay.Result) {
	t.Helper()
	store, sb := e.open(t)
	space := lprops.NewTable(e.geo)
	tc := tnc.Open(store, space, e.geo, sb.Root)
	t.Cleanup(tc.Close)

	res, err := replay.New(store, tc, space, sb).Run()
	e.g.Expect(err).ToNot(HaveOccurred())
	return tc, space, res
}
