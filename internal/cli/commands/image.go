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

package commands

import (
	"fmt"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"flintfs/internal/config"
	"flintfs/internal/keys"
	"flintfs/internal/node"
)

// CreateImage writes a fresh FlintFS image: a superblock, an empty log
// anchored by the first commit-start marker, and an index holding only the
// root directory inode.
func CreateImage(fs billy.Filesystem, path string, geo config.Geometry) (node.Superblock, error) {
	var sb node.Superblock

	store, err := node.Create(fs, path, geo)
	if err != nil {
		return sb, err
	}
	defer store.Close()

	sqnum := uint64(0)
	next := func() uint64 { sqnum++; return sqnum }

	// Root directory inode, then a one-branch index naming it.
	rootKey := keys.InodeKey(keys.RootInum)
	inodeRaw := node.MarshalInode(node.InodeNode{Key: rootKey, Nlink: 2}, next())
	inodeLoc := node.Loc{Lnum: geo.MainFirst(), Offs: 0, Len: len(inodeRaw)}
	if err := store.WriteNode(inodeRaw, inodeLoc.Lnum, inodeLoc.Offs); err != nil {
		return sb, err
	}

	idxRaw := node.MarshalIndex(node.IndexNode{
		Level:    0,
		Branches: []node.Branch{{Loc: inodeLoc, Key: rootKey}},
	}, next())
	rootLoc := node.Loc{Lnum: geo.MainFirst() + 1, Offs: 0, Len: len(idxRaw)}
	if err := store.WriteNode(idxRaw, rootLoc.Lnum, rootLoc.Offs); err != nil {
		return sb, err
	}

	csRaw := node.MarshalCommitStart(node.CommitStartNode{CmtNo: 1}, next())
	if err := store.WriteNode(csRaw, config.LogFirstLnum, 0); err != nil {
		return sb, err
	}

	sb = node.Superblock{
		FmtVersion:  node.SuperblockFormatVersion,
		UUID:        uuid.New(),
		LebSize:     geo.LebSize,
		LebCount:    geo.LebCount,
		Fanout:      geo.Fanout,
		LogLebs:     geo.LogLebs,
		JheadCnt:    geo.JheadCnt,
		MinIOSize:   geo.MinIOSize,
		CmtNo:       1,
		LogHeadLnum: config.LogFirstLnum,
		LogHeadOffs: 0,
		Root:        rootLoc,
		RootLevel:   0,
		MaxSqnum:    sqnum,
		HighestInum: keys.RootInum,
	}
	if err := store.WriteNode(node.MarshalSuperblock(sb, next()), config.SuperblockLnum, 0); err != nil {
		return sb, err
	}

	log.Debugf("[Image] CreateImage: %s uuid=%s root=%s", path, sb.UUID, sb.Root)
	return sb, nil
}

// OpenImage reads an image's superblock and opens its node store with the
// geometry recorded there.
func OpenImage(fs billy.Filesystem, path string) (*node.Store, node.Superblock, error) {
	sb, err := node.ReadSuperblock(fs, path)
	if err != nil {
		return nil, sb, fmt.Errorf("read superblock: %w", err)
	}
	geo := config.Geometry{
		LebSize:   sb.LebSize,
		LebCount:  sb.LebCount,
		Fanout:    sb.Fanout,
		LogLebs:   sb.LogLebs,
		JheadCnt:  sb.JheadCnt,
		MinIOSize: sb.MinIOSize,
	}
	if err := geo.Validate(); err != nil {
		return nil, sb, fmt.Errorf("superblock geometry: %w", err)
	}
	store, err := node.Open(fs, path, geo)
	if err != nil {
		return nil, sb, err
	}
	return store, sb, nil
}
