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

// Package lprops maintains the per-eraseblock space accounting table:
// how many bytes of each main-area eraseblock are free and how many are
// dirty (obsoleted by later writes, deletions or padding). The index layer
// reports newly-dirtied bytes here; replay rebuilds the numbers for bud
// eraseblocks from its scan.
package lprops

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/config"
)

// Flags on one eraseblock's properties.
const (
	// FlagTaken marks an eraseblock owned by a journal head or the
	// committer; the allocator must not hand it out.
	FlagTaken = 1 << iota
	// FlagIndex marks an eraseblock holding index nodes.
	FlagIndex
)

// LeaveUnchanged is passed to Change for a field that keeps its value.
const LeaveUnchanged = -1

// Props describes the space state of one eraseblock.
type Props struct {
	Lnum  int
	Free  int
	Dirty int
	Flags int
}

// Table is the in-memory eraseblock property table for one mounted image.
type Table struct {
	mu    sync.Mutex
	geo   config.Geometry
	props map[int]*Props
}

// NewTable builds a table where every main-area eraseblock starts fully free.
func NewTable(geo config.Geometry) *Table {
	return &Table{geo: geo, props: make(map[int]*Props)}
}

// LookupDirty returns the properties of one main-area eraseblock for a
// subsequent Change call.
func (t *Table) LookupDirty(lnum int) (*Props, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(lnum)
}

func (t *Table) lookup(lnum int) (*Props, error) {
	if lnum < t.geo.MainFirst() || lnum >= t.geo.LebCount {
		return nil, fmt.Errorf("%w: LEB %d outside main area [%d, %d)",
			common.ErrInvalid, lnum, t.geo.MainFirst(), t.geo.LebCount)
	}
	p, ok := t.props[lnum]
	if !ok {
		p = &Props{Lnum: lnum, Free: t.geo.LebSize}
		t.props[lnum] = p
	}
	return p, nil
}

// Change updates an eraseblock's properties. free and dirty may be
// LeaveUnchanged; flags always replaces the old flag set. The updated
// properties are returned.
func (t *Table) Change(p *Props, free, dirty, flags int) (*Props, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if free != LeaveUnchanged {
		if free < 0 || free > t.geo.LebSize {
			return nil, fmt.Errorf("%w: free %d for LEB %d", common.ErrInvalid, free, p.Lnum)
		}
		p.Free = free
	}
	if dirty != LeaveUnchanged {
		if dirty < 0 || dirty > t.geo.LebSize {
			return nil, fmt.Errorf("%w: dirty %d for LEB %d", common.ErrInvalid, dirty, p.Lnum)
		}
		p.Dirty = dirty
	}
	p.Flags = flags
	if p.Free+p.Dirty > t.geo.LebSize {
		return nil, fmt.Errorf("%w: LEB %d free %d + dirty %d exceeds LEB size",
			common.ErrInvalid, p.Lnum, p.Free, p.Dirty)
	}
	log.Debugf("[Lprops] Change: LEB %d free=%d dirty=%d flags=%#x", p.Lnum, p.Free, p.Dirty, p.Flags)
	return p, nil
}

// AddDirt accounts dirt bytes of newly obsoleted space on an eraseblock.
// Zero-length locations (never-committed nodes) are silently ignored.
func (t *Table) AddDirt(lnum, dirt int) error {
	if dirt == 0 {
		return nil
	}
	// Nodes occupy 8-aligned space on flash, so dirt is accounted aligned.
	dirt = (dirt + 7) &^ 7
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.lookup(lnum)
	if err != nil {
		return err
	}
	p.Dirty += dirt
	if p.Dirty > t.geo.LebSize {
		// Clamp rather than fail: padding already counted as dirty can
		// overlap with obsoleted node accounting during replay. Free is
		// not consulted because it still holds the fully-free default on
		// eraseblocks no scan has visited yet.
		p.Dirty = t.geo.LebSize
	}
	return nil
}
