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

package node

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
)

// ScannedNode is one typed record found while scanning an eraseblock.
type ScannedNode struct {
	Type  Type
	Offs  int
	Len   int
	Sqnum uint64
	Raw   []byte
}

// ScanResult is the outcome of scanning one eraseblock from a start offset.
// Endpt is the first byte past all scanned data, padding included; the rest
// of the eraseblock is erased space.
type ScanResult struct {
	Lnum  int
	Nodes []ScannedNode
	Endpt int
}

// Scan parses one eraseblock into its ordered list of nodes, starting at
// offs. Padding nodes are consumed but not reported. Scanning stops cleanly
// at erased space; anything else that fails to parse is corruption,
// reported with its location.
func (s *Store) Scan(lnum, offs int) (*ScanResult, error) {
	if offs&7 != 0 {
		return nil, fmt.Errorf("%w: unaligned scan offset %d:%d", common.ErrInvalid, lnum, offs)
	}
	buf, err := s.ReadLeb(lnum)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{Lnum: lnum, Endpt: offs}
	for offs < len(buf) {
		if buf[offs] == erasedByte {
			if isErased(buf[offs:]) {
				break
			}
			// An erased gap with data after it can only be write-grain
			// alignment between nodes; anything longer means a torn
			// write.
			next := alignUp(offs+1, s.geo.MinIOSize)
			if next-offs >= s.geo.MinIOSize || !isErased(buf[offs:next]) {
				return nil, fmt.Errorf("%w: erased gap inside data at LEB %d:%d",
					common.ErrCorrupt, lnum, offs)
			}
			offs = next
			res.Endpt = offs
			continue
		}
		if len(buf)-offs < HeaderSize {
			return nil, fmt.Errorf("%w: trailing garbage at LEB %d:%d", common.ErrCorrupt, lnum, offs)
		}
		h, err := ParseHeader(buf[offs:])
		if err != nil {
			return nil, fmt.Errorf("bad node at LEB %d:%d: %w", lnum, offs, err)
		}
		raw := buf[offs : offs+h.Len]

		if h.Type == TypePad {
			padLen, err := ParsePadLen(raw)
			if err != nil {
				return nil, fmt.Errorf("bad pad node at LEB %d:%d: %w", lnum, offs, err)
			}
			if padLen < 0 || offs+Align8(h.Len)+padLen > len(buf) {
				return nil, fmt.Errorf("%w: bad pad length %d at LEB %d:%d",
					common.ErrCorrupt, padLen, lnum, offs)
			}
			offs += Align8(h.Len) + padLen
			res.Endpt = offs
			continue
		}

		res.Nodes = append(res.Nodes, ScannedNode{
			Type:  h.Type,
			Offs:  offs,
			Len:   h.Len,
			Sqnum: h.Sqnum,
			Raw:   raw,
		})
		offs += Align8(h.Len)
		res.Endpt = offs
	}

	log.Debugf("[Scan] LEB %d: %d nodes, endpt %d", lnum, len(res.Nodes), res.Endpt)
	return res, nil
}

func alignUp(n, grain int) int {
	return (n + grain - 1) &^ (grain - 1)
}

// isErased reports whether buf is entirely erased bytes.
func isErased(buf []byte) bool {
	for _, b := range buf {
		if b != erasedByte {
			return false
		}
	}
	return true
}
