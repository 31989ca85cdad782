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
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"flintfs/internal/common"
	"flintfs/internal/config"
)

// erasedByte is what freshly erased flash reads as.
const erasedByte = 0xFF

const openReadWrite = os.O_RDWR

// Store reads and writes fixed-format nodes of one image file. Eraseblock l
// occupies bytes [l*LebSize, (l+1)*LebSize) of the file. The backing file
// comes from a billy filesystem so tests can run against memfs while the
// CLI uses osfs.
type Store struct {
	f   billy.File
	geo config.Geometry
}

// Create makes a new image file of the configured size, filled with erased
// bytes, and returns a store over it.
func Create(fs billy.Filesystem, path string, geo config.Geometry) (*Store, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	erased := make([]byte, geo.LebSize)
	for i := range erased {
		erased[i] = erasedByte
	}
	for lnum := 0; lnum < geo.LebCount; lnum++ {
		if _, err := f.Write(erased); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to fill image: %w", err)
		}
	}
	log.Debugf("[Store] Create: %s, %d LEBs of %d bytes", path, geo.LebCount, geo.LebSize)
	return &Store{f: f, geo: geo}, nil
}

// Open opens an existing image file.
func Open(fs billy.Filesystem, path string, geo config.Geometry) (*Store, error) {
	f, err := fs.OpenFile(path, openReadWrite, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return &Store{f: f, geo: geo}, nil
}

// ReadSuperblock bootstraps a mount: it reads the superblock node from
// eraseblock 0 without requiring the geometry up front.
func ReadSuperblock(fs billy.Filesystem, path string) (Superblock, error) {
	var sb Superblock
	f, err := fs.Open(path)
	if err != nil {
		return sb, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	raw := make([]byte, SuperblockNodeSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return sb, fmt.Errorf("%w: failed to read superblock: %v", common.ErrIO, err)
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return sb, fmt.Errorf("bad superblock at LEB 0:0: %w", err)
	}
	if h.Type != TypeSuperblock {
		return sb, fmt.Errorf("%w: node at LEB 0:0 is %s, expected superblock",
			common.ErrCorrupt, h.Type)
	}
	return ParseSuperblock(raw[:h.Len])
}

// Geometry returns the geometry the store was opened with.
func (s *Store) Geometry() config.Geometry { return s.geo }

// Close closes the backing file.
func (s *Store) Close() error { return s.f.Close() }

func (s *Store) checkAddr(lnum, offs, length int) error {
	if lnum < 0 || lnum >= s.geo.LebCount {
		return fmt.Errorf("%w: LEB %d out of range [0, %d)", common.ErrInvalid, lnum, s.geo.LebCount)
	}
	if offs < 0 || offs&7 != 0 || offs+length > s.geo.LebSize {
		return fmt.Errorf("%w: bad range %d:%d len %d", common.ErrInvalid, lnum, offs, length)
	}
	return nil
}

// ReadNode reads and validates a node of known type and length. The header
// magic, type, length and CRC are all checked; any mismatch is corruption.
func (s *Store) ReadNode(t Type, length, lnum, offs int) ([]byte, error) {
	if err := s.checkAddr(lnum, offs, length); err != nil {
		return nil, err
	}
	raw := make([]byte, length)
	if _, err := s.f.ReadAt(raw, int64(lnum*s.geo.LebSize+offs)); err != nil {
		return nil, fmt.Errorf("%w: cannot read %s node at %d:%d: %v",
			common.ErrIO, t, lnum, offs, err)
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("bad node at LEB %d:%d: %w", lnum, offs, err)
	}
	if h.Type != t {
		return nil, fmt.Errorf("%w: node at LEB %d:%d is %s, expected %s",
			common.ErrCorrupt, lnum, offs, h.Type, t)
	}
	if h.Len != length {
		return nil, fmt.Errorf("%w: node at LEB %d:%d has length %d, expected %d",
			common.ErrCorrupt, lnum, offs, h.Len, length)
	}
	return raw, nil
}

// TryReadNode reads a node that may legitimately not exist. It returns
// (raw, true, nil) when a valid node of the wanted type and length is
// present, (nil, false, nil) when whatever is there does not check out, and
// an error only for I/O failures. Replay uses this to detect dangling
// branches left behind by garbage collection.
func (s *Store) TryReadNode(t Type, length, lnum, offs int) ([]byte, bool, error) {
	if err := s.checkAddr(lnum, offs, length); err != nil {
		return nil, false, err
	}
	raw := make([]byte, length)
	if _, err := s.f.ReadAt(raw, int64(lnum*s.geo.LebSize+offs)); err != nil {
		return nil, false, fmt.Errorf("%w: cannot read node at %d:%d: %v",
			common.ErrIO, lnum, offs, err)
	}
	h, err := ParseHeader(raw)
	if err != nil || h.Type != t || h.Len != length {
		return nil, false, nil
	}
	return raw, true, nil
}

// WriteNode writes a marshaled node at an 8-byte aligned offset.
func (s *Store) WriteNode(raw []byte, lnum, offs int) error {
	if err := s.checkAddr(lnum, offs, len(raw)); err != nil {
		return err
	}
	return s.writeAt(raw, int64(lnum*s.geo.LebSize+offs))
}

// ReadLeb returns the full contents of one eraseblock.
func (s *Store) ReadLeb(lnum int) ([]byte, error) {
	if lnum < 0 || lnum >= s.geo.LebCount {
		return nil, fmt.Errorf("%w: LEB %d out of range", common.ErrInvalid, lnum)
	}
	buf := make([]byte, s.geo.LebSize)
	if _, err := s.f.ReadAt(buf, int64(lnum*s.geo.LebSize)); err != nil {
		return nil, fmt.Errorf("%w: cannot read LEB %d: %v", common.ErrIO, lnum, err)
	}
	return buf, nil
}

// Erase resets one eraseblock to the erased state.
func (s *Store) Erase(lnum int) error {
	if lnum < 0 || lnum >= s.geo.LebCount {
		return fmt.Errorf("%w: LEB %d out of range", common.ErrInvalid, lnum)
	}
	erased := make([]byte, s.geo.LebSize)
	for i := range erased {
		erased[i] = erasedByte
	}
	return s.writeAt(erased, int64(lnum*s.geo.LebSize))
}

// writeAt works around billy.File not being an io.WriterAt.
func (s *Store) writeAt(data []byte, off int64) error {
	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek failed: %v", common.ErrIO, err)
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("%w: write failed: %v", common.ErrIO, err)
	}
	return nil
}
