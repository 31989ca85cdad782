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

// Package config holds the FlintFS image geometry and its YAML loader.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Geometry describes the layout of a FlintFS image. It is supplied to mkfs
// via YAML and persisted in the superblock; mount reads it back from there.
type Geometry struct {
	LebSize   int `yaml:"leb-size"`    // bytes per logical eraseblock
	LebCount  int `yaml:"leb-count"`   // total eraseblocks in the image
	Fanout    int `yaml:"fanout"`      // max branches per index node
	LogLebs   int `yaml:"log-lebs"`    // eraseblocks reserved for the log
	JheadCnt  int `yaml:"jhead-count"` // journal heads
	MinIOSize int `yaml:"min-io-size"` // write alignment unit
}

// Superblock occupies LEB 0, the log follows it, the main area holds
// everything else.
const (
	SuperblockLnum = 0
	LogFirstLnum   = 1
)

// MainFirst returns the first main-area eraseblock.
func (g Geometry) MainFirst() int { return LogFirstLnum + g.LogLebs }

// MainLebs returns the number of main-area eraseblocks.
func (g Geometry) MainLebs() int { return g.LebCount - g.MainFirst() }

// ApplyDefaults fills zero-value fields with their defaults.
func (g *Geometry) ApplyDefaults() {
	if g.LebSize == 0 {
		g.LebSize = 128 * 1024
	}
	if g.LebCount == 0 {
		g.LebCount = 64
	}
	if g.Fanout == 0 {
		g.Fanout = 8
	}
	if g.LogLebs == 0 {
		g.LogLebs = 4
	}
	if g.JheadCnt == 0 {
		g.JheadCnt = 3
	}
	if g.MinIOSize == 0 {
		g.MinIOSize = 8
	}
}

// Validate rejects geometries the index and replay code cannot operate on.
func (g Geometry) Validate() error {
	if g.LebSize < 4096 || g.LebSize%8 != 0 {
		return fmt.Errorf("leb-size %d: must be >= 4096 and 8-byte aligned", g.LebSize)
	}
	if g.Fanout < 3 {
		return fmt.Errorf("fanout %d: must be at least 3", g.Fanout)
	}
	if g.LogLebs < 1 {
		return fmt.Errorf("log-lebs %d: need at least one log eraseblock", g.LogLebs)
	}
	if g.JheadCnt < 1 {
		return fmt.Errorf("jhead-count %d: need at least one journal head", g.JheadCnt)
	}
	if g.MinIOSize < 8 || g.MinIOSize&(g.MinIOSize-1) != 0 {
		return fmt.Errorf("min-io-size %d: must be a power of two >= 8", g.MinIOSize)
	}
	if g.MainLebs() < 2 {
		return fmt.Errorf("leb-count %d: too small for log span %d", g.LebCount, g.LogLebs)
	}
	return nil
}

// Load reads a geometry YAML file, applying defaults for missing fields.
func Load(path string) (Geometry, error) {
	var g Geometry
	data, err := os.ReadFile(path)
	if err != nil {
		return g, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("failed to parse config: %w", err)
	}
	g.ApplyDefaults()
	if err := g.Validate(); err != nil {
		return g, err
	}
	return g, nil
}

// Default returns the geometry used when no config file is given.
func Default() Geometry {
	var g Geometry
	g.ApplyDefaults()
	return g
}
