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
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"flintfs/internal/config"
	"flintfs/internal/util"
)

var mkfsConfigPath string

var mkfsCmd = &cobra.Command{
	Use:   "mkfs IMAGE",
	Short: "Create a new FlintFS image",
	Long: `Create a FlintFS image file: superblock, empty log and an index holding
only the root directory.

Geometry comes from a YAML config file, with defaults for missing fields:

  leb-size: 131072
  leb-count: 64
  fanout: 8
  log-lebs: 4
  jhead-count: 3
  min-io-size: 8

Examples:
  flintfs mkfs disk.img
  flintfs mkfs --config geometry.yaml disk.img`,
	Args: cobra.ExactArgs(1),
	RunE: runMkfs,
}

func init() {
	mkfsCmd.Flags().StringVarP(&mkfsConfigPath, "config", "c", "", "geometry YAML file")
	rootCmd.AddCommand(mkfsCmd)
}

func runMkfs(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	geo := config.Default()
	if mkfsConfigPath != "" {
		if geo, err = config.Load(mkfsConfigPath); err != nil {
			return err
		}
	}

	lock, err := util.LockImage(path, util.DefaultLockConfig())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	sb, err := CreateImage(osfs.New(filepath.Dir(path)), filepath.Base(path), geo)
	if err != nil {
		return err
	}

	fmt.Printf("Created %s\n", path)
	fmt.Printf("  uuid:        %s\n", sb.UUID)
	fmt.Printf("  eraseblocks: %d x %d bytes (%d log, %d main)\n",
		geo.LebCount, geo.LebSize, geo.LogLebs, geo.MainLebs())
	fmt.Printf("  fanout:      %d\n", geo.Fanout)
	return nil
}
