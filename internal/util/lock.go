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

// Package util holds small helpers shared by the CLI commands.
package util

import (
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"

	"flintfs/internal/common"
)

// LockConfig configures how long to wait for another process to release an
// image.
type LockConfig struct {
	Attempts uint          // total tries (default: 10)
	Delay    time.Duration // delay between tries (default: 100ms)
}

// DefaultLockConfig returns sensible defaults for image locking.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Attempts: 10,
		Delay:    100 * time.Millisecond,
	}
}

// LockImage takes an exclusive advisory lock on an image file, retrying
// with backoff while another process holds it. The caller must Unlock the
// returned lock.
func LockImage(path string, cfg LockConfig) (*flock.Flock, error) {
	if cfg.Attempts == 0 {
		cfg.Attempts = 10
	}
	if cfg.Delay == 0 {
		cfg.Delay = 100 * time.Millisecond
	}

	fl := flock.New(path + ".lock")
	err := retry.Do(
		func() error {
			ok, err := fl.TryLock()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !ok {
				return common.ErrLocked
			}
			return nil
		},
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return fl, nil
}
