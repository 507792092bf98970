// Copyright (C) 2026  ulayfs-go authors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package ulayfs

import "sync"

// nonReentrantMutex guards File's growth path (File.Grow):
// growth never recurses, so a plain mutex is the right tool -- a second Lock
// from the same call chain would deadlock loudly instead of corrupting the
// meta block's NumBlocksAllocated header under a missed race.
type nonReentrantMutex struct {
	mu sync.Mutex
}

func (m *nonReentrantMutex) Lock()   { m.mu.Lock() }
func (m *nonReentrantMutex) Unlock() { m.mu.Unlock() }
