// Copyright 2021 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package dflock implements a deadline-first lock, a mutual exclusion lock
// whose scheduling discipline is "earliest deadline first" among the
// goroutines contending for it.
//
// A conventional mutex grants itself in whatever order its waiters happen to
// arrive (or in whatever order the scheduler shakes them out).  That is the
// right default when all critical sections are equally urgent, but some
// workloads know more than that: a soft-realtime event loop, a batch writer
// racing a flush interval, a request handler with a latency budget.  Each
// contender in such a system can name the point in time by which it would
// *like* to be inside the critical section.  dflock uses that hint to decide
// who goes next.
//
// Deadlines here are purely advisory.  Missing one is not an error and is not
// even detected; a deadline is a priority, not a timeout, and Lock never
// fails or gives up.
//
// ## How it works
//
// Time is divided into a ring of 32 bins, each bin_granularity ticks wide.
// The ring is periodic with period round_size = 32 * granularity, so a
// deadline selects a bin the way the minute hand selects a number on a clock
// face.  A goroutine acquiring the lock is appended to the bin its deadline
// falls in: deadlines already in the past land in the current bin (they are
// maximally urgent), deadlines more than a full round away land in the bin
// just behind the current one (the farthest position the ring can express),
// and everything in between lands where it falls.
//
// Each bin holds a small amount of state:
//
//   - a fair FIFO spinlock serializing the goroutines that hashed to it,
//   - an "active" flag, set only on the bin whose holder owns the global lock,
//   - a contention count of goroutines still working their way in.
//
// One atomic word ties the bins together:
//
//	|31                                  0|
//	 \  one "occupied" bit per bin       /
//
// A set bit means "at least one goroutine is inside or waiting at this bin".
// Acquisition takes the bin spinlock, then sets the bin's occupied bit with a
// CAS loop.  Whoever flips the mask from zero to nonzero owns the global lock
// outright; everyone else spins on their bin's active flag.  Release clears
// the holder's active flag, drops the bin's occupied bit if nobody else is
// attached there, and then scans the mask — starting from the bin the current
// time falls in and wrapping forward — activating the first occupied bin it
// finds.  The scan order is what makes the lock deadline-first: the occupied
// bin nearest the present wins.
//
// Each bin moves through three states:
//
//	+----------+----------------------------------------------+-----------+
//	| From     | When                                         | To        |
//	+----------+----------------------------------------------+-----------+
//	| IDLE     | acquirer's CAS flips the mask from zero      | ACTIVE    |
//	| IDLE     | acquirer sets its bit; another bin owns lock | WAITING   |
//	| WAITING  | a release's scan selects this bin            | ACTIVE    |
//	| ACTIVE   | release; bin empty, no other bin occupied    | IDLE      |
//	| ACTIVE   | release; another occupied bin selected       | WAITING   |
//	| ACTIVE   | release; bin still contended, none other set | ACTIVE    |
//	+----------+----------------------------------------------+-----------+
//
// The last transition is the within-bin handoff: the releaser's successor was
// already queued on the bin's FIFO spinlock, so the occupied bit never
// clears and the lock never goes idle in between.
//
// Fairness across bins is earliest-deadline-first at each release; fairness
// within a bin is the FIFO order of the bin's ticket lock.  The lock does not
// provide strict FIFO across bins, reader-writer modes, reentrancy, or
// cancellation.
//
// The zero value of Mutex is not usable; construct one with New or
// NewWithClock.  The acquire and release paths perform no heap allocation.
package dflock

import (
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/petermattis/goid"
	"golang.org/x/sys/cpu"
)

// BinCount is the number of deadline bins in the ring.  It matches the width
// of the occupancy bitmask and cannot be configured.
const BinCount = 32

// bin is one slot of the deadline ring.  The three fields are written by
// different goroutines on the hot path, so each sits on its own cache line.
type bin struct {
	lock TicketLock
	_    cpu.CacheLinePad

	// active is 1 iff the holder of this bin's spinlock also holds the
	// global lock.
	active uint32
	_      cpu.CacheLinePad

	// contentionCount is the number of goroutines that have entered Lock
	// for this bin and not yet acquired its spinlock.
	contentionCount uint32
	_               cpu.CacheLinePad
}

// Mutex is a deadline-first lock.  Multiple independent Mutexes are fully
// supported; there is no process-wide state.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	// occupiedBins has bit i set iff bins[i] has at least one goroutine
	// attached (holder or waiter).  Written only with CAS.
	occupiedBins uint32
	_            cpu.CacheLinePad

	granularity uint32

	// lastUsedBin is the bin whose goroutine currently owns the lock.
	// Meaningful only while the lock is held.
	lastUsedBin uint32

	// holder is the goroutine id of the current owner, for catching
	// mismatched Unlock calls.
	holder int64

	now TickFunc

	bins [BinCount]bin
}

// New returns a Mutex whose bins are granularity ticks wide, measured
// against the package's default monotonic nanosecond clock.  Panics if
// granularity is zero.
func New(granularity uint32) *Mutex {
	return NewWithClock(granularity, monotonicTicks)
}

// NewWithClock is New with a caller-supplied time source.  The units of now
// are the caller's choice but must be the units granularity is expressed in.
func NewWithClock(granularity uint32, now TickFunc) *Mutex {
	if granularity == 0 {
		panic("dflock: bin granularity must be greater than zero")
	}
	if now == nil {
		panic("dflock: nil tick source")
	}
	return &Mutex{granularity: granularity, now: now}
}

// roundSize is the period of the bin ring.  granularity is 32 bits and
// BinCount is 32, so the product always fits a uint64.
func (m *Mutex) roundSize() uint64 {
	return uint64(m.granularity) * BinCount
}

// ComputeBin maps an instant to the bin it falls in.  It is pure: the result
// depends only on the deadline and the lock's granularity.
func (m *Mutex) ComputeBin(deadline uint64) uint32 {
	return uint32((deadline % m.roundSize()) / uint64(m.granularity))
}

// computeInsertBin picks the bin a deadline should wait in, relative to the
// current time.  A deadline already in the past is maximally urgent and maps
// to the current bin; a deadline more than a round away cannot be
// represented on the ring and maps to the bin just behind the current one,
// the last position the release scan reaches.
func (m *Mutex) computeInsertBin(deadline uint64) uint32 {
	now := m.now()

	switch {
	case now >= deadline:
		return m.ComputeBin(now)
	case deadline-now > m.roundSize():
		return (m.ComputeBin(now) + BinCount - 1) % BinCount
	default:
		return m.ComputeBin(deadline)
	}
}

// nextBin scans the occupancy mask for the bin that should run next,
// starting from the bin the current time falls in and wrapping forward.
// Returns -1 if no bin is occupied.
func (m *Mutex) nextBin() int {
	occupied := atomic.LoadUint32(&m.occupiedBins)
	if occupied == 0 {
		return -1
	}

	start := m.ComputeBin(m.now())
	for u := uint32(0); u < BinCount; u++ {
		b := (start + u) % BinCount
		if occupied&(1<<b) != 0 {
			return int(b)
		}
	}

	// Unreachable: occupied was nonzero and the scan covers every bit.
	return -1
}

// setOccupied sets bit i in the occupancy mask and reports the mask value
// observed immediately before this goroutine's successful CAS.
func (m *Mutex) setOccupied(i uint32) uint32 {
	for {
		occupied := atomic.LoadUint32(&m.occupiedBins)
		if atomic.CompareAndSwapUint32(&m.occupiedBins, occupied, occupied|1<<i) {
			return occupied
		}
	}
}

// clearOccupied clears bit i in the occupancy mask.
func (m *Mutex) clearOccupied(i uint32) {
	mask := ^(uint32(1) << i)
	for {
		occupied := atomic.LoadUint32(&m.occupiedBins)
		if atomic.CompareAndSwapUint32(&m.occupiedBins, occupied, occupied&mask) {
			return
		}
	}
}

// Lock blocks until the calling goroutine holds the lock.  Contenders are
// granted the lock approximately in deadline order; see the package
// documentation for the exact discipline.  The deadline is a scheduling hint
// in the units of the lock's clock, not a timeout, and may already have
// passed.
func (m *Mutex) Lock(deadline uint64) {
	i := m.computeInsertBin(deadline)
	b := &m.bins[i]

	// The contention count must be visible before we queue on the bin
	// spinlock: the releaser reads it to decide whether the occupied bit
	// may be cleared.
	atomic.AddUint32(&b.contentionCount, 1)
	b.lock.Lock()
	atomic.AddUint32(&b.contentionCount, ^uint32(0))

	prev := m.setOccupied(i)

	if prev == 0 {
		// Our CAS took the mask from zero to nonzero: the lock was
		// idle and is now ours.
		atomic.StoreUint32(&b.active, 1)
	} else {
		// Another bin's goroutine owns the lock; wait for a releaser
		// to activate this bin.
		for atomic.LoadUint32(&b.active) == 0 {
			runtime.Gosched()
		}
	}

	// Record which bin took the lock so Unlock knows what to deactivate.
	atomic.StoreUint32(&m.lastUsedBin, i)
	atomic.StoreInt64(&m.holder, goid.Get())
}

// Unlock releases the lock and hands it to the waiting bin nearest the
// current time, if any.  It must be called by the goroutine that locked the
// Mutex; anything else panics.
func (m *Mutex) Unlock() {
	if atomic.LoadInt64(&m.holder) != goid.Get() {
		panic("dflock: Unlock of Mutex not held by calling goroutine")
	}
	atomic.StoreInt64(&m.holder, 0)

	i := atomic.LoadUint32(&m.lastUsedBin)
	b := &m.bins[i]

	atomic.StoreUint32(&b.active, 0)

	// If nobody else is queued on this bin we can mark it unoccupied.  A
	// goroutine may bump contentionCount right after this load; it is
	// still stuck on the bin spinlock below, and once through it will
	// re-set the bit itself and self-promote off the zero mask.
	if atomic.LoadUint32(&b.contentionCount) == 0 {
		m.clearOccupied(i)
	}

	b.lock.Unlock()

	// Activate the next bin, which may be the one just released if its
	// successor was already queued on the bin spinlock.
	if next := m.nextBin(); next >= 0 {
		atomic.StoreUint32(&m.bins[next].active, 1)
	}
}

// String renders the occupancy mask, the last bin to take the lock, and the
// bin width.  It reads the lock's state without synchronization and is meant
// for debugging output only.
func (m *Mutex) String() string {
	occupied := atomic.LoadUint32(&m.occupiedBins)
	return fmt.Sprintf("%032s [bin %d] granularity %d",
		strconv.FormatUint(uint64(occupied), 2),
		atomic.LoadUint32(&m.lastUsedBin),
		m.granularity,
	)
}
