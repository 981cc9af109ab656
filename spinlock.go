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

package dflock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// TicketLock is a fair FIFO spinlock: waiters take a ticket on arrival and
// are granted the lock strictly in ticket order.  dflock leans on that
// ordering for within-bin handoff, where a plain test-and-set lock could
// starve a waiter indefinitely.
//
// The zero value is an unlocked TicketLock.
//
// Spinning yields the processor between probes rather than sleeping, so the
// lock is only appropriate for critical sections that are held briefly.
type TicketLock struct {
	// ticket is the next ticket to hand out; owner is the ticket being
	// served.  The lock is held iff they differ.  Two separate words so
	// that an owner increment can never carry into the ticket counter.
	ticket uint32
	owner  uint32
}

// Lock acquires the lock, spinning until the caller's ticket comes up.
func (l *TicketLock) Lock() {
	me := atomic.AddUint32(&l.ticket, 1) - 1
	for atomic.LoadUint32(&l.owner) != me {
		runtime.Gosched()
	}
}

// TryLock acquires the lock iff no other ticket is outstanding.  Returns
// whether the lock was taken.
func (l *TicketLock) TryLock() bool {
	owner := atomic.LoadUint32(&l.owner)
	return atomic.CompareAndSwapUint32(&l.ticket, owner, owner+1)
}

// Unlock releases the lock, granting it to the next ticket in line if one is
// waiting.  Unlocking an unheld TicketLock panics.
func (l *TicketLock) Unlock() {
	if atomic.LoadUint32(&l.owner) == atomic.LoadUint32(&l.ticket) {
		panic("dflock: Unlock of unlocked TicketLock")
	}
	atomic.AddUint32(&l.owner, 1)
}

// IsLocked reports whether the lock is currently held.  The answer can be
// stale by the time the caller looks at it.
func (l *TicketLock) IsLocked() bool {
	return atomic.LoadUint32(&l.owner) != atomic.LoadUint32(&l.ticket)
}

var _ sync.Locker = (*TicketLock)(nil)
