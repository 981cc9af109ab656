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

import "time"

// TickFunc is a monotonic time source.  Successive calls must return
// nondecreasing values; the units are the caller's choice, as long as bin
// granularities and deadlines handed to the same Mutex use them too.
type TickFunc func() uint64

// DefaultGranularity is a reasonable bin width, 10ms, in the nanosecond
// units of the default clock.
const DefaultGranularity uint32 = 10_000_000

var processStart = time.Now()

// monotonicTicks is the default clock: nanoseconds elapsed since process
// start, read from the runtime's monotonic clock.
func monotonicTicks() uint64 {
	return uint64(time.Since(processStart))
}
