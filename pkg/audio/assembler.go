// Package audio accumulates the ordered binary fragments of one turn's
// audio reply and produces a single finished buffer. It performs no
// transcoding; converting the buffer into a delivery container is a
// downstream concern.
package audio

import (
	"sync"

	"github.com/voxbridge-ai/voxbridge/pkg/agent/protocol"
)

// Buffer is a finished audio reply with its declared sample format.
type Buffer struct {
	Data   []byte
	Format protocol.AudioFormat
}

// Assembler concatenates audio fragments strictly in arrival order.
// Fragments are meaningless in isolation; only the concatenation can be
// interpreted under the declared format.
//
// The zero-fragment case is not an error: some turns are text-only, and
// Finalize reports "no audio" by returning a nil Buffer.
type Assembler struct {
	mu     sync.Mutex
	format protocol.AudioFormat
	data   []byte
	count  int
}

// NewAssembler creates an assembler for the session-negotiated format.
func NewAssembler(format protocol.AudioFormat) *Assembler {
	return &Assembler{format: format}
}

// Format returns the declared sample format.
func (a *Assembler) Format() protocol.AudioFormat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.format
}

// SetFormat replaces the declared format. Used when init_metadata
// arrives after the assembler was constructed.
func (a *Assembler) SetFormat(format protocol.AudioFormat) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.format = format
}

// Reset discards all accumulated fragments. Called at the start of each
// turn and when an interruption supersedes the turn in flight.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = nil
	a.count = 0
}

// Append adds one fragment in arrival order. No reordering, no
// deduplication; the backend guarantees order on the wire.
func (a *Assembler) Append(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = append(a.data, fragment...)
	a.count++
}

// SetComplete replaces the accumulated data with a single finished
// buffer. Used when audio comes from a request/response synthesis call
// instead of the stream.
func (a *Assembler) SetComplete(buf []byte, format protocol.AudioFormat) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = append([]byte(nil), buf...)
	a.format = format
	a.count = 1
}

// FragmentCount returns the number of fragments appended since the last
// reset.
func (a *Assembler) FragmentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Finalize returns the assembled buffer, or nil if no audio arrived for
// this turn. A nil buffer is a valid text-only outcome, not a failure.
func (a *Assembler) Finalize() *Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.data) == 0 {
		return nil
	}
	out := make([]byte, len(a.data))
	copy(out, a.data)
	return &Buffer{Data: out, Format: a.format}
}
