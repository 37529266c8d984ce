// Package buffer implements the chunked zero-copy destination buffer
// named as an external collaborator in spec §1/§6. A Buffer owns a
// sequence of Chunks, each backed by a driver-owned payload; closing
// the buffer runs exactly one release callback per acquired payload,
// satisfying invariant 6 of spec §3.
package buffer

// Chunk is one driver-owned span of bytes appended or prepended to a
// Buffer, along with the release closure that returns its backing
// storage to the driver that produced it.
type Chunk struct {
	Data    []byte
	release func()
}

// Buffer is the destination-buffer contract inbound message
// reassembly writes into: chunks accumulate in order, and on Close
// every chunk's release fires exactly once.
type Buffer interface {
	// AppendChunk adds data to the end of the buffer, taking
	// ownership: release will be called exactly once, when the buffer
	// is closed.
	AppendChunk(data []byte, release func())

	// PrependChunk adds data to the front of the buffer under the
	// same ownership rules as AppendChunk.
	PrependChunk(data []byte, release func())

	// Bytes returns the concatenated contents of every chunk in
	// order. The returned slice is owned by the caller; further
	// appends do not alias it.
	Bytes() []byte

	// Len returns the total number of bytes across all chunks.
	Len() int

	// Close releases every chunk's backing payload exactly once. It
	// is idempotent.
	Close()
}

// ChunkedBuffer is the concrete Buffer implementation used throughout
// this module's inbound message reassembly.
type ChunkedBuffer struct {
	chunks []Chunk
	size   int
	closed bool
}

// New constructs an empty ChunkedBuffer.
func New() *ChunkedBuffer {
	return &ChunkedBuffer{}
}

func (b *ChunkedBuffer) AppendChunk(data []byte, release func()) {
	b.chunks = append(b.chunks, Chunk{Data: data, release: release})
	b.size += len(data)
}

func (b *ChunkedBuffer) PrependChunk(data []byte, release func()) {
	b.chunks = append([]Chunk{{Data: data, release: release}}, b.chunks...)
	b.size += len(data)
}

func (b *ChunkedBuffer) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c.Data...)
	}
	return out
}

func (b *ChunkedBuffer) Len() int {
	return b.size
}

func (b *ChunkedBuffer) Close() {
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.chunks {
		if c.release != nil {
			c.release()
		}
	}
	b.chunks = nil
	b.size = 0
}
