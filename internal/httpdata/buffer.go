package httpdata

// BufferList accumulates body chunks without copying on append. Size is
// tracked so cap checks don't walk the chunks.
type BufferList struct {
	chunks [][]byte
	size   int
}

// Append adds a chunk. Empty chunks are ignored.
func (b *BufferList) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, p)
	b.size += len(p)
}

// Size returns the total byte count.
func (b *BufferList) Size() int {
	return b.size
}

// Clear drops all chunks.
func (b *BufferList) Clear() {
	b.chunks = nil
	b.size = 0
}

// Bytes returns the concatenated contents without consuming them.
func (b *BufferList) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Take returns the concatenated contents and empties the list.
func (b *BufferList) Take() []byte {
	out := b.Bytes()
	b.Clear()
	return out
}
