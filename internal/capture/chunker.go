package capture

import (
	"bytes"
	"encoding/binary"
)

// Chunker accumulates mixed PCM16 samples in fixed-duration slices. The
// slicing exists purely to bound allocation growth while recording; nothing
// is delivered until the whole clip is drained at stop.
type Chunker struct {
	chunkSamples int
	current      []int16
	chunks       [][]int16
}

// NewChunker creates a chunker whose slices hold one second of audio at the
// given sample rate.
func NewChunker(sampleRate int) *Chunker {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Chunker{chunkSamples: sampleRate}
}

// Push appends a frame of samples, rolling over into a new chunk whenever
// the current one reaches one second.
func (c *Chunker) Push(frame []int16) {
	for len(frame) > 0 {
		room := c.chunkSamples - len(c.current)
		if room <= 0 {
			c.chunks = append(c.chunks, c.current)
			c.current = nil
			room = c.chunkSamples
		}
		take := room
		if take > len(frame) {
			take = len(frame)
		}
		c.current = append(c.current, frame[:take]...)
		frame = frame[take:]
	}
}

// Chunks returns the number of completed slices buffered so far.
func (c *Chunker) Chunks() int {
	return len(c.chunks)
}

// Drain concatenates every buffered slice, including the partial tail, into
// little-endian PCM16 bytes and resets the chunker.
func (c *Chunker) Drain() []byte {
	var buf bytes.Buffer
	for _, chunk := range c.chunks {
		_ = binary.Write(&buf, binary.LittleEndian, chunk)
	}
	if len(c.current) > 0 {
		_ = binary.Write(&buf, binary.LittleEndian, c.current)
	}
	c.chunks = nil
	c.current = nil
	return buf.Bytes()
}
