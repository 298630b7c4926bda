package cluster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single frame so a corrupt length prefix cannot
// make a reader allocate unbounded memory.
const maxFrameBytes = 64 << 20

// frameWriter serializes concurrent writers onto one connection: every
// Call/respond goroutine shares the same net.Conn, so writes are
// interleaved at the frame boundary, never mid-frame.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (fw *frameWriter) writeFrame(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cluster: encode frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("cluster: frame of %d bytes exceeds %d byte limit", len(body), maxFrameBytes)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := fw.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("cluster: write frame length: %w", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return fmt.Errorf("cluster: write frame body: %w", err)
	}
	return nil
}

// frameReader reads successive length-prefixed frames from one connection.
// Unlike frameWriter it is not safe for concurrent use — each connection has
// exactly one read loop.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 32*1024)}
}

func (fr *frameReader) readFrame(v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameBytes {
		return fmt.Errorf("cluster: frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return fmt.Errorf("cluster: read frame body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
