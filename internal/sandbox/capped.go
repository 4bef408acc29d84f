package sandbox

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps at most max bytes and remembers whether more arrived.
// Writes never fail so the child does not see EPIPE; onOverflow fires once
// on the first byte past the cap.
type cappedBuffer struct {
	max        int64
	buf        bytes.Buffer
	overflow   bool
	onOverflow func()
	mu         sync.Mutex
}

func newCappedBuffer(max int64, onOverflow func()) *cappedBuffer {
	return &cappedBuffer{max: max, onOverflow: onOverflow}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.max - int64(c.buf.Len())
	if int64(len(p)) <= remaining {
		_, _ = c.buf.Write(p)
		return len(p), nil
	}
	if remaining > 0 {
		_, _ = c.buf.Write(p[:remaining])
	}
	if !c.overflow {
		c.overflow = true
		if c.onOverflow != nil {
			c.onOverflow()
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

func (c *cappedBuffer) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflow
}
