package bridge

import (
	"bufio"
	"bytes"
	"fmt"
)

// readHeaderBlock reads a request or response header block off br one
// line at a time, stopping at the terminating blank line, and returns the
// exact bytes consumed (status/request line plus every header line,
// including the blank line itself).
//
// It deliberately avoids a speculative br.Peek(n): Peek blocks until n
// bytes are buffered or the underlying reader reports an error, so asking
// it to peek further ahead than a short request or response actually
// extends would stall on a live connection that has nothing more to send
// until it sees a reply — the client is waiting on us, we'd be waiting on
// it. ReadSlice only waits for the next '\n', so it returns as soon as
// the header block's actual end is seen.
func readHeaderBlock(br *bufio.Reader, max, maxLines int) ([]byte, error) {
	var buf bytes.Buffer
	for lines := 0; ; lines++ {
		if lines > maxLines {
			return nil, ErrHeaderTooLarge
		}
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			buf.Write(line)
		}
		if err != nil {
			if err == bufio.ErrBufferFull {
				return nil, ErrHeaderTooLarge
			}
			return nil, fmt.Errorf("bridge: read header block: %w", err)
		}
		if buf.Len() > max {
			return nil, ErrHeaderTooLarge
		}
		if string(line) == "\r\n" || string(line) == "\n" {
			return buf.Bytes(), nil
		}
	}
}
