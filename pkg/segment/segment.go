// Package segment frames logical messages as length-delimited segments on a
// reliable byte stream.
//
// A segment consists of a 4-byte magic (0xDE0EC0E1, big-endian), a 1-byte
// protocol version (currently 0), a 4-byte big-endian payload length, a 1-byte
// last-segment flag, and the payload itself. A logical message is the
// concatenation of the payloads of a consecutive run of segments ending with
// the first one whose last-segment flag is set.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic identifies a segment header. It is not a delimiter; it exists to
	// catch faulty reads early.
	Magic uint32 = 0xDE0EC0E1

	// Version is the only protocol version this implementation speaks.
	Version uint8 = 0

	headerSize = 10

	// chunkSize bounds the payload of a single emitted segment so neither
	// side needs to buffer an entire oversized message per segment.
	chunkSize = 16 * 1024
)

var (
	ErrProtocolMismatch   = errors.New("segment: magic does not match")
	ErrUnsupportedVersion = errors.New("segment: unsupported protocol version")
	ErrTruncated          = errors.New("segment: stream closed mid-segment")
)

func putHeader(b []byte, size uint32, last bool) {
	binary.BigEndian.PutUint32(b[0:4], Magic)
	b[4] = Version
	binary.BigEndian.PutUint32(b[5:9], size)
	if last {
		b[9] = 1
	} else {
		b[9] = 0
	}
}

// Send writes p as one or more segments to w. Only the final segment carries
// the last-segment flag. An empty p is sent as a single empty final segment.
func Send(w io.Writer, p []byte) error {
	var hdr [headerSize]byte
	for {
		n := len(p)
		if n > chunkSize {
			n = chunkSize
		}
		last := n == len(p)

		putHeader(hdr[:], uint32(n), last)

		// note: a single write per segment keeps segments contiguous on the
		// wire even if w is shared with a deadline-setting wrapper
		buf := make([]byte, 0, headerSize+n)
		buf = append(buf, hdr[:]...)
		buf = append(buf, p[:n]...)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("segment: write: %w", err)
		}

		if last {
			return nil
		}
		p = p[n:]
	}
}

// Read reads segments from r until one with the last-segment flag is seen and
// returns the concatenated payloads.
//
// A clean EOF before the first header byte of the first segment returns an
// empty payload and no error; higher layers use this as a liveness probe. A
// stream that closes anywhere else returns ErrTruncated. Deadline errors from
// the underlying transport are passed through unchanged.
func Read(r io.Reader) ([]byte, error) {
	var msg bytes.Buffer
	for first := true; ; first = false {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF && first && msg.Len() == 0 {
				return nil, nil
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrTruncated
			}
			return nil, err
		}

		if m := binary.BigEndian.Uint32(hdr[0:4]); m != Magic {
			return nil, fmt.Errorf("%w: got %#08x", ErrProtocolMismatch, m)
		}
		if v := hdr[4]; v != Version {
			return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, v)
		}

		size := binary.BigEndian.Uint32(hdr[5:9])
		last := hdr[9] != 0

		if size > 0 {
			if _, err := io.CopyN(&msg, r, int64(size)); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return nil, ErrTruncated
				}
				return nil, err
			}
		}

		if last {
			return msg.Bytes(), nil
		}
	}
}
