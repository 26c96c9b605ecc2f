package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("abcdefghijklmnopqrstuvxyzåäö나이"),
		bytes.Repeat([]byte{0xAB}, chunkSize),     // exactly one chunk
		bytes.Repeat([]byte{0xCD}, chunkSize+1),   // forces a second segment
		bytes.Repeat([]byte{0x00}, 1<<20),         // 1 MiB, many segments
		randomBytes(3*chunkSize + 17),
	}
	for _, p := range payloads {
		var buf bytes.Buffer
		if err := Send(&buf, p); err != nil {
			t.Fatalf("send %d bytes: %v", len(p), err)
		}
		got, err := Read(&buf)
		if err != nil {
			t.Fatalf("read %d bytes: %v", len(p), err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round-trip mismatch for %d bytes (got %d)", len(p), len(got))
		}
	}
}

func TestRoundTripOverPipe(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	want := []byte("abcdefghijklmnopqrstuvxyzåäö나이")

	errc := make(chan error, 1)
	go func() {
		errc <- Send(c1, want)
	}()

	got, err := Read(c2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMultiSegmentFlags(t *testing.T) {
	p := randomBytes(2*chunkSize + 100)

	var buf bytes.Buffer
	if err := Send(&buf, p); err != nil {
		t.Fatal(err)
	}

	var lasts []bool
	raw := buf.Bytes()
	for len(raw) > 0 {
		if len(raw) < headerSize {
			t.Fatal("trailing partial header")
		}
		size := binary.BigEndian.Uint32(raw[5:9])
		lasts = append(lasts, raw[9] != 0)
		raw = raw[headerSize+int(size):]
	}

	if len(lasts) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(lasts))
	}
	for i, last := range lasts {
		if want := i == len(lasts)-1; last != want {
			t.Fatalf("segment %d: last flag = %v, want %v", i, last, want)
		}
	}
}

func TestRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("GET / HTTP/1.1\r\n\r\n")))
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("got %v, want ErrProtocolMismatch", err)
	}
}

func TestRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := Send(&buf, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	b[4] = 9

	_, err := Read(bytes.NewReader(b))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Send(&buf, []byte("some payload that will be cut short")); err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{1, headerSize - 1, headerSize, headerSize + 5} {
		_, err := Read(bytes.NewReader(buf.Bytes()[:n]))
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("prefix of %d bytes: got %v, want ErrTruncated", n, err)
		}
	}
}

func TestEmptyStreamProbe(t *testing.T) {
	got, err := Read(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("got %v, want nil error on clean EOF", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want empty", len(got))
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}
