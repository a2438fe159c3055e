package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

type chunkReader struct {
	chunks [][]byte
	closed bool
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

func collect(t *testing.T, src io.ReadCloser) ([]string, error) {
	t.Helper()
	var out []string
	for frame, err := range Frames(src) {
		if err != nil {
			return out, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func TestFramesSplitsOnBlankLines(t *testing.T) {
	body := "data: {\"text\":\"a\"}\n\n: comment\nevent: message\ndata: {\"text\":\"b\"}\n\ndata: [DONE]\n\n"
	src := &chunkReader{chunks: [][]byte{[]byte(body)}}

	frames, err := collect(t, src)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 || frames[0] != `{"text":"a"}` || frames[1] != `{"text":"b"}` {
		t.Fatalf("unexpected frames %q", frames)
	}
	if !src.closed {
		t.Fatalf("expected source to be closed")
	}
}

func TestFramesKeepsMultibyteRunesAcrossChunks(t *testing.T) {
	body := []byte("data: {\"text\":\"翻译\"}\n\n")
	// Split inside the first multi-byte rune.
	cut := strings.Index(string(body), "翻") + 1
	src := &chunkReader{chunks: [][]byte{body[:cut], body[cut:]}}

	frames, err := collect(t, src)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 1 || frames[0] != `{"text":"翻译"}` {
		t.Fatalf("unexpected frames %q", frames)
	}
}

func TestFramesDropsUnterminatedTail(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{[]byte("data: one\n\ndata: two\n")}}
	frames, err := collect(t, src)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 1 || frames[0] != "one" {
		t.Fatalf("unexpected frames %q", frames)
	}
}

func TestFramesJoinsDataLinesAndHandlesCRLF(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{[]byte("data:first\r\ndata: second\r\n\r\n")}}
	frames, err := collect(t, src)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 1 || frames[0] != "first\nsecond" {
		t.Fatalf("unexpected frames %q", frames)
	}
}

func TestFramesClosesSourceOnEarlyBreak(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{[]byte("data: 1\n\ndata: 2\n\ndata: 3\n\n")}}
	for frame := range Frames(src) {
		if frame == "1" {
			break
		}
	}
	if !src.closed {
		t.Fatalf("expected source to be released after break")
	}
}

func TestFramesReportsReadError(t *testing.T) {
	boom := errors.New("connection reset")
	src := &chunkReader{chunks: [][]byte{[]byte("data: 1\n\n")}, err: boom}
	frames, err := collect(t, src)
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames before the error should be delivered, got %q", frames)
	}
}
