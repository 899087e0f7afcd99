package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	expStr := "the big brown fox jumped over the lazy dog"

	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		var buf bytes.Buffer
		_, _ = io.Copy(&buf, &rb)
		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("wrap around", func(t *testing.T) {
		rb := ringBuffer{start: ringBufferSize - 2}
		_, _ = rb.Write([]byte(expStr))

		var buf bytes.Buffer
		_, _ = io.Copy(&buf, &rb)
		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps most recent data", func(t *testing.T) {
		var rb ringBuffer
		_, _ = rb.Write([]byte(strings.Repeat("x", ringBufferSize)))
		_, _ = rb.Write([]byte(expStr))

		var buf bytes.Buffer
		_, _ = io.Copy(&buf, &rb)

		if got := buf.Len(); got != ringBufferSize {
			t.Fatalf("expected to read %d bytes; got %d", ringBufferSize, got)
		}

		if !strings.HasSuffix(buf.String(), expStr) {
			t.Fatal("expected the most recent write to be preserved")
		}
	})

	t.Run("empty buffer returns EOF", func(t *testing.T) {
		var rb ringBuffer
		if _, err := rb.Read(make([]byte, 4)); err != io.EOF {
			t.Fatalf("expected io.EOF; got %v", err)
		}
	})

	t.Run("partial reads", func(t *testing.T) {
		var rb ringBuffer
		_, _ = rb.Write([]byte("abcdef"))

		p := make([]byte, 4)
		if n, _ := rb.Read(p); n != 4 || string(p) != "abcd" {
			t.Fatalf("expected to read \"abcd\"; got %q", p[:n])
		}

		if n, _ := rb.Read(p); n != 2 || string(p[:n]) != "ef" {
			t.Fatalf("expected to read \"ef\"; got %q", p[:n])
		}
	})
}
