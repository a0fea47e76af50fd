package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf    bytes.Buffer
		expStr = "the big brown fox jumped over the lazy dog"
		rb     ringBuffer
	)

	t.Run("read/write", func(t *testing.T) {
		rb.wIndex, rb.rIndex = 0, 0
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		buf.Reset()
		if _, err = io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("write wraps around", func(t *testing.T) {
		rb.wIndex, rb.rIndex = ringBufferSize-4, ringBufferSize-4
		if _, err := rb.Write([]byte(expStr)); err != nil {
			t.Fatal(err)
		}

		buf.Reset()
		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps newest bytes", func(t *testing.T) {
		rb.wIndex, rb.rIndex = 0, 0
		data := bytes.Repeat([]byte{'a'}, ringBufferSize)
		data = append(data, []byte("tail")...)
		if _, err := rb.Write(data); err != nil {
			t.Fatal(err)
		}

		buf.Reset()
		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		got := buf.Bytes()
		if len(got) != ringBufferSize-1 {
			t.Fatalf("expected to read %d bytes; got %d", ringBufferSize-1, len(got))
		}
		if !bytes.HasSuffix(got, []byte("tail")) {
			t.Fatal("expected most recent writes to be retained")
		}
	})

	t.Run("empty buffer", func(t *testing.T) {
		rb.wIndex, rb.rIndex = 3, 3
		if n, err := rb.Read(make([]byte, 8)); n != 0 || err != io.EOF {
			t.Fatalf("expected (0, io.EOF); got (%d, %v)", n, err)
		}
	})
}
