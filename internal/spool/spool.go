// Package spool provides a write buffer that stays in memory up to a
// threshold and spills to a temporary file beyond it.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

const filePattern = "loqa_julius_*.spool"

var ErrClosed = errors.New("spool: buffer closed")

// Buffer is not safe for concurrent writers.
type Buffer struct {
	threshold int
	dir       string
	mem       bytes.Buffer
	file      *os.File
	size      int64
	closed    bool
}

// New returns a buffer spilling to dir (os.TempDir when empty) once more than
// threshold bytes have been written. A threshold of 0 spills on first write.
func New(threshold int, dir string) *Buffer {
	if threshold < 0 {
		threshold = 0
	}
	return &Buffer{threshold: threshold, dir: dir}
}

func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.file == nil && b.mem.Len()+len(p) > b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}
	var (
		n   int
		err error
	)
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

// ReadFrom lets io.Copy stream into the buffer without an intermediate copy.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			w, werr := b.Write(chunk[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp(b.dir, filePattern)
	if err != nil {
		return fmt.Errorf("spool temp file: %w", err)
	}
	if _, err := f.Write(b.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("spool spill: %w", err)
	}
	b.file = f
	b.mem.Reset()
	return nil
}

// Size reports the number of bytes written so far.
func (b *Buffer) Size() int64 { return b.size }

// Spilled reports whether the contents moved to disk.
func (b *Buffer) Spilled() bool { return b.file != nil }

// Reader returns a reader over everything written so far, starting at offset 0.
// Writing after calling Reader invalidates the returned reader.
func (b *Buffer) Reader() (io.ReadSeeker, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.file == nil {
		return bytes.NewReader(b.mem.Bytes()), nil
	}
	return io.NewSectionReader(b.file, 0, b.size), nil
}

// Bytes materialises the full contents.
func (b *Buffer) Bytes() ([]byte, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Close releases the temp file, if any. It is safe to call more than once.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem.Reset()
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	closeErr := b.file.Close()
	b.file = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}
