// Package blobbuffer implements a write-once, read-many byte container
// for a single inbound or outbound blob, with two implementations
// selected by the fastcdc.ondisk config: an in-memory form and a
// temp-file-backed form. Both satisfy the same Buffer interface so the
// filter driver never has to know which one it is holding.
//
// The on-disk form opens a temp file, writes through it, and releases
// it on Close. There is no permanent name -- a request's blob buffer is
// always ephemeral -- so Close always removes the temp file rather than
// renaming it to a permanent path.
package blobbuffer

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"

	"github.com/t7a/git-fastcdc/ferrors"
)

// Buffer is the uniform capability set a request's blob needs: append,
// length, read-all, a streaming reader for the chunker, and close.
type Buffer interface {
	// Append adds p to the end of the buffer.
	Append(p []byte) error
	// Len returns the number of bytes appended so far.
	Len() int64
	// ReadAll returns the entire buffer contents. Callers on the
	// on-disk path should prefer Reader() to avoid materializing large
	// blobs entirely in memory.
	ReadAll() ([]byte, error)
	// Reader returns a fresh io.Reader positioned at the start of the
	// buffer, suitable for streaming into the chunker.
	Reader() (io.Reader, error)
	// Close releases the buffer's resources. Safe to call multiple
	// times and safe to call after a partial/failed Append sequence.
	Close() error
}

// memoryBuffer holds the whole blob in a growable byte slice.
type memoryBuffer struct {
	buf bytes.Buffer
}

// NewMemory returns an in-memory Buffer, used when fastcdc.ondisk is
// false (the default).
func NewMemory() Buffer {
	return &memoryBuffer{}
}

func (b *memoryBuffer) Append(p []byte) error {
	_, err := b.buf.Write(p)
	return err
}

func (b *memoryBuffer) Len() int64 { return int64(b.buf.Len()) }

func (b *memoryBuffer) ReadAll() ([]byte, error) {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out, nil
}

func (b *memoryBuffer) Reader() (io.Reader, error) {
	return bytes.NewReader(b.buf.Bytes()), nil
}

func (b *memoryBuffer) Close() error {
	b.buf.Reset()
	return nil
}

// diskBuffer holds the blob in a uniquely named temp file under dir,
// opened read+write.
type diskBuffer struct {
	dir  string
	fh   *os.File
	size int64
}

// NewDisk creates an on-disk Buffer rooted at dir (normally the
// repository's .git directory, passed in by the gateway so temp files
// land on the same filesystem as the repository).
func NewDisk(dir string) (Buffer, error) {
	fh, err := ioutil.TempFile(dir, "git-fastcdc-*.blob")
	if err != nil {
		return nil, &ferrors.IOError{Op: "create temp blob file", Err: err}
	}
	return &diskBuffer{dir: dir, fh: fh}, nil
}

func (b *diskBuffer) Append(p []byte) error {
	n, err := b.fh.Write(p)
	b.size += int64(n)
	if err != nil {
		return &ferrors.IOError{Op: "write temp blob file", Err: err}
	}
	return nil
}

func (b *diskBuffer) Len() int64 { return b.size }

func (b *diskBuffer) ReadAll() ([]byte, error) {
	if _, err := b.fh.Seek(0, io.SeekStart); err != nil {
		return nil, &ferrors.IOError{Op: "seek temp blob file", Err: err}
	}
	buf, err := ioutil.ReadAll(b.fh)
	if err != nil {
		return nil, &ferrors.IOError{Op: "read temp blob file", Err: err}
	}
	return buf, nil
}

func (b *diskBuffer) Reader() (io.Reader, error) {
	if _, err := b.fh.Seek(0, io.SeekStart); err != nil {
		return nil, &ferrors.IOError{Op: "seek temp blob file", Err: err}
	}
	return b.fh, nil
}

// Close closes and unlinks the temp file. It is safe to call on every
// exit path -- including after a failed Append -- so the driver's
// request handler can defer Close unconditionally.
func (b *diskBuffer) Close() error {
	if b.fh == nil {
		return nil
	}
	closeErr := b.fh.Close()
	name := b.fh.Name()
	b.fh = nil
	removeErr := os.Remove(name)
	if removeErr != nil && !os.IsNotExist(removeErr) {
		if closeErr != nil {
			return errors.Wrapf(closeErr, "also failed to remove %s: %v", name, removeErr)
		}
		return &ferrors.IOError{Op: "remove temp blob file", Err: removeErr}
	}
	if closeErr != nil {
		return &ferrors.IOError{Op: "close temp blob file", Err: closeErr}
	}
	return nil
}

// IterWindows returns the buffer's content in bounded-size slices,
// reading through b.Reader() rather than materializing the whole blob.
// Useful for callers (such as a streaming manifest writer) that want
// bounded memory without going through the chunker.
func IterWindows(b Buffer, windowSize int, fn func([]byte) error) error {
	if windowSize <= 0 {
		windowSize = 64 * 1024
	}
	rd, err := b.Reader()
	if err != nil {
		return err
	}
	buf := make([]byte, windowSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &ferrors.IOError{Op: "iterate blob buffer windows", Err: err}
		}
	}
}
