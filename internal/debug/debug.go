// Package debug is a thread-safe binary logger for this freestanding
// hypervisor image. Each log line carries a timestamp, a source tag, and a
// message; callers install one process-wide io.WriterAt/io.Closer (this
// image's UART transmit register, see internal/hypervisor/log.go) and every
// Write/Writef call appends its encoded entry at an atomically-advancing
// offset, so concurrent HARTs logging through the same installed writer
// never interleave a partial entry.
//
// The binary format is:
//   - 2 bytes type (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//   - messageLength bytes message
//
// There is no reader side: a freestanding image has no filesystem to read
// a log back from, and nothing in this tree consumes its own log output.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type write struct {
	off  int64
	data []byte
}

// logStructuredBuffer is an in-memory Writer, used by this package's own
// tests in place of a real UART/file backing.
type logStructuredBuffer struct {
	data    sync.Map
	maxSize atomic.Int64
}

func (b *logStructuredBuffer) WriteAt(p []byte, off int64) (n int, err error) {
	b.data.Store(off, write{
		off:  off,
		data: append([]byte{}, p...),
	})
	val := b.maxSize.Load()
	if val < int64(len(p))+off {
		for {
			if b.maxSize.CompareAndSwap(val, int64(len(p))+off) {
				break
			}
			val = b.maxSize.Load()
		}
	}
	return len(p), nil
}

func (b *logStructuredBuffer) Close() error { return nil }

// Bytes returns the buffer's contents as a flat byte slice, for tests that
// want to decode entries back out without a reader subsystem.
func (b *logStructuredBuffer) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(key, value any) bool {
		off := key.(int64)
		w := value.(write)
		copy(data[off:off+int64(len(w.data))], w.data)
		return true
	})
	return data
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// Open installs w as the process-wide log destination. The error is a
// warning, not a failure: it reports that a writer was already installed
// (expected once more than one HART has booted) and has been discarded in
// favor of w.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

type DebugKind uint16

const (
	DebugKindInvalid DebugKind = iota
	DebugKindBytes
	DebugKindString
)

func encodeHeader(kind DebugKind, source string, data []byte) ([]byte, int64) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header, int64(len(source) + len(data) + 16)
}

func writeBytes(kind DebugKind, source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	header, size := encodeHeader(kind, source, data)
	off := offset.Add(uint64(size)) - uint64(size)
	if _, err := fh.w.WriteAt(header, int64(off)); err != nil {
		panic(err)
	}
	// write source after the header
	if _, err := fh.w.WriteAt([]byte(source), int64(off)+16); err != nil {
		panic(err)
	}
	// write data after the source
	if _, err := fh.w.WriteAt(data, int64(off)+16+int64(len(source))); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	writeBytes(DebugKindBytes, source, data)
}

func Write(source string, data string) {
	writeBytes(DebugKindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	writeBytes(DebugKindString, source, fmt.Appendf(nil, format, args...))
}

type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) WriteBytes(data []byte) {
	writeBytes(DebugKindBytes, d.source, data)
}

func (d *debugImpl) Write(data string) {
	writeBytes(DebugKindString, d.source, []byte(data))
}

func (d *debugImpl) Writef(format string, args ...any) {
	writeBytes(DebugKindString, d.source, fmt.Appendf(nil, format, args...))
}

func WithSource(source string) Debug {
	return &debugImpl{source: source}
}
