package hypervisor

import (
	"github.com/tinyrange/hikami-go/internal/addr"
	"github.com/tinyrange/hikami-go/internal/debug"
)

// uartLogWriter adapts internal/debug's binary structured logger onto this
// image's one real output device. debug.Writer wants an io.WriterAt because
// its callers are host processes logging to a seekable file; a freestanding
// image has no filesystem, only a memory-mapped UART transmit register at
// device.Base. debug's own offset counter only ever grows, so replaying each
// write's bytes to the UART in call order, ignoring off, reproduces the same
// byte stream a file-backed writer would have recorded — just serialized
// onto the wire rather than seekable afterwards.
type uartLogWriter struct {
	ram  RAM
	base addr.HPA
}

func newUARTLogWriter(ram RAM, base addr.HPA) *uartLogWriter {
	return &uartLogWriter{ram: ram, base: base}
}

func (w *uartLogWriter) WriteAt(p []byte, off int64) (int, error) {
	i := int(w.base)
	if i < 0 || i >= len(w.ram) {
		return 0, nil
	}
	for _, b := range p {
		w.ram[i] = b
	}
	return len(p), nil
}

func (w *uartLogWriter) Close() error { return nil }

// openLog installs the process-wide debug logger the first time a hart is
// brought up, so every hart's log source lands in the same stream. debug.Open
// returns a non-nil error only as a warning when a writer is already
// installed (see debug.Open's doc comment); that's expected once more than
// one hart has booted and is not a bring-up failure.
func openLog(ram RAM, uartBase addr.HPA) {
	_ = debug.Open(newUARTLogWriter(ram, uartBase))
}
