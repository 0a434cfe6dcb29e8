package bus

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/Nativu5/pdm/pkg/listing"
	"github.com/Nativu5/pdm/pkg/types"
)

// ControlHandler implements an adapter's control interface. Adapters
// override a subset of operations by embedding DefaultControl.
type ControlHandler interface {
	Open(f *File) error
	Release(f *File) error
	Read(f *File, p []byte) (int, error)
	Write(f *File, p []byte) (int, error)
	Ioctl(f *File, cmd uint32, arg []byte) ([]byte, error)
}

// File is an open control handle. It keeps its adapter referenced until
// Close.
type File struct {
	adapter *Adapter
	handler ControlHandler

	mu     sync.Mutex
	offset int64
	buf    []byte
	closed bool

	// Private is per-open state owned by the handler.
	Private any
}

// Adapter returns the adapter the file was opened on.
func (f *File) Adapter() *Adapter {
	return f.adapter
}

// Read reads from the control interface.
func (f *File) Read(p []byte) (int, error) {
	if f.isClosed() {
		return 0, fmt.Errorf("%w: file closed", types.ErrInvalidArgument)
	}
	return f.handler.Read(f, p)
}

// Write writes to the control interface.
func (f *File) Write(p []byte) (int, error) {
	if f.isClosed() {
		return 0, fmt.Errorf("%w: file closed", types.ErrInvalidArgument)
	}
	return f.handler.Write(f, p)
}

// Ioctl dispatches a command with an encoded argument and returns the
// encoded result.
func (f *File) Ioctl(cmd uint32, arg []byte) ([]byte, error) {
	if f.isClosed() {
		return nil, fmt.Errorf("%w: file closed", types.ErrInvalidArgument)
	}
	return f.handler.Ioctl(f, cmd, arg)
}

// Close releases the handle and its adapter reference. Closing twice is a
// no-op.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.handler.Release(f)
	f.adapter.Put()
	return err
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ReadSnapshot serves p from a buffer rendered by fill on the first read at
// offset zero. It returns io.EOF once the buffer is drained.
func (f *File) ReadSnapshot(p []byte, fill func() []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.offset == 0 {
		f.buf = fill()
	}
	if f.offset >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.offset:])
	f.offset += int64(n)
	return n, nil
}

// DefaultControl is the control interface every adapter starts with: read
// lists attached devices, write discards its input and every command is
// unsupported.
type DefaultControl struct{}

// Open accepts every open.
func (DefaultControl) Open(f *File) error {
	f.adapter.log.Debug("control open")
	return nil
}

// Release does nothing.
func (DefaultControl) Release(f *File) error {
	f.adapter.log.Debug("control release")
	return nil
}

// Read returns a textual listing of the attached devices.
func (DefaultControl) Read(f *File, p []byte) (int, error) {
	return f.ReadSnapshot(p, func() []byte {
		var buf bytes.Buffer
		listing.PrintDevices(&buf, f.adapter.Devices())
		return buf.Bytes()
	})
}

// Write accepts and discards p.
func (DefaultControl) Write(f *File, p []byte) (int, error) {
	f.adapter.log.Debugf("control write of %d byte(s) ignored", len(p))
	return len(p), nil
}

// Ioctl rejects every command.
func (DefaultControl) Ioctl(f *File, cmd uint32, _ []byte) ([]byte, error) {
	f.adapter.log.Debugf("adapter does not support command 0x%x", cmd)
	return nil, fmt.Errorf("%w: command 0x%x on %q", types.ErrUnsupported, cmd, f.adapter.Name())
}
