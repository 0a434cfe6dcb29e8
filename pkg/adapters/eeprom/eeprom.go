// Package eeprom is the EEPROM adapter driver. Each device is backed by a
// fixed-size image file, or by memory when the node names no path.
package eeprom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/adapters"
	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/ioctl"
	"github.com/Nativu5/pdm/pkg/types"
	"github.com/Nativu5/pdm/pkg/utils"
)

const (
	AdapterName = "eeprom"
	DriverName  = "pdm-eeprom"
	Compatible  = "pdm,eeprom"

	PropPath = "path"
	PropSize = "size"

	// DefaultSize applies when the node has no size property.
	DefaultSize = 256
	// MaxSize bounds the size property.
	MaxSize = 1 << 20
	// MaxTransfer bounds a single read or write.
	MaxTransfer = 4096

	erased = 0xff
)

// EEPROM is the per-device driver state.
type EEPROM struct {
	Node *types.Node
	Size int64

	mu   sync.Mutex
	path string
	mem  []byte
}

func newEEPROM(n *types.Node) (*EEPROM, error) {
	size, err := utils.ParseSize(n.Property(PropSize), DefaultSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PropSize, err)
	}
	if size == 0 || size > MaxSize {
		return nil, fmt.Errorf("%w: %s %d not in [1, %d]", types.ErrInvalidArgument, PropSize, size, MaxSize)
	}

	e := &EEPROM{Node: n, Size: size, path: n.Property(PropPath)}
	if e.path == "" {
		e.mem = bytes.Repeat([]byte{erased}, int(size))
		return e, nil
	}

	st, err := os.Stat(e.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.WriteFile(e.path, bytes.Repeat([]byte{erased}, int(size)), 0o600); err != nil {
			return nil, fmt.Errorf("cannot create eeprom image: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("cannot stat eeprom image: %w", err)
	case st.Size() < size:
		return nil, fmt.Errorf("%w: image %s holds %d bytes, need %d", types.ErrInvalidArgument, e.path, st.Size(), size)
	}
	return e, nil
}

func (e *EEPROM) check(off int64, n int) error {
	if off < 0 || n < 0 || n > MaxTransfer || off > e.Size-int64(n) {
		return fmt.Errorf("%w: access of %d bytes at %d outside %d byte eeprom", types.ErrInvalidArgument, n, off, e.Size)
	}
	return nil
}

// ReadAt returns n bytes starting at off.
func (e *EEPROM) ReadAt(off int64, n int) ([]byte, error) {
	if err := e.check(off, n); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mem != nil {
		return bytes.Clone(e.mem[off : off+int64(n)]), nil
	}
	f, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// WriteAt stores data at off.
func (e *EEPROM) WriteAt(off int64, data []byte) error {
	if err := e.check(off, len(data)); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mem != nil {
		copy(e.mem[off:], data)
		return nil
	}
	f, err := os.OpenFile(e.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, off); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Master is the EEPROM adapter driver.
type Master struct {
	adapters.Unit
}

// New returns an EEPROM adapter driver ready for Init.
func New() *Master {
	m := &Master{}
	m.Name = AdapterName
	m.Driver = &bus.Driver{
		Name:    DriverName,
		IDTable: []bus.DeviceID{{Compatible: Compatible}},
		Probe:   m.probe,
		Remove:  m.Detach,
	}
	m.Control = control{}
	return m
}

func (m *Master) probe(d *bus.Device) error {
	e, err := newEEPROM(d.Node())
	if err != nil {
		return err
	}
	if err := m.Attach(d, e); err != nil {
		return err
	}
	log.Debugf("eeprom %s probed, %d bytes", d.Name(), e.Size)
	return nil
}

type control struct {
	bus.DefaultControl
}

func (control) Ioctl(f *bus.File, cmd uint32, arg []byte) ([]byte, error) {
	var req ioctl.EEPROMAccess
	switch cmd {
	case ioctl.CmdEEPROMRead:
		if err := ioctl.Decode(arg, &req); err != nil {
			return nil, err
		}
		_, e, err := adapters.Lookup[*EEPROM](f, req.ID)
		if err != nil {
			return nil, err
		}
		data, err := e.ReadAt(req.Offset, req.Length)
		return adapters.Reply(ioctl.EEPROMAccess{ID: req.ID, Offset: req.Offset, Length: len(data), Data: data}, err)

	case ioctl.CmdEEPROMWrite:
		if err := ioctl.Decode(arg, &req); err != nil {
			return nil, err
		}
		_, e, err := adapters.Lookup[*EEPROM](f, req.ID)
		if err != nil {
			return nil, err
		}
		return nil, e.WriteAt(req.Offset, req.Data)

	default:
		return nil, adapters.Unsupported(f, cmd)
	}
}
