// Package cpld is the CPLD adapter driver. Registers live in a register
// file: register r occupies width bytes at offset r*width, little endian.
package cpld

import (
	"encoding/binary"
	"errors"
	"fmt"
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
	AdapterName = "cpld"
	DriverName  = "pdm-cpld"
	Compatible  = "pdm,cpld"

	PropPath      = "path"
	PropWidth     = "width"
	PropRegisters = "registers"

	DefaultWidth     = 1
	DefaultRegisters = 256
	// MaxRegisters bounds the registers property.
	MaxRegisters = 1 << 16
)

// CPLD is the per-device driver state.
type CPLD struct {
	Node      *types.Node
	Width     int
	Registers uint32

	mu   sync.Mutex
	path string
	mem  []byte
}

func newCPLD(n *types.Node) (*CPLD, error) {
	width, err := utils.ParseSize(n.Property(PropWidth), DefaultWidth)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PropWidth, err)
	}
	switch width {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("%w: register width %d", types.ErrInvalidArgument, width)
	}
	count, err := utils.ParseSize(n.Property(PropRegisters), DefaultRegisters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PropRegisters, err)
	}
	if count == 0 || count > MaxRegisters {
		return nil, fmt.Errorf("%w: %d registers", types.ErrInvalidArgument, count)
	}

	c := &CPLD{Node: n, Width: int(width), Registers: uint32(count), path: n.Property(PropPath)}
	size := count * width
	if c.path == "" {
		c.mem = make([]byte, size)
		return c, nil
	}

	st, err := os.Stat(c.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.WriteFile(c.path, make([]byte, size), 0o600); err != nil {
			return nil, fmt.Errorf("cannot create register file: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("cannot stat register file: %w", err)
	case st.Size() < size:
		return nil, fmt.Errorf("%w: register file %s holds %d bytes, need %d", types.ErrInvalidArgument, c.path, st.Size(), size)
	}
	return c, nil
}

func (c *CPLD) check(reg uint32) error {
	if reg >= c.Registers {
		return fmt.Errorf("%w: register 0x%x out of range (0x%x registers)", types.ErrInvalidArgument, reg, c.Registers)
	}
	return nil
}

func (c *CPLD) decode(buf []byte) uint32 {
	switch c.Width {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	default:
		return binary.LittleEndian.Uint32(buf)
	}
}

func (c *CPLD) encode(v uint32) ([]byte, error) {
	if c.Width < 4 && v>>(8*c.Width) != 0 {
		return nil, fmt.Errorf("%w: value 0x%x wider than %d byte(s)", types.ErrInvalidArgument, v, c.Width)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf[:c.Width], nil
}

// ReadReg returns the value of register reg.
func (c *CPLD) ReadReg(reg uint32) (uint32, error) {
	if err := c.check(reg); err != nil {
		return 0, err
	}
	off := int64(reg) * int64(c.Width)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem != nil {
		return c.decode(c.mem[off:]), nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	buf := make([]byte, c.Width)
	if _, err := f.ReadAt(buf, off); err != nil {
		return 0, fmt.Errorf("cannot read register 0x%x: %w", reg, err)
	}
	return c.decode(buf), nil
}

// WriteReg sets register reg to v.
func (c *CPLD) WriteReg(reg, v uint32) error {
	if err := c.check(reg); err != nil {
		return err
	}
	buf, err := c.encode(v)
	if err != nil {
		return err
	}
	off := int64(reg) * int64(c.Width)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem != nil {
		copy(c.mem[off:], buf)
		return nil
	}
	f, err := os.OpenFile(c.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, off); err != nil {
		f.Close()
		return fmt.Errorf("cannot write register 0x%x: %w", reg, err)
	}
	return f.Close()
}

// Master is the CPLD adapter driver.
type Master struct {
	adapters.Unit
}

// New returns a CPLD adapter driver ready for Init.
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
	c, err := newCPLD(d.Node())
	if err != nil {
		return err
	}
	if err := m.Attach(d, c); err != nil {
		return err
	}
	log.Debugf("cpld %s probed, %d x %d-byte registers", d.Name(), c.Registers, c.Width)
	return nil
}

type control struct {
	bus.DefaultControl
}

func (control) Ioctl(f *bus.File, cmd uint32, arg []byte) ([]byte, error) {
	if cmd != ioctl.CmdCPLDReadReg && cmd != ioctl.CmdCPLDWriteReg {
		return nil, adapters.Unsupported(f, cmd)
	}

	var req ioctl.CPLDRegister
	if err := ioctl.Decode(arg, &req); err != nil {
		return nil, err
	}
	_, c, err := adapters.Lookup[*CPLD](f, req.ID)
	if err != nil {
		return nil, err
	}

	if cmd == ioctl.CmdCPLDWriteReg {
		return nil, c.WriteReg(req.Reg, req.Value)
	}
	v, err := c.ReadReg(req.Reg)
	return adapters.Reply(ioctl.CPLDRegister{ID: req.ID, Reg: req.Reg, Value: v}, err)
}
