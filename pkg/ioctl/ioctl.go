// Package ioctl defines adapter control commands and encodes their argument
// payloads as canonical CBOR.
package ioctl

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Nativu5/pdm/pkg/types"
)

// Command groups, one per adapter family.
const (
	GroupLED    byte = 'L'
	GroupEEPROM byte = 'E'
	GroupCPLD   byte = 'C'
	GroupNIC    byte = 'N'
)

// Cmd builds a command number from a group byte and a sequence number.
func Cmd(group byte, nr uint8) uint32 {
	return uint32(group)<<8 | uint32(nr)
}

// Group returns the group byte of cmd.
func Group(cmd uint32) byte {
	return byte(cmd >> 8)
}

var (
	CmdLEDSetState      = Cmd(GroupLED, 1)
	CmdLEDGetState      = Cmd(GroupLED, 2)
	CmdLEDSetBrightness = Cmd(GroupLED, 3)

	CmdEEPROMRead  = Cmd(GroupEEPROM, 1)
	CmdEEPROMWrite = Cmd(GroupEEPROM, 2)

	CmdCPLDReadReg  = Cmd(GroupCPLD, 1)
	CmdCPLDWriteReg = Cmd(GroupCPLD, 2)

	CmdNICInfo = Cmd(GroupNIC, 1)
)

// LEDState selects an LED by device ID and carries its on/off state.
type LEDState struct {
	ID    int `cbor:"1,keyasint"`
	State int `cbor:"2,keyasint"`
}

// LEDBrightness sets a PWM LED duty cycle.
type LEDBrightness struct {
	ID         int   `cbor:"1,keyasint"`
	Brightness uint8 `cbor:"2,keyasint"`
}

// EEPROMAccess describes a read or write window. Data is filled by reads and
// consumed by writes; Length is only meaningful for reads.
type EEPROMAccess struct {
	ID     int    `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint"`
	Length int    `cbor:"3,keyasint,omitempty"`
	Data   []byte `cbor:"4,keyasint,omitempty"`
}

// CPLDRegister addresses one CPLD register.
type CPLDRegister struct {
	ID    int    `cbor:"1,keyasint"`
	Reg   uint32 `cbor:"2,keyasint"`
	Value uint32 `cbor:"3,keyasint"`
}

// NICQuery selects a NIC device.
type NICQuery struct {
	ID int `cbor:"1,keyasint"`
}

// NICInfo reports link and RDMA state of a NIC device.
type NICInfo struct {
	ID          int      `cbor:"1,keyasint"`
	Name        string   `cbor:"2,keyasint"`
	PCIAddress  string   `cbor:"3,keyasint,omitempty"`
	MAC         string   `cbor:"4,keyasint,omitempty"`
	MTU         int      `cbor:"5,keyasint,omitempty"`
	OperState   string   `cbor:"6,keyasint,omitempty"`
	RdmaDevices []string `cbor:"7,keyasint,omitempty"`
	CharDevices []string `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Encode serialises a command argument or result.
func Encode(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode %T: %v", types.ErrInvalidArgument, v, err)
	}
	return data, nil
}

// Decode parses a command payload into v. Empty and malformed payloads are
// reported as types.ErrInvalidArgument.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty command payload", types.ErrInvalidArgument)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: cannot decode %T: %v", types.ErrInvalidArgument, v, err)
	}
	return nil
}
