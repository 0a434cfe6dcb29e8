package led

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/adapters"
	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/ioctl"
	"github.com/Nativu5/pdm/pkg/listing"
	"github.com/Nativu5/pdm/pkg/types"
)

const helpText = `Usage:
  echo "<id> <state>" > <endpoint>   set led <id> to state 0 (off) or 1 (on)
  echo "<state>" > <endpoint>        same, when a single led is attached

`

type control struct {
	bus.DefaultControl
}

func (control) Read(f *bus.File, p []byte) (int, error) {
	return f.ReadSnapshot(p, func() []byte {
		var buf bytes.Buffer
		buf.WriteString(helpText)
		listing.PrintDevices(&buf, f.Adapter().Devices())
		return buf.Bytes()
	})
}

func (control) Write(f *bus.File, p []byte) (int, error) {
	id, args, err := adapters.ParseCommand(f.Adapter(), p, 1)
	if err != nil {
		return 0, err
	}
	state, err := parseState(args[0])
	if err != nil {
		return 0, err
	}
	d, l, err := adapters.Lookup[*LED](f, id)
	if err != nil {
		return 0, err
	}
	if err := l.SetState(state); err != nil {
		return 0, err
	}
	log.Debugf("led %s set to %d", d.Name(), state)
	return len(p), nil
}

func (control) Ioctl(f *bus.File, cmd uint32, arg []byte) ([]byte, error) {
	switch cmd {
	case ioctl.CmdLEDSetState:
		var req ioctl.LEDState
		if err := ioctl.Decode(arg, &req); err != nil {
			return nil, err
		}
		_, l, err := adapters.Lookup[*LED](f, req.ID)
		if err != nil {
			return nil, err
		}
		return nil, l.SetState(req.State)

	case ioctl.CmdLEDGetState:
		var req ioctl.LEDState
		if err := ioctl.Decode(arg, &req); err != nil {
			return nil, err
		}
		_, l, err := adapters.Lookup[*LED](f, req.ID)
		if err != nil {
			return nil, err
		}
		return adapters.Reply(ioctl.LEDState{ID: req.ID, State: l.State()}, nil)

	case ioctl.CmdLEDSetBrightness:
		var req ioctl.LEDBrightness
		if err := ioctl.Decode(arg, &req); err != nil {
			return nil, err
		}
		_, l, err := adapters.Lookup[*LED](f, req.ID)
		if err != nil {
			return nil, err
		}
		return nil, l.SetBrightness(req.Brightness)

	default:
		return nil, adapters.Unsupported(f, cmd)
	}
}

func parseState(s string) (int, error) {
	switch strings.ToLower(s) {
	case "on":
		return StateOn, nil
	case "off":
		return StateOff, nil
	}
	state, err := strconv.Atoi(s)
	if err != nil || (state != StateOff && state != StateOn) {
		return 0, fmt.Errorf("%w: led state %q", types.ErrInvalidArgument, s)
	}
	return state, nil
}
