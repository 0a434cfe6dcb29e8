package led

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/types"
	"github.com/Nativu5/pdm/pkg/utils"
)

// Node properties read by the backends.
const (
	PropPath         = "path"
	PropActiveLow    = "active-low"
	PropDefaultState = "default-state"
	PropDefaultLevel = "default-level"
	PropPeriod       = "period"
)

// MaxPeriod bounds the pwm period property.
const MaxPeriod = 1 << 30

func writeValue(path string, v int64) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.FormatInt(v, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// ─── gpio ───

type gpioBackend struct{}

func (gpioBackend) Setup(l *LED) error {
	l.path = l.Node.Property(PropPath)

	state := StateOff
	switch strings.ToLower(l.Node.Property(PropDefaultState)) {
	case "", "off":
	case "on":
		state = StateOn
	default:
		return fmt.Errorf("%w: %s %q", types.ErrInvalidArgument, PropDefaultState, l.Node.Property(PropDefaultState))
	}
	return gpioBackend{}.SetState(l, state)
}

func (gpioBackend) Cleanup(*LED) {}

func (gpioBackend) SetState(l *LED, state int) error {
	level := int64(state)
	if l.Node.Property(PropActiveLow) == "true" {
		level ^= 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := writeValue(l.path, level); err != nil {
		return err
	}
	l.state = state
	return nil
}

func (gpioBackend) SetBrightness(*LED, uint8) error {
	return fmt.Errorf("%w: gpio led has no brightness control", types.ErrUnsupported)
}

// ─── pwm ───

// pwmBackend writes duty cycles scaled to the node's period into path.
type pwmBackend struct{}

func (pwmBackend) Setup(l *LED) error {
	period, err := utils.ParseSize(l.Node.Property(PropPeriod), MaxBrightness)
	if err != nil {
		return fmt.Errorf("%s: %w", PropPeriod, err)
	}
	if period == 0 || period > MaxPeriod {
		return fmt.Errorf("%w: %s %d not in [1, %d]", types.ErrInvalidArgument, PropPeriod, period, MaxPeriod)
	}
	level, err := utils.ParseSize(l.Node.Property(PropDefaultLevel), 0)
	if err != nil {
		return fmt.Errorf("%s: %w", PropDefaultLevel, err)
	}
	if level > MaxBrightness {
		return fmt.Errorf("%w: %s %d exceeds %d", types.ErrInvalidArgument, PropDefaultLevel, level, MaxBrightness)
	}

	l.path = l.Node.Property(PropPath)
	l.period = period
	return pwmBackend{}.SetBrightness(l, uint8(level))
}

func (pwmBackend) Cleanup(l *LED) {
	if err := (pwmBackend{}).SetBrightness(l, 0); err != nil {
		log.Warnf("cannot turn off led %s: %v", l.Node.Name, err)
	}
}

// SetState turns the LED fully on or off.
func (pwmBackend) SetState(l *LED, state int) error {
	level := uint8(0)
	if state == StateOn {
		level = MaxBrightness
	}
	return pwmBackend{}.SetBrightness(l, level)
}

func (pwmBackend) SetBrightness(l *LED, level uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	duty := int64(level) * l.period / MaxBrightness
	if err := writeValue(l.path, duty); err != nil {
		return err
	}
	l.brightness = level
	l.state = StateOff
	if level > 0 {
		l.state = StateOn
	}
	return nil
}
