// Package led is the LED adapter driver. It binds GPIO and PWM LED nodes,
// each served by a backend registered when the adapter comes up.
package led

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/adapters"
	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/subdriver"
	"github.com/Nativu5/pdm/pkg/types"
)

// Adapter, driver and compatible names of the LED driver.
const (
	AdapterName    = "led"
	DriverName     = "pdm-led"
	CompatibleGPIO = "pdm,led-gpio"
	CompatiblePWM  = "pdm,led-pwm"
)

// LED states.
const (
	StateOff = 0
	StateOn  = 1
)

// MaxBrightness is the full-on PWM level.
const MaxBrightness = 255

const (
	kindGPIO = "gpio"
	kindPWM  = "pwm"
)

// Backend drives one kind of LED hardware.
type Backend interface {
	// Setup prepares l from its node properties and applies the default state.
	Setup(l *LED) error
	// Cleanup releases whatever Setup acquired.
	Cleanup(l *LED)
	SetState(l *LED, state int) error
	// SetBrightness returns types.ErrUnsupported for on/off only hardware.
	SetBrightness(l *LED, level uint8) error
}

// LED is the per-device driver state.
type LED struct {
	Node    *types.Node
	Kind    string
	backend Backend

	mu         sync.Mutex
	state      int
	brightness uint8
	// path is the sysfs-style value file; empty keeps state in memory only.
	path   string
	period int64
}

// State returns the last state applied.
func (l *LED) State() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Brightness returns the last PWM level applied.
func (l *LED) Brightness() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.brightness
}

// SetState switches the LED on or off.
func (l *LED) SetState(state int) error {
	if state != StateOff && state != StateOn {
		return fmt.Errorf("%w: led state %d", types.ErrInvalidArgument, state)
	}
	return l.backend.SetState(l, state)
}

// SetBrightness sets the PWM level.
func (l *LED) SetBrightness(level uint8) error {
	return l.backend.SetBrightness(l, level)
}

// Master is the LED adapter driver.
type Master struct {
	adapters.Unit

	mu       sync.RWMutex
	backends map[string]Backend
	registry subdriver.List
}

// New returns an LED adapter driver ready for Init.
func New() *Master {
	m := &Master{backends: make(map[string]Backend)}
	m.Name = AdapterName
	m.Driver = &bus.Driver{
		Name: DriverName,
		IDTable: []bus.DeviceID{
			{Compatible: CompatibleGPIO, Data: kindGPIO},
			{Compatible: CompatiblePWM, Data: kindPWM},
		},
		Probe:  m.probe,
		Remove: m.remove,
	}
	m.Control = &control{}
	m.Setup = m.registerBackends
	m.Teardown = m.unregisterBackends
	return m
}

// ───────────────────────────────────────────
//  backends
// ───────────────────────────────────────────

func (m *Master) backendDrivers() []*subdriver.Subdriver {
	return []*subdriver.Subdriver{
		{
			Name:           "PDM LED GPIO",
			Enabled:        true,
			IgnoreFailures: true,
			Init:           func() error { return m.addBackend(kindGPIO, gpioBackend{}) },
			Exit:           func() { m.removeBackend(kindGPIO) },
		},
		{
			Name:           "PDM LED PWM",
			Enabled:        true,
			IgnoreFailures: true,
			Init:           func() error { return m.addBackend(kindPWM, pwmBackend{}) },
			Exit:           func() { m.removeBackend(kindPWM) },
		},
	}
}

func (m *Master) registerBackends() error {
	return subdriver.RegisterAll(m.backendDrivers(), &m.registry)
}

func (m *Master) unregisterBackends() {
	subdriver.UnregisterAll(&m.registry)
}

func (m *Master) addBackend(kind string, b Backend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[kind]; ok {
		return fmt.Errorf("%w: led backend %q", types.ErrAlreadyExists, kind)
	}
	m.backends[kind] = b
	return nil
}

func (m *Master) removeBackend(kind string) {
	m.mu.Lock()
	delete(m.backends, kind)
	m.mu.Unlock()
}

func (m *Master) backend(kind string) (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[kind]
	return b, ok
}

// Backends returns the registered backend unit names.
func (m *Master) Backends() []string {
	return m.registry.Names()
}

// ───────────────────────────────────────────
//  probe / remove
// ───────────────────────────────────────────

func (m *Master) probe(d *bus.Device) error {
	kind, _ := d.MatchData().(string)
	backend, ok := m.backend(kind)
	if !ok {
		return fmt.Errorf("%w: no led backend for %q", types.ErrUnsupported, d.Compatible())
	}

	l := &LED{Node: d.Node(), Kind: kind, backend: backend}
	if err := m.Attach(d, l); err != nil {
		return err
	}
	if err := backend.Setup(l); err != nil {
		log.Errorf("%s led setup of %s failed: %v", kind, d.Name(), err)
		m.Detach(d)
		return err
	}
	log.Debugf("led %s probed (%s)", d.Name(), kind)
	return nil
}

func (m *Master) remove(d *bus.Device) {
	if l, ok := d.PrivateData().(*LED); ok {
		l.backend.Cleanup(l)
	}
	m.Detach(d)
}
