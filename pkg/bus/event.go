package bus

import (
	"time"

	"github.com/google/uuid"
)

// Action is the kind of a hot-plug event.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionBind   Action = "bind"
	ActionUnbind Action = "unbind"
)

// Event describes one lifecycle change. Adapter events leave Device empty
// and DeviceID at -1.
type Event struct {
	ID       string    `json:"id"`
	Action   Action    `json:"action"`
	Adapter  string    `json:"adapter,omitempty"`
	Device   string    `json:"device,omitempty"`
	DeviceID int       `json:"device_id"`
	Driver   string    `json:"driver,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier receives lifecycle events. Notify is called without any bus
// lock held and must not block for long.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) { f(ev) }

func newEvent(action Action) Event {
	return Event{
		ID:       uuid.NewString(),
		Action:   action,
		DeviceID: -1,
		Time:     time.Now().UTC(),
	}
}

func (b *Bus) notify(ev Event) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(ev)
}
