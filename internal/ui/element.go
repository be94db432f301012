package ui

import (
	"strconv"
	"strings"
)

// Signal names the viewer sends for widget activity.
const (
	Clicked      = "clicked"
	ValueChanged = "valueChanged"
	StateChanged = "stateChanged"
	TextChanged  = "textChanged"
)

// Element is one name-addressed target for UI commands.
type Element interface {
	Name() string
	// Handle reports whether the element claimed signal.
	Handle(signal, value string) bool
}

// slot returns false to leave a signal unclaimed.
type slot func(value string) bool

// Widget is an Element built from per-signal slots.
type Widget struct {
	name  string
	slots map[string]slot
}

func NewWidget(name string) *Widget {
	return &Widget{name: name, slots: make(map[string]slot)}
}

func (w *Widget) Name() string {
	return w.name
}

// On connects fn to signal with the raw value, replacing any earlier slot.
func (w *Widget) On(signal string, fn func(value string)) *Widget {
	w.slots[signal] = func(value string) bool {
		fn(value)
		return true
	}
	return w
}

func (w *Widget) OnClicked(fn func()) *Widget {
	return w.On(Clicked, func(string) { fn() })
}

// OnValueChanged delivers integer values. A non-integer value is left
// unclaimed.
func (w *Widget) OnValueChanged(fn func(int)) *Widget {
	w.slots[ValueChanged] = intSlot(fn)
	return w
}

// OnStateChanged delivers integer check states.
func (w *Widget) OnStateChanged(fn func(int)) *Widget {
	w.slots[StateChanged] = intSlot(fn)
	return w
}

func (w *Widget) OnTextChanged(fn func(string)) *Widget {
	return w.On(TextChanged, fn)
}

func intSlot(fn func(int)) slot {
	return func(value string) bool {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return false
		}
		fn(n)
		return true
	}
}

func (w *Widget) Handle(signal, value string) bool {
	fn, ok := w.slots[signal]
	if !ok {
		return false
	}
	return fn(value)
}
