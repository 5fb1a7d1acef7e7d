package session

import "time"

// Haptics - тактильная обратная связь устройства.
type Haptics interface {
	Vibrate(pattern ...time.Duration)
}

// HapticsFunc позволяет использовать функцию как Haptics.
type HapticsFunc func(pattern ...time.Duration)

func (f HapticsFunc) Vibrate(pattern ...time.Duration) { f(pattern...) }

// Шаблоны вибрации.
var (
	patternConnect    = []time.Duration{200 * time.Millisecond}
	patternOpen       = []time.Duration{50 * time.Millisecond}
	patternDisconnect = []time.Duration{100 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}
)

func (c *Controller) vibrate(pattern []time.Duration) {
	if c.deps.Haptics != nil {
		c.deps.Haptics.Vibrate(pattern...)
	}
}
