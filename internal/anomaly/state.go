package anomaly

import (
	"sync"

	"vineguard-gateway/internal/data"
)

// AlertState is the per-sensor hysteresis state.
type AlertState int

const (
	StateNormal AlertState = iota
	StateBreachedHigh
	StateBreachedLow
)

func (s AlertState) String() string {
	switch s {
	case StateBreachedHigh:
		return "breached-high"
	case StateBreachedLow:
		return "breached-low"
	default:
		return "normal"
	}
}

func stateForKind(k data.AlertKind) AlertState {
	switch k {
	case data.AlertHigh:
		return StateBreachedHigh
	case data.AlertLow:
		return StateBreachedLow
	default:
		return StateNormal
	}
}

// transition is the outcome of feeding one value to the state machine.
type transition struct {
	next   AlertState
	status data.Status
	// emit is the kind of alert to record; empty when the state is unchanged.
	emit data.AlertKind
	// bound is the threshold edge that was crossed.
	bound float64
}

// step computes the transition for value against [min, max] from cur.
func step(cur AlertState, value float64, th data.Threshold) transition {
	switch {
	case value > th.Max:
		t := transition{next: StateBreachedHigh, status: data.StatusHigh, bound: th.Max}
		if cur != StateBreachedHigh {
			t.emit = data.AlertHigh
		}
		return t
	case value < th.Min:
		t := transition{next: StateBreachedLow, status: data.StatusLow, bound: th.Min}
		if cur != StateBreachedLow {
			t.emit = data.AlertLow
		}
		return t
	default:
		t := transition{next: StateNormal, status: data.StatusNormal}
		if cur != StateNormal {
			t.emit = data.AlertNormal
			if cur == StateBreachedHigh {
				t.bound = th.Max
			} else {
				t.bound = th.Min
			}
		}
		return t
	}
}

type sensorState struct {
	mu     sync.Mutex
	loaded bool
	state  AlertState
	active *data.Alert
}
