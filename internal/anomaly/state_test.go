package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vineguard-gateway/internal/data"
)

func TestStep(t *testing.T) {
	th := data.Threshold{Min: 10, Max: 20}
	cases := []struct {
		name   string
		cur    AlertState
		value  float64
		next   AlertState
		emit   data.AlertKind
		status data.Status
	}{
		{"normal stays", StateNormal, 15, StateNormal, "", data.StatusNormal},
		{"edges are in range", StateNormal, 20, StateNormal, "", data.StatusNormal},
		{"enter high", StateNormal, 21, StateBreachedHigh, data.AlertHigh, data.StatusHigh},
		{"stay high", StateBreachedHigh, 30, StateBreachedHigh, "", data.StatusHigh},
		{"high to low", StateBreachedHigh, 1, StateBreachedLow, data.AlertLow, data.StatusLow},
		{"enter low", StateNormal, 9, StateBreachedLow, data.AlertLow, data.StatusLow},
		{"low recovers", StateBreachedLow, 10, StateNormal, data.AlertNormal, data.StatusNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := step(tc.cur, tc.value, th)
			assert.Equal(t, tc.next, tr.next)
			assert.Equal(t, tc.emit, tr.emit)
			assert.Equal(t, tc.status, tr.status)
		})
	}
}

func TestAlertState_String(t *testing.T) {
	assert.Equal(t, "normal", StateNormal.String())
	assert.Equal(t, "breached-high", StateBreachedHigh.String())
	assert.Equal(t, "breached-low", StateBreachedLow.String())
}
