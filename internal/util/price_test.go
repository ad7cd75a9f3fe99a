package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		tick float64
		want float64
	}{
		{"sub-penny float artifact", 27.06999969482422, 0.01, 27.07},
		{"already on tick", 150.00, 0.01, 150.00},
		{"rounds up", 1.2351, 0.01, 1.24},
		{"rounds down", 1.2349, 0.01, 1.23},
		{"nickel tick", 12.52, 0.05, 12.50},
		{"zero tick passes through", 1.2345, 0, 1.2345},
		{"negative tick passes through", 1.2345, -0.01, 1.2345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(tt.x, tt.tick)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.want)
			}
		})
	}
}

func TestFloorAndCeilToTick(t *testing.T) {
	if got := FloorToTick(1.239, 0.01); math.Abs(got-1.23) > 1e-9 {
		t.Errorf("FloorToTick = %v, want 1.23", got)
	}
	if got := CeilToTick(1.231, 0.01); math.Abs(got-1.24) > 1e-9 {
		t.Errorf("CeilToTick = %v, want 1.24", got)
	}
}
