package fare

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimate_StandardScenario(t *testing.T) {
	// 60 + 10*18 + 20*3.5 = 310
	got := Estimate(10, 20)
	assert.Equal(t, 310.00, got[models.VehicleStandard])
	assert.Equal(t, 210.00, got[models.VehicleEconomy]) // 40 + 120 + 50
	assert.Equal(t, 170.00, got[models.VehicleMoto])    // 30 + 100 + 40
	assert.Equal(t, 450.00, got[models.VehiclePremium]) // 90 + 260 + 100
}

func TestEstimate_MinimumFloor(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		duration float64
	}{
		{name: "zero trip", distance: 0, duration: 0},
		{name: "very short", distance: 0.1, duration: 0.5},
		{name: "medium", distance: 3.2, duration: 9},
		{name: "long", distance: 55, duration: 80},
		{name: "negative clamps", distance: -4, duration: -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for class, price := range Estimate(tt.distance, tt.duration) {
				r, ok := RateFor(class)
				require.True(t, ok)
				assert.GreaterOrEqual(t, price, r.Minimum, "class %s", class)
			}
		})
	}
}

func TestEstimate_UsesMinimumWhenCheaper(t *testing.T) {
	got := Estimate(0.5, 1)
	// standard: 60 + 9 + 3.5 = 72.5 < 80
	assert.Equal(t, 80.00, got[models.VehicleStandard])
	// moto: 30 + 5 + 2 = 37 < 40
	assert.Equal(t, 40.00, got[models.VehicleMoto])
}

func TestEstimate_Deterministic(t *testing.T) {
	first := Estimate(7.37, 18.42)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Estimate(7.37, 18.42))
	}
}

func TestEstimate_RoundsToCents(t *testing.T) {
	// economy: 40 + 1.333*12 + 0 = 55.996 -> 56.00
	got := Estimate(1.333, 0)
	assert.Equal(t, 56.00, got[models.VehicleEconomy])
	// standard: 60 + 2.111*18 + 1.001*3.5 = 60 + 37.998 + 3.5035 = 101.5015 -> 101.5
	assert.Equal(t, 101.50, Estimate(2.111, 1.001)[models.VehicleStandard])
}

func TestEstimate_CoversEveryClass(t *testing.T) {
	got := Estimate(1, 1)
	assert.Len(t, got, len(Classes()))
	for _, c := range Classes() {
		assert.Contains(t, got, c)
	}
}

func TestQuote(t *testing.T) {
	price, err := Quote(models.VehicleStandard, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, 310.00, price)

	_, err = Quote("boat", 10, 20)
	assert.True(t, errors.Is(err, apperr.ErrInvalidRequest))
}
