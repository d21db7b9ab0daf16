package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScenarioTarget struct {
	table  *ObjectTable
	writes map[int][]float64
}

func newFakeScenarioTarget(t *testing.T) *fakeScenarioTarget {
	t.Helper()
	table, err := NewObjectTable(testObjectSpecs())
	require.NoError(t, err)
	return &fakeScenarioTarget{table: table, writes: make(map[int][]float64)}
}

func (f *fakeScenarioTarget) Objects() []ObjectInfo { return f.table.Snapshot() }

func (f *fakeScenarioTarget) Read(i int) byte {
	v, err := f.table.Get(i)
	if err != nil || len(v) == 0 {
		return 0
	}
	return v[0]
}

func (f *fakeScenarioTarget) WriteValue(i int, value float64) error {
	o, _ := f.table.Object(i)
	raw, err := Encode(value, o.Format)
	if err != nil {
		return err
	}
	f.writes[i] = append(f.writes[i], value)
	return f.table.Set(i, raw)
}

func TestScenarioType_String(t *testing.T) {
	tests := []struct {
		scenario ScenarioType
		expected string
	}{
		{ScenarioIdle, "idle"},
		{ScenarioSensor, "sensor"},
		{ScenarioToggle, "toggle"},
		{ScenarioType(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.scenario.String())
		})
	}
}

func TestParseScenarioType(t *testing.T) {
	for _, st := range ListScenarioTypes() {
		got, err := ParseScenarioType(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}

	_, err := ParseScenarioType("voltage_sag")
	assert.Error(t, err)
}

func TestGetScenarioHandler(t *testing.T) {
	for _, scenarioType := range ListScenarioTypes() {
		handler := GetScenarioHandler(scenarioType)
		require.NotNil(t, handler, "handler for %s should not be nil", scenarioType)
		assert.Equal(t, scenarioType, handler.Type())
	}
	assert.Nil(t, GetScenarioHandler(ScenarioType(99)))
}

func TestIdleScenario_Update(t *testing.T) {
	target := newFakeScenarioTarget(t)
	require.NoError(t, (&IdleScenario{}).Update(target, ScenarioParams{Base: 21}))
	assert.Empty(t, target.writes)
}

func TestSensorScenario_Update(t *testing.T) {
	target := newFakeScenarioTarget(t)
	handler := &SensorScenario{}
	params := ScenarioParams{Base: 21.0, Variance: 0.5}

	for i := 0; i < 20; i++ {
		require.NoError(t, handler.Update(target, params))
	}

	// 只寫入帶 T 旗標的數值物件：temperature 與 counter
	assert.Len(t, target.writes[3], 20)
	assert.Len(t, target.writes[5], 20)
	assert.Empty(t, target.writes[2], "1-bit status is not a sensor")
	assert.Empty(t, target.writes[4], "setpoint has no transmit flag")
	assert.Empty(t, target.writes[0])

	for _, v := range target.writes[3] {
		assert.InDelta(t, 21.0, v, 0.5)
	}
}

func TestSensorScenario_ClampsUnsigned(t *testing.T) {
	target := newFakeScenarioTarget(t)
	handler := &SensorScenario{}

	require.NoError(t, handler.Update(target, ScenarioParams{Base: -5, Variance: 0}))
	assert.Equal(t, []float64{0}, target.writes[5])
	assert.Equal(t, []float64{-5}, target.writes[3])

	handler.Reset()
	assert.Nil(t, handler.rnd)
}

func TestToggleScenario_Update(t *testing.T) {
	target := newFakeScenarioTarget(t)
	handler := &ToggleScenario{}

	require.NoError(t, handler.Update(target, ScenarioParams{}))
	assert.Equal(t, byte(1), target.Read(2))
	assert.Empty(t, target.writes[1], "switch has no transmit flag")

	require.NoError(t, handler.Update(target, ScenarioParams{}))
	assert.Equal(t, byte(0), target.Read(2))
	assert.Equal(t, []float64{1, 0}, target.writes[2])
}

func TestScenarioRunner(t *testing.T) {
	target := newFakeScenarioTarget(t)
	runner := NewScenarioRunner(target, 10*time.Millisecond, nil)

	st, _ := runner.GetScenario()
	assert.Equal(t, ScenarioIdle, st)

	params := ScenarioParams{Base: 20, Variance: 0}
	require.NoError(t, runner.SetScenario(ScenarioSensor, params))
	st, got := runner.GetScenario()
	assert.Equal(t, ScenarioSensor, st)
	assert.Equal(t, params, got)

	assert.Error(t, runner.SetScenario(ScenarioType(99), params))

	require.NoError(t, runner.Update())
	assert.Equal(t, []float64{20}, target.writes[3])
}

func TestScenarioRunner_Run(t *testing.T) {
	target := newFakeScenarioTarget(t)
	runner := NewScenarioRunner(target, 5*time.Millisecond, nil)
	require.NoError(t, runner.SetScenario(ScenarioToggle, ScenarioParams{}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	runner.Run(ctx)

	assert.GreaterOrEqual(t, len(target.writes[2]), 2)
}

func TestScenarioRunner_RunDisabled(t *testing.T) {
	runner := NewScenarioRunner(newFakeScenarioTarget(t), 0, nil)

	done := make(chan struct{})
	go func() {
		runner.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately without an interval")
	}
}
