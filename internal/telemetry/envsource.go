package telemetry

import (
	"math"
	"math/rand"
	"time"
)

// EnvSample is one reading from the environment sensor bank. Pointer
// fields are nil when the backing sensor is absent or faulted.
type EnvSample struct {
	TempC       *float64
	HumidityPct *float64
	GasRawADC   int
	GasDigital  bool
	COPpm       *float64
	Source      string
}

// EnvironmentSource produces environment samples on demand.
type EnvironmentSource interface {
	Sample() EnvSample
}

// SimulatedEnvironment generates plausible drifting readings for bench
// runs without the sensor bank attached.
type SimulatedEnvironment struct {
	start time.Time
	rng   *rand.Rand
}

func NewSimulatedEnvironment() *SimulatedEnvironment {
	return &SimulatedEnvironment{
		start: time.Now(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedEnvironment) Sample() EnvSample {
	t := time.Since(s.start).Seconds()
	temp := 24.0 + 3.0*math.Sin(t/60.0) + s.rng.Float64()
	hum := 45.0 + 10.0*math.Sin(t/90.0) + s.rng.Float64()*2
	co := 2.0 + s.rng.Float64()*1.5
	gas := 300 + int(50*math.Sin(t/30.0)) + s.rng.Intn(20)
	return EnvSample{
		TempC:       &temp,
		HumidityPct: &hum,
		GasRawADC:   gas,
		GasDigital:  gas > 600,
		COPpm:       &co,
		Source:      "simulated",
	}
}
