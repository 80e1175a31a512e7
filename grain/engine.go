package grain

import (
	"math"

	"go.uber.org/zap"
)

// DefaultTruckCapacity is the load of one truck, in kilograms.
const DefaultTruckCapacity = 30000.0

// Engine holds the pure reconciliation computations.
// It keeps no state between calls; one Engine can serve concurrent reports.
type Engine struct {
	Grains        Describer
	TruckCapacity float64
	Log           *zap.Logger
}

// NewEngine creates an engine. A nil describer returns codes unchanged.
func NewEngine(grains Describer, log *zap.Logger) *Engine {
	if grains == nil {
		grains = DescriptorMap{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Grains: grains, TruckCapacity: DefaultTruckCapacity, Log: log}
}

func (e *Engine) capacity() float64 {
	if e.TruckCapacity <= 0 {
		return DefaultTruckCapacity
	}
	return e.TruckCapacity
}

func (e *Engine) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Trucks returns how many trucks of the given capacity move qty.
// Zero only when qty is zero.
func Trucks(qty, capacity float64) int {
	if capacity <= 0 {
		capacity = DefaultTruckCapacity
	}
	return int(math.Ceil(math.Abs(qty) / capacity))
}
