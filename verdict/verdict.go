// Package verdict turns a list of detections into the accident decision.
package verdict

import (
	"math"

	"github.com/roadsafe/accident-detection-service/models"
)

const (
	// AccidentClass is the model label that marks an accident.
	AccidentClass = 0
	// DecisionThreshold is the minimum accident score that flips the verdict.
	DecisionThreshold = 0.70
)

// Policy selects which class counts as an accident and how sure the model must be.
type Policy struct {
	Class     int
	Threshold float64
}

type Verdict struct {
	Accident   bool
	Confidence float64 // percent, two decimals
}

func DefaultPolicy() Policy {
	return Policy{
		Class:     AccidentClass,
		Threshold: DecisionThreshold,
	}
}

// Evaluate scans the detections in emission order. Confidence stays 0 unless
// at least one detection of the accident class reaches the threshold.
func (p Policy) Evaluate(detections []models.Detection) Verdict {
	accident := false
	maxConf := 0.0

	for _, d := range detections {
		score := float64(d.Score)
		if d.Class == p.Class && score >= p.Threshold {
			accident = true
			maxConf = math.Max(maxConf, score)
		}
	}

	return Verdict{
		Accident:   accident,
		Confidence: roundPercent(maxConf * 100),
	}
}

// roundPercent rounds to two decimals, ties to even.
func roundPercent(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}
