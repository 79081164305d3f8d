package scheduler

import (
	"time"

	"qplane/internal/workflow"
)

// Policy scores a candidate device for a stage. Higher is better. The engine
// filters hard constraints before scoring, so a policy only ever sees devices
// that could run the stage.
type Policy interface {
	Name() string
	Score(stage *workflow.Stage, dev *Device) float64
}

// FirstFit is the static fallback policy: every candidate scores the same,
// so the engine's tie-break (lowest estimated wait, then id) decides.
type FirstFit struct{}

func (FirstFit) Name() string { return "first-fit" }

func (FirstFit) Score(*workflow.Stage, *Device) float64 { return 0 }

// QualityAware scores candidates on soft signals: shallow queues, recent
// calibration, and historical success rate.
type QualityAware struct {
	// CalibrationHorizon is the age at which calibration data contributes
	// nothing to the score. Defaults to 24h.
	CalibrationHorizon time.Duration
	now                func() time.Time
}

func (QualityAware) Name() string { return "quality-aware" }

func (p QualityAware) Score(_ *workflow.Stage, dev *Device) float64 {
	horizon := p.CalibrationHorizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}

	// Queue depth dominates: each queued circuit costs a full point.
	score := -float64(dev.QueueDepth)

	age := now().Sub(dev.LastCalibrated)
	if age < 0 {
		age = 0
	}
	if age < horizon {
		score += 1 - age.Seconds()/horizon.Seconds()
	}

	score += dev.SuccessRate
	return score
}
