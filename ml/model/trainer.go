package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

// minTrainingSamples is the smallest window a trainer will fit on. Below this
// the split leaves too few holdout points to score.
const minTrainingSamples = 10

type (
	// TrainingRequest describes what to fit.
	TrainingRequest struct {
		// ModelName is the registry name the resulting version belongs to.
		ModelName string
		// SensorID selects the readings to train on.
		SensorID string
		// Window bounds the training data to readings newer than now-Window.
		Window time.Duration
	}

	// TrainingResult carries a fitted artifact plus the metadata the registry
	// needs to register it.
	TrainingResult struct {
		// Artifact is the serialized scorer.
		Artifact []byte
		// FeatureNames is the feature order the scorer expects.
		FeatureNames []string
		// Metrics holds evaluation scores, including MetricHoldout.
		Metrics map[string]float64
	}

	// Trainer fits a new model version from recent sensor data.
	Trainer interface {
		Train(ctx context.Context, req TrainingRequest) (TrainingResult, error)
	}
)

// BaselineTrainer fits a single-feature z-score model on recent readings. It
// splits the window chronologically, estimates mean and stddev on the first
// 80% and scores the last 20% as holdout: the fraction of holdout values
// within three standard deviations of the fitted mean.
type BaselineTrainer struct {
	readings storage.ReadingRepository
}

// NewBaselineTrainer builds a trainer over the given repository.
func NewBaselineTrainer(readings storage.ReadingRepository) *BaselineTrainer {
	return &BaselineTrainer{readings: readings}
}

// Train implements Trainer.
func (t *BaselineTrainer) Train(ctx context.Context, req TrainingRequest) (TrainingResult, error) {
	if req.SensorID == "" {
		return TrainingResult{}, fault.Validation(fmt.Errorf("model: training request missing sensor id"))
	}
	window := req.Window
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}

	rows, err := t.readings.Recent(ctx, req.SensorID, window)
	if err != nil {
		return TrainingResult{}, fmt.Errorf("load training window for %q: %w", req.SensorID, err)
	}
	if len(rows) < minTrainingSamples {
		return TrainingResult{}, fault.Permanent(fmt.Errorf("model: %d readings for %q, need at least %d", len(rows), req.SensorID, minTrainingSamples))
	}

	values := make([]float64, len(rows))
	for i, row := range rows {
		values[i] = row.Value
	}

	split := len(values) * 8 / 10
	fit, holdout := values[:split], values[split:]

	mean, stddev := stat.MeanStdDev(fit, nil)
	scorer := &ZScoreScorer{
		Means:   []float64{mean},
		Stddevs: []float64{stddev},
		ZScale:  defaultZScale,
	}
	artifact, err := EncodeScorerArtifact(scorer)
	if err != nil {
		return TrainingResult{}, err
	}

	within := 0
	for _, v := range holdout {
		if stddev == 0 {
			if v == mean {
				within++
			}
			continue
		}
		if math.Abs(v-mean)/stddev <= 3 {
			within++
		}
	}

	return TrainingResult{
		Artifact:     artifact,
		FeatureNames: []string{"value"},
		Metrics: map[string]float64{
			MetricHoldout: float64(within) / float64(len(holdout)),
			"train_size":  float64(len(fit)),
		},
	}, nil
}
