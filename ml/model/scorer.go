package model

import (
	"encoding/json"
	"fmt"

	"github.com/machinist-ai/machinist/runtime/fault"
)

// Scorer scores a feature vector. Scores are normalized to [0, 1]; the
// anomaly threshold is applied by the caller.
type Scorer interface {
	Score(features []float64) (float64, error)
}

// defaultZScale is how many standard deviations map to a score of 1.
const defaultZScale = 5.0

// ZScoreScorer scores by the largest per-feature deviation from the fitted
// mean, in standard deviations, scaled into [0, 1]. It is the artifact
// format the baseline trainer produces.
type ZScoreScorer struct {
	Means   []float64 `json:"means"`
	Stddevs []float64 `json:"stddevs"`
	// ZScale is the deviation that saturates the score; zero means the
	// default of 5.
	ZScale float64 `json:"z_scale,omitempty"`
}

// Score implements Scorer.
func (s *ZScoreScorer) Score(features []float64) (float64, error) {
	if len(features) != len(s.Means) {
		return 0, fault.Validation(fmt.Errorf("model: got %d features, scorer fitted on %d", len(features), len(s.Means)))
	}
	scale := s.ZScale
	if scale <= 0 {
		scale = defaultZScale
	}

	worst := 0.0
	for i, x := range features {
		sd := s.Stddevs[i]
		var z float64
		switch {
		case sd > 0:
			z = (x - s.Means[i]) / sd
		case x != s.Means[i]:
			// A constant feature that moved at all is maximally
			// anomalous.
			z = scale
		}
		if z < 0 {
			z = -z
		}
		score := z / scale
		if score > 1 {
			score = 1
		}
		if score > worst {
			worst = score
		}
	}
	return worst, nil
}

// artifactEnvelope tags serialized scorers so new kinds can coexist.
type artifactEnvelope struct {
	Type string `json:"type"`
}

// artifactTypeZScore is the only scorer kind the runtime decodes today.
const artifactTypeZScore = "zscore"

// EncodeScorerArtifact serializes a scorer into registry artifact bytes.
func EncodeScorerArtifact(s *ZScoreScorer) ([]byte, error) {
	doc := struct {
		Type string `json:"type"`
		*ZScoreScorer
	}{Type: artifactTypeZScore, ZScoreScorer: s}
	return json.Marshal(doc)
}

// DecodeScorerArtifact parses registry artifact bytes into a Scorer.
func DecodeScorerArtifact(artifact []byte) (Scorer, error) {
	var env artifactEnvelope
	if err := json.Unmarshal(artifact, &env); err != nil {
		return nil, fault.Permanent(fmt.Errorf("model: parse artifact: %w", err))
	}
	switch env.Type {
	case artifactTypeZScore:
		var s ZScoreScorer
		if err := json.Unmarshal(artifact, &s); err != nil {
			return nil, fault.Permanent(fmt.Errorf("model: parse zscore artifact: %w", err))
		}
		if len(s.Means) == 0 || len(s.Means) != len(s.Stddevs) {
			return nil, fault.Permanent(fmt.Errorf("model: zscore artifact has %d means, %d stddevs", len(s.Means), len(s.Stddevs)))
		}
		return &s, nil
	default:
		return nil, fault.Permanent(fmt.Errorf("model: unknown artifact type %q", env.Type))
	}
}
