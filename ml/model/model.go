// Package model is the client side of the model registry: version metadata,
// stage transitions, artifact loading with content-hash verification, and
// the trainer contract. The in-memory registry is the reference
// implementation; production deployments point the same interfaces at an
// external registry service.
package model

import (
	"context"
	"errors"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
)

type (
	// Stage is a model version's lifecycle stage.
	Stage string

	// Version is the registry metadata for one immutable model version.
	Version struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
		Stage   Stage  `json:"stage"`
		// FeatureNames is the persisted feature order; scoring inputs
		// are built in exactly this order.
		FeatureNames []string `json:"feature_names"`
		// ContentHash is the SHA-256 of the artifact, hex-encoded,
		// computed at registration and verified on every load.
		ContentHash string             `json:"content_hash"`
		Metrics     map[string]float64 `json:"metrics,omitempty"`
		CreatedAt   time.Time          `json:"created_at"`
	}

	// RegistryClient is the narrow surface the runtime uses to resolve,
	// register and transition model versions. It is the sole mutator of
	// stages.
	RegistryClient interface {
		// GetActive resolves the serving version: Production when one
		// exists, otherwise the latest Staging, otherwise ErrNotFound.
		GetActive(ctx context.Context, name string) (Version, error)
		// ListVersions returns all versions of the model ascending.
		ListVersions(ctx context.Context, name string) ([]Version, error)
		// Register stores the artifact under the next version number
		// with stage None and a computed content hash.
		Register(ctx context.Context, name string, artifact []byte, featureNames []string, metrics map[string]float64) (Version, error)
		// Transition moves a version to the given stage.
		Transition(ctx context.Context, name string, version int, stage Stage) error
		// LoadArtifact fetches and decodes the version's scorer after
		// verifying the content hash. A mismatch is
		// ErrIntegrityViolation: the artifact must not be used.
		LoadArtifact(ctx context.Context, name string, version int) (Scorer, error)
	}
)

const (
	StageNone        Stage = "none"
	StageStaging     Stage = "staging"
	StageProduction  Stage = "production"
	StageArchived    Stage = "archived"
	StageQuarantined Stage = "quarantined"
)

var (
	// ErrNotFound reports an unknown model name or version, or a model
	// with no serving-eligible version.
	ErrNotFound = errors.New("model: not found")

	// ErrIntegrityViolation reports an artifact whose bytes do not match
	// the registered content hash.
	ErrIntegrityViolation = fault.Integrity(errors.New("model: artifact hash mismatch"))
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageNone, StageStaging, StageProduction, StageArchived, StageQuarantined:
		return true
	}
	return false
}

// MetricHoldout is the metrics key trainers report their holdout score
// under; retraining compares candidates to incumbents by this key.
const MetricHoldout = "holdout_score"
