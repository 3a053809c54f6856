package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/machinist-ai/machinist/storage"
)

// A sensor inventory file lists the fleet under a top-level sensors key:
//
//	sensors:
//	  - sensor_id: pump-1
//	    type: vibration
//	    location: line-3/pump-A
//	    status: active
//
// Status is optional and defaults to active.
type (
	catalogDoc struct {
		Sensors []catalogEntry `yaml:"sensors"`
	}

	catalogEntry struct {
		SensorID string `yaml:"sensor_id"`
		Type     string `yaml:"type"`
		Location string `yaml:"location"`
		Status   string `yaml:"status"`
	}
)

// LoadSensorCatalog parses the YAML sensor inventory at path into catalog
// rows ready for seeding.
func LoadSensorCatalog(path string) ([]storage.Sensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensor catalog: %w", err)
	}
	var doc catalogDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse sensor catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(doc.Sensors))
	sensors := make([]storage.Sensor, 0, len(doc.Sensors))
	for i, e := range doc.Sensors {
		if e.SensorID == "" {
			return nil, fmt.Errorf("sensor catalog %s: entry %d has no sensor_id", path, i)
		}
		if _, dup := seen[e.SensorID]; dup {
			return nil, fmt.Errorf("sensor catalog %s: duplicate sensor %q", path, e.SensorID)
		}
		seen[e.SensorID] = struct{}{}

		typ := storage.SensorType(e.Type)
		if !typ.Valid() {
			return nil, fmt.Errorf("sensor catalog %s: sensor %q has unknown type %q", path, e.SensorID, e.Type)
		}
		status := storage.SensorStatus(e.Status)
		if e.Status == "" {
			status = storage.SensorActive
		}
		switch status {
		case storage.SensorActive, storage.SensorInactive, storage.SensorMaintenance, storage.SensorDecommissioned:
		default:
			return nil, fmt.Errorf("sensor catalog %s: sensor %q has unknown status %q", path, e.SensorID, e.Status)
		}

		sensors = append(sensors, storage.Sensor{
			SensorID: e.SensorID,
			Type:     typ,
			Location: e.Location,
			Status:   status,
		})
	}
	return sensors, nil
}
