package app

import (
	"encoding/json"
	"fmt"

	"github.com/carebridge/carestore/internal/migrate"
)

// RegisterMigrations installs the built-in upgrade chains. Chains are
// per-domain; adding a step means appending here with To = previous To + 1.
func RegisterMigrations(r *migrate.Runner) error {
	steps := []struct {
		domain string
		m      migrate.Migration
	}{
		{"vitals", migrate.Migration{
			From:        0,
			To:          1,
			ID:          "vitals-default-unit",
			Description: "Backfill the unit field on vital samples recorded before units were captured",
			Collections: []string{CollectionVitals},
			Transform:   vitalsDefaultUnit,
		}},
		{"vitals", migrate.Migration{
			From:        1,
			To:          2,
			ID:          "vitals-model-version",
			Description: "Stamp vital samples with the scoring model version",
			Collections: []string{CollectionVitals},
			Reversible:  true,
			Transform:   setModelVersion(2),
			Reverse:     setModelVersion(1),
		}},
	}
	for _, step := range steps {
		if err := r.Register(step.domain, step.m); err != nil {
			return err
		}
	}
	return nil
}

func vitalsDefaultUnit(key string, value []byte) ([]byte, bool, error) {
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, false, fmt.Errorf("decode vital %s: %w", key, err)
	}
	if _, ok := doc["unit"]; ok {
		return nil, false, nil
	}
	doc["unit"] = "bpm"
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func setModelVersion(version int) migrate.Transform {
	return func(key string, value []byte) ([]byte, bool, error) {
		var doc map[string]any
		if err := json.Unmarshal(value, &doc); err != nil {
			return nil, false, fmt.Errorf("decode vital %s: %w", key, err)
		}
		if v, ok := doc["model_version"].(float64); ok && int(v) == version {
			return nil, false, nil
		}
		doc["model_version"] = version
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}
}
