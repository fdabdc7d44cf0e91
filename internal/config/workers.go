package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// WorkerSpec describes one fleet member as loaded from the workers file.
// It mirrors workerpool.Config's fields directly rather than importing
// workerpool here, keeping config free of a dependency on the pool package
// it feeds.
type WorkerSpec struct {
	ID           string            `yaml:"id"`
	Host         string            `yaml:"host"`
	User         string            `yaml:"user"`
	IdentityFile string            `yaml:"identity_file"`
	TotalSlots   uint32            `yaml:"total_slots"`
	Priority     uint32            `yaml:"priority"`
	Tags         map[string]bool   `yaml:"tags"`
}

// Fleet is the top-level shape of the workers file: a flat list, since
// fleets here are small enough that nesting by region/rack buys nothing.
type Fleet struct {
	Workers []WorkerSpec `yaml:"workers"`
}

// DefaultWorkersPath is used when RCOMP_WORKERS_FILE is unset.
const DefaultWorkersPath = "/etc/rcompd/workers.yaml"

// LoadFleet reads the worker fleet definition from path. A missing file
// yields an empty Fleet rather than an error, matching Load's treatment of
// a missing general config file: a daemon with no remote workers configured
// still starts, it just never has a build leave the local machine.
func LoadFleet(path string) (*Fleet, error) {
	if path == "" {
		path = DefaultWorkersPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Fleet{}, nil
		}
		return nil, fmt.Errorf("config: reading workers file %s: %w", path, err)
	}
	var fleet Fleet
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("config: parsing workers file %s: %w", path, err)
	}
	for i, w := range fleet.Workers {
		if w.ID == "" {
			return nil, fmt.Errorf("config: worker at index %d in %s has no id", i, path)
		}
		if w.TotalSlots == 0 {
			return nil, fmt.Errorf("config: worker %q in %s has total_slots=0", w.ID, path)
		}
	}
	return &fleet, nil
}
