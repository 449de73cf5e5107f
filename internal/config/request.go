package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/message"
)

// PipelineRequestFile is the on-disk shape of a pipeline request.
//
//	date_range:
//	  start: 2025-01-01
//	  end: 2025-03-31
//	tables: [returns, warranties]
//	filters:
//	  store_locations: [north]
type PipelineRequestFile struct {
	DateRange *message.DateRange  `yaml:"date_range"`
	Tables    []string            `yaml:"tables"`
	Filters   map[string][]string `yaml:"filters"`
}

// LoadPipelineRequest reads a YAML pipeline request. Omitted fields fall
// back to the coordinator defaults when the pipeline starts.
func LoadPipelineRequest(path string) (coordinator.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return coordinator.Request{}, fmt.Errorf("reading request: %w", err)
	}
	return ParsePipelineRequest(data)
}

// ParsePipelineRequest decodes a YAML pipeline request.
func ParsePipelineRequest(data []byte) (coordinator.Request, error) {
	var f PipelineRequestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return coordinator.Request{}, fmt.Errorf("parsing request: %w", err)
	}
	if f.DateRange != nil {
		if err := f.DateRange.Validate(); err != nil {
			return coordinator.Request{}, fmt.Errorf("parsing request: %w", err)
		}
	}
	return coordinator.Request{
		DateRange: f.DateRange,
		Tables:    f.Tables,
		Filters:   f.Filters,
	}, nil
}
