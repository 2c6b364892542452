// Package report records the outcome of a batch as YAML.
package report

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ivlev/img2mind/internal/engine"
	"github.com/ivlev/img2mind/internal/system"
)

// Version is the report layout version.
const Version = "1"

// Report summarises one batch run
type Report struct {
	Version  string       `yaml:"version"`
	RunID    string       `yaml:"run_id"`
	Started  time.Time    `yaml:"started"`
	Module   Module       `yaml:"module"`
	Timings  Timings      `yaml:"timings"`
	Host     system.Stats `yaml:"host"`
	Results  []Entry      `yaml:"results"`
	Failures []Failure    `yaml:"failures,omitempty"`
	Skipped  int          `yaml:"skipped,omitempty"`
}

// Module identifies the compute module the batch ran against
type Module struct {
	Location string `yaml:"location"`
	Digest   string `yaml:"digest"`
}

// Timings are wall-clock durations of the batch phases
type Timings struct {
	Acquire time.Duration `yaml:"acquire"`
	Items   time.Duration `yaml:"items"`
	Total   time.Duration `yaml:"total"`
}

// Entry describes one compiled input
type Entry struct {
	Index    int           `yaml:"index"`
	Name     string        `yaml:"name"`
	Width    int           `yaml:"width"`
	Height   int           `yaml:"height"`
	Features int           `yaml:"features"`
	Bytes    int           `yaml:"bytes"`
	Cached   bool          `yaml:"cached,omitempty"`
	Duration time.Duration `yaml:"duration"`
	Output   string        `yaml:"output,omitempty"`  // artifact path when written to disk
	Overlay  string        `yaml:"overlay,omitempty"` // debug overlay path when written to disk
}

// Failure describes one input that did not compile
type Failure struct {
	Index int    `yaml:"index"`
	Name  string `yaml:"name"`
	Stage string `yaml:"stage"`
	Error string `yaml:"error"`
}

// New builds a report from batch. location names where the module came from.
func New(batch *engine.BatchResult, location string, host system.Stats) *Report {
	r := &Report{
		Version: Version,
		RunID:   batch.RunID,
		Started: batch.Started,
		Module:  Module{Location: location, Digest: batch.ModuleDigest},
		Timings: Timings{
			Acquire: batch.Timings.Acquire,
			Items:   batch.Timings.Items,
			Total:   batch.Timings.Total,
		},
		Host:    host,
		Results: make([]Entry, 0, len(batch.Results)),
		Skipped: batch.Skipped,
	}

	for _, res := range batch.Results {
		e := Entry{
			Index:    res.Index,
			Name:     res.Name,
			Bytes:    len(res.Target),
			Cached:   res.Cached,
			Duration: res.Duration,
		}
		if res.Artifact != nil {
			e.Width = res.Artifact.Width
			e.Height = res.Artifact.Height
			e.Features = len(res.Artifact.Features)
		}
		r.Results = append(r.Results, e)
	}
	for _, f := range batch.Failures {
		r.Failures = append(r.Failures, Failure{
			Index: f.Index,
			Name:  f.Name,
			Stage: string(f.Stage),
			Error: f.Err.Error(),
		})
	}
	return r
}

// Entry returns the entry for the input at index, or nil.
func (r *Report) Entry(index int) *Entry {
	for i := range r.Results {
		if r.Results[i].Index == index {
			return &r.Results[i]
		}
	}
	return nil
}

// Write writes a report to a YAML file
func Write(r *Report, path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Read reads a report from a YAML file
func Read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	return &r, nil
}
