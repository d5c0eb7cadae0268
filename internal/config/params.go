package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrMissingParam is returned when a required parameter is absent or blank.
var ErrMissingParam = errors.New("required parameter is missing")

// Well-known parameter sections.
const (
	SectionManager       = "Manager"
	SectionJob           = "JobParameters"
	SectionStepParams    = "StepParameters"
	SectionPeptideSearch = "PeptideSearch"
)

// MgrParams supplies manager-level settings (paths, thresholds, toggles).
type MgrParams interface {
	GetParam(name, defaultValue string) string
}

// JobParams supplies job-step settings grouped by section.
type JobParams interface {
	GetJobParam(section, name, defaultValue string) string
}

// Params is an in-memory, case-insensitive sectioned key/value store.
// It satisfies both MgrParams (section Manager) and JobParams.
type Params struct {
	mu       sync.RWMutex
	sections map[string]map[string]string
}

// NewParams creates an empty parameter store.
func NewParams() *Params {
	return &Params{sections: make(map[string]map[string]string)}
}

// Set stores a value under section/name.
func (p *Params) Set(section, name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sec := strings.ToLower(section)
	if p.sections[sec] == nil {
		p.sections[sec] = make(map[string]string)
	}
	p.sections[sec][strings.ToLower(name)] = value
}

func (p *Params) lookup(section, name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.sections[strings.ToLower(section)][strings.ToLower(name)]
	return v, ok
}

// GetParam returns a manager setting.
func (p *Params) GetParam(name, defaultValue string) string {
	if v, ok := p.lookup(SectionManager, name); ok && v != "" {
		return v
	}
	return defaultValue
}

// GetJobParam returns a job setting from the given section. An empty
// section searches every section in name order.
func (p *Params) GetJobParam(section, name, defaultValue string) string {
	if section != "" {
		if v, ok := p.lookup(section, name); ok && v != "" {
			return v
		}
		return defaultValue
	}

	p.mu.RLock()
	names := make([]string, 0, len(p.sections))
	for sec := range p.sections {
		names = append(names, sec)
	}
	p.mu.RUnlock()
	sort.Strings(names)

	for _, sec := range names {
		if v, ok := p.lookup(sec, name); ok && v != "" {
			return v
		}
	}
	return defaultValue
}

// Required returns a manager setting or ErrMissingParam.
func Required(p MgrParams, name string) (string, error) {
	v := p.GetParam(name, "")
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("manager parameter %s: %w", name, ErrMissingParam)
	}
	return v, nil
}

// RequiredJob returns a job setting or ErrMissingParam.
func RequiredJob(p JobParams, section, name string) (string, error) {
	v := p.GetJobParam(section, name, "")
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("job parameter %s/%s: %w", section, name, ErrMissingParam)
	}
	return v, nil
}

// Int parses an integer setting, falling back on blank or malformed values.
func Int(value string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return i
}

// Bool parses a boolean setting, falling back on blank or malformed values.
func Bool(value string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

// GetJobParameterInt returns an integer job setting.
func GetJobParameterInt(p JobParams, section, name string, defaultValue int) int {
	return Int(p.GetJobParam(section, name, ""), defaultValue)
}

// GetJobParameterBool returns a boolean job setting.
func GetJobParameterBool(p JobParams, section, name string, defaultValue bool) bool {
	return Bool(p.GetJobParam(section, name, ""), defaultValue)
}
