// Package mig holds the MIG partition model and the apply/poll state
// machine that drives the cluster-side MIG manager to a desired layout.
package mig

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"sigs.k8s.io/yaml"
)

// DeviceSpec is one (slice type, instance count) pair within a profile.
type DeviceSpec struct {
	SliceType string `json:"sliceType"`
	Count     int    `json:"count"`
}

// Profile is a named partition template. Devices is empty when MigEnabled
// is false, meaning a full unpartitioned GPU.
type Profile struct {
	Name       string       `json:"name"`
	MigEnabled bool         `json:"migEnabled"`
	Devices    []DeviceSpec `json:"devices,omitempty"`
}

// equal reports whether two profiles describe the same partition layout.
func (p Profile) equal(other Profile) bool {
	if p.Name != other.Name || p.MigEnabled != other.MigEnabled || len(p.Devices) != len(other.Devices) {
		return false
	}
	for i := range p.Devices {
		if p.Devices[i] != other.Devices[i] {
			return false
		}
	}
	return true
}

// Template is the set of selectable profiles loaded from the profile
// template file. Read-only for the duration of a run.
type Template struct {
	Profiles []Profile `json:"profiles"`
}

// Lookup returns the profile with the given name.
func (t Template) Lookup(name string) (Profile, bool) {
	for _, p := range t.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// LoadTemplate parses the profile template file.
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("mig: read template %s: %w", path, err)
	}
	var t Template
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return Template{}, fmt.Errorf("mig: parse template %s: %w", path, err)
	}
	if len(t.Profiles) == 0 {
		return Template{}, fmt.Errorf("mig: template %s contains no profiles", path)
	}
	return t, nil
}

// DesiredConfiguration maps each GPU index 0..N-1 to its selected profile.
// Immutable once the apply phase begins.
type DesiredConfiguration struct {
	GPUs map[int]Profile
}

// intentFile is the on-disk operator intent: gpu index -> profile name.
// YAML object keys arrive as strings.
type intentFile struct {
	GPUs map[string]string `json:"gpus"`
}

// LoadIntent reads the operator's desired-configuration file and resolves
// each selection against the template. The indices must cover 0..N-1 with
// no gaps.
func LoadIntent(path string, tmpl Template) (DesiredConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DesiredConfiguration{}, fmt.Errorf("mig: read intent %s: %w", path, err)
	}
	var intent intentFile
	if err := yaml.UnmarshalStrict(data, &intent); err != nil {
		return DesiredConfiguration{}, fmt.Errorf("mig: parse intent %s: %w", path, err)
	}
	if len(intent.GPUs) == 0 {
		return DesiredConfiguration{}, fmt.Errorf("mig: intent %s selects no GPUs", path)
	}

	dc := DesiredConfiguration{GPUs: make(map[int]Profile, len(intent.GPUs))}
	for k, name := range intent.GPUs {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return DesiredConfiguration{}, fmt.Errorf("mig: invalid GPU index %q in %s", k, path)
		}
		p, ok := tmpl.Lookup(name)
		if !ok {
			return DesiredConfiguration{}, fmt.Errorf("mig: unknown profile %q for GPU %d", name, idx)
		}
		dc.GPUs[idx] = p
	}

	if err := dc.validateCoverage(); err != nil {
		return DesiredConfiguration{}, err
	}
	return dc, nil
}

// validateCoverage checks the indices form the contiguous range 0..N-1.
func (dc DesiredConfiguration) validateCoverage() error {
	for i := 0; i < len(dc.GPUs); i++ {
		if _, ok := dc.GPUs[i]; !ok {
			return fmt.Errorf("mig: desired configuration missing GPU index %d (have %d GPUs)", i, len(dc.GPUs))
		}
	}
	return nil
}

// Indices returns the configured GPU indices in ascending order.
func (dc DesiredConfiguration) Indices() []int {
	out := make([]int, 0, len(dc.GPUs))
	for i := range dc.GPUs {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
