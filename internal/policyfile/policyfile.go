// Package policyfile reads scan policies from a YAML file.
//
// The file holds a list of policies:
//
//	policies:
//	  - name: ping sweep
//	    type: Discovery
//	    arguments: -sn
//	    output: ping-sweep.xml
//	    notes: ICMP and TCP/443 probes only
package policyfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jamesog/scantrack/pkg/scan"
)

type file struct {
	Policies []policy `yaml:"policies"`
}

type policy struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Arguments string `yaml:"arguments"`
	Output    string `yaml:"output"`
	Notes     string `yaml:"notes"`
}

// Load reads and validates the policies in the named file.
func Load(name string) ([]scan.Policy, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	policies, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return policies, nil
}

// Parse decodes and validates policies. Unknown keys are an error and
// defaults are filled in for empty optional fields.
func Parse(b []byte) ([]scan.Policy, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	seen := make(map[string]bool)
	policies := make([]scan.Policy, 0, len(f.Policies))
	for i, p := range f.Policies {
		sp := scan.Policy{
			Name:           p.Name,
			ScanType:       p.Type,
			Arguments:      p.Arguments,
			OutputFilename: p.Output,
			Notes:          p.Notes,
		}
		if err := sp.Validate().Err(); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i+1, err)
		}
		if seen[sp.Name] {
			return nil, fmt.Errorf("policy %d: %q: %w", i+1, sp.Name, scan.ErrDuplicateName)
		}
		seen[sp.Name] = true
		policies = append(policies, sp.WithDefaults())
	}
	return policies, nil
}
