package scan

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Field length and range limits.
const (
	MaxScanName    = 50
	MaxPolicyName  = 75
	MaxScanType    = 50
	MaxOutputFile  = 150
	MaxCategory    = 100
	MaxStatus      = 50
	MinCriticality = 1
	MaxCriticality = 100
	MinAttackValue = 0
	MaxAttackValue = 100
)

const maxFieldMessage = "must be at most %d characters"

func checkLength(errs *FieldErrors, field, v string, max int) {
	if utf8.RuneCountInString(v) > max {
		errs.Add(field, fmt.Sprintf(maxFieldMessage, max))
	}
}

func checkRange(errs *FieldErrors, field string, v, min, max int) {
	if v < min || v > max {
		errs.Add(field, fmt.Sprintf("must be between %d and %d", min, max))
	}
}

// ValidateScanName checks the name given to an uploaded scan.
func ValidateScanName(name string) FieldErrors {
	var errs FieldErrors
	if strings.TrimSpace(name) == "" {
		errs.Add("name", "is required")
		return errs
	}
	checkLength(&errs, "name", name, MaxScanName)
	return errs
}

// Validate checks a policy before it is stored.
func (p Policy) Validate() FieldErrors {
	var errs FieldErrors
	if strings.TrimSpace(p.Name) == "" {
		errs.Add("name", "is required")
	}
	checkLength(&errs, "name", p.Name, MaxPolicyName)
	if strings.TrimSpace(p.Arguments) == "" {
		errs.Add("arguments", "is required")
	}
	checkLength(&errs, "scan_type", p.ScanType, MaxScanType)
	checkLength(&errs, "output_filename", p.OutputFilename, MaxOutputFile)
	return errs
}

// WithDefaults fills in the defaults for empty optional fields.
func (p Policy) WithDefaults() Policy {
	if p.ScanType == "" {
		p.ScanType = DefaultScanType
	}
	if p.OutputFilename == "" {
		p.OutputFilename = DefaultOutputFile
	}
	return p
}

// ScanUpdate holds the operator editable fields of a scan. Nil fields are
// left unchanged.
type ScanUpdate struct {
	Notes *string `json:"notes"`
}

// Validate checks the update.
func (u ScanUpdate) Validate() FieldErrors {
	return nil
}

// HostUpdate holds the operator triage fields of a host. Nil fields are left
// unchanged.
type HostUpdate struct {
	Category    *string `json:"category"`
	Criticality *int    `json:"criticality"`
	Status      *string `json:"assessment_status"`
}

// Validate checks the update.
func (u HostUpdate) Validate() FieldErrors {
	var errs FieldErrors
	if u.Category != nil {
		checkLength(&errs, "category", *u.Category, MaxCategory)
	}
	if u.Criticality != nil {
		checkRange(&errs, "criticality", *u.Criticality, MinCriticality, MaxCriticality)
	}
	if u.Status != nil {
		checkLength(&errs, "assessment_status", *u.Status, MaxStatus)
	}
	return errs
}

// Empty reports whether the update changes nothing.
func (u HostUpdate) Empty() bool {
	return u.Category == nil && u.Criticality == nil && u.Status == nil
}

// ServiceUpdate holds the operator triage fields of a service. Nil fields
// are left unchanged.
type ServiceUpdate struct {
	Category    *string `json:"category"`
	AttackValue *int    `json:"attack_value"`
	Status      *string `json:"assessment_status"`
	Notes       *string `json:"notes"`
}

// Validate checks the update.
func (u ServiceUpdate) Validate() FieldErrors {
	var errs FieldErrors
	if u.Category != nil {
		checkLength(&errs, "category", *u.Category, MaxCategory)
	}
	if u.AttackValue != nil {
		checkRange(&errs, "attack_value", *u.AttackValue, MinAttackValue, MaxAttackValue)
	}
	if u.Status != nil {
		checkLength(&errs, "assessment_status", *u.Status, MaxStatus)
	}
	return errs
}

// Empty reports whether the update changes nothing.
func (u ServiceUpdate) Empty() bool {
	return u.Category == nil && u.AttackValue == nil && u.Status == nil && u.Notes == nil
}
