package compliance

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed frameworks.yaml
var frameworksYAML []byte

// Requirements names the rule each check enforces under a framework.
type Requirements struct {
	Consent   string `yaml:"consent"`
	Identity  string `yaml:"identity"`
	Integrity string `yaml:"integrity"`
	Signature string `yaml:"signature"`
	Audit     string `yaml:"audit"`
}

// FrameworkRules is the data-driven rule set of one legal framework.
type FrameworkRules struct {
	Name           string            `yaml:"name"`
	RetentionYears int               `yaml:"retention-years"`
	RequiredLevel  VerificationLevel `yaml:"required-level"`
	Requirements   Requirements      `yaml:"requirements"`
	Certifications []Certification   `yaml:"certifications"`
}

// Rules holds the framework table and the verification level table.
type Rules struct {
	VerificationLevels map[VerificationMethod]VerificationLevel `yaml:"verification-levels"`
	Frameworks         map[Framework]FrameworkRules             `yaml:"frameworks"`
}

// DefaultRules returns the built-in rule tables.
func DefaultRules() *Rules {
	r, err := ParseRules(frameworksYAML)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseRules decodes a rules document. Every framework must carry a valid
// required level and a positive retention period, and CUSTOM must be
// present as the fallback.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("compliance: parse rules: %w", err)
	}
	if _, ok := r.Frameworks[CustomFramework]; !ok {
		return nil, fmt.Errorf("compliance: rules lack the %s framework", CustomFramework)
	}
	for f, fr := range r.Frameworks {
		if fr.RequiredLevel.rank() == 0 {
			return nil, fmt.Errorf("compliance: framework %s: invalid required-level %q", f, fr.RequiredLevel)
		}
		if fr.RetentionYears <= 0 {
			return nil, fmt.Errorf("compliance: framework %s: retention-years must be positive", f)
		}
	}
	for m, l := range r.VerificationLevels {
		if l.rank() == 0 {
			return nil, fmt.Errorf("compliance: verification method %s: invalid level %q", m, l)
		}
	}
	return &r, nil
}

// Framework returns the rules of f, falling back to CUSTOM for unknown
// frameworks.
func (r *Rules) Framework(f Framework) FrameworkRules {
	if fr, ok := r.Frameworks[f]; ok {
		return fr
	}
	return r.Frameworks[CustomFramework]
}

// VerificationLevel maps an identity verification method to its level.
// Unknown methods rank LOW.
func (r *Rules) VerificationLevel(m VerificationMethod) VerificationLevel {
	if l, ok := r.VerificationLevels[m]; ok {
		return l
	}
	return LevelLow
}

// RetentionYears returns the record retention period of f.
func (r *Rules) RetentionYears(f Framework) int {
	return r.Framework(f).RetentionYears
}

// RequiredLevel returns the minimum identity verification level of f.
func (r *Rules) RequiredLevel(f Framework) VerificationLevel {
	return r.Framework(f).RequiredLevel
}

// DefaultCertifications returns a copy of the certifications f grants by
// default.
func (r *Rules) DefaultCertifications(f Framework) []Certification {
	certs := r.Framework(f).Certifications
	out := make([]Certification, len(certs))
	copy(out, certs)
	return out
}
