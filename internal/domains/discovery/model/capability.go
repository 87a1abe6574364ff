package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRequirements = errors.New("invalid capability requirements")

// TechnologyRequirement names a technology (e.g. "evm", "solana") together
// with the interfaces and features a responder must support for it.
type TechnologyRequirement struct {
	Type       string   `json:"type" yaml:"type"`
	Interfaces []string `json:"interfaces" yaml:"interfaces"`
	Features   []string `json:"features,omitempty" yaml:"features,omitempty"`
}

type Requirements struct {
	Technologies []TechnologyRequirement `json:"technologies" yaml:"technologies"`
	Features     []string                `json:"features" yaml:"features"`
	Networks     []string                `json:"networks,omitempty" yaml:"networks,omitempty"`
}

// Preferences share the shape of Requirements but are only used for ranking.
type Preferences struct {
	Technologies []TechnologyRequirement `json:"technologies,omitempty" yaml:"technologies,omitempty"`
	Features     []string                `json:"features,omitempty" yaml:"features,omitempty"`
	Networks     []string                `json:"networks,omitempty" yaml:"networks,omitempty"`
}

type TechnologyCapability struct {
	Type       string   `json:"type" yaml:"type"`
	Interfaces []string `json:"interfaces" yaml:"interfaces"`
	Features   []string `json:"features,omitempty" yaml:"features,omitempty"`
}

// Capabilities is what a responder declares about itself. Several entries
// may share a technology type, e.g. two interface generations.
type Capabilities struct {
	Technologies []TechnologyCapability `json:"technologies" yaml:"technologies"`
	Features     []string               `json:"features,omitempty" yaml:"features,omitempty"`
	Networks     []string               `json:"networks,omitempty" yaml:"networks,omitempty"`
}

type TechnologyMatch struct {
	Type       string   `json:"type"`
	Interfaces []string `json:"interfaces"`
	Features   []string `json:"features"`
}

type Intersection struct {
	Technologies []TechnologyMatch `json:"technologies"`
	Features     []string          `json:"features"`
	Networks     []string          `json:"networks,omitempty"`
}

func (i *Intersection) HasTechnology(techType string) bool {
	if i == nil {
		return false
	}
	techType = NormalizeTechnology(techType)
	for _, tech := range i.Technologies {
		if NormalizeTechnology(tech.Type) == techType {
			return true
		}
	}
	return false
}

// Covers reports whether the intersection names every required technology.
func (i *Intersection) Covers(req Requirements) bool {
	if i == nil {
		return false
	}
	for _, tech := range req.Technologies {
		if !i.HasTechnology(tech.Type) {
			return false
		}
	}
	return true
}

type MissingReason string

const (
	MissingUndeclared MissingReason = "undeclared"
	MissingInterfaces MissingReason = "interfaces"
	MissingFeatures   MissingReason = "features"
)

type MissingTechnology struct {
	Type       string        `json:"type"`
	Reason     MissingReason `json:"reason"`
	Interfaces []string      `json:"interfaces,omitempty"`
	Features   []string      `json:"features,omitempty"`
}

type Missing struct {
	Technologies      []string            `json:"technologies,omitempty"`
	TechnologyDetails []MissingTechnology `json:"technologyDetails,omitempty"`
	Features          []string            `json:"features,omitempty"`
	Networks          []string            `json:"networks,omitempty"`
}

func (m Missing) Empty() bool {
	return len(m.Technologies) == 0 && len(m.Features) == 0 && len(m.Networks) == 0
}

type PreferenceReport struct {
	Technologies []string `json:"technologies,omitempty"`
	Interfaces   []string `json:"interfaces,omitempty"`
	Features     []string `json:"features,omitempty"`
	Networks     []string `json:"networks,omitempty"`
	Score        int      `json:"score"`
}

type MatchResult struct {
	CanFulfill   bool
	Intersection *Intersection
	Missing      Missing
	Preferred    PreferenceReport
}

func NormalizeTechnology(techType string) string {
	return strings.ToLower(strings.TrimSpace(techType))
}

// Validate enforces the shape invariants of a requirement set. An empty
// technology list is rejected so that a request can never be satisfied by
// matching nothing.
func (r Requirements) Validate() error {
	if len(r.Technologies) == 0 {
		return fmt.Errorf("%w: at least one technology is required", ErrInvalidRequirements)
	}
	seen := make(map[string]struct{}, len(r.Technologies))
	for i, tech := range r.Technologies {
		techType := NormalizeTechnology(tech.Type)
		if techType == "" {
			return fmt.Errorf("%w: technology %d has no type", ErrInvalidRequirements, i)
		}
		if tech.Interfaces == nil {
			return fmt.Errorf("%w: technology %q has no interface list", ErrInvalidRequirements, techType)
		}
		if _, dup := seen[techType]; dup {
			return fmt.Errorf("%w: technology %q listed twice", ErrInvalidRequirements, techType)
		}
		seen[techType] = struct{}{}
		for _, iface := range tech.Interfaces {
			if strings.TrimSpace(iface) == "" {
				return fmt.Errorf("%w: technology %q has an empty interface name", ErrInvalidRequirements, techType)
			}
		}
	}
	for _, network := range r.Networks {
		if !IsChainID(network) {
			return fmt.Errorf("%w: network %q is not a namespaced chain id", ErrInvalidRequirements, network)
		}
	}
	return nil
}

func (c Capabilities) Validate() error {
	if len(c.Technologies) == 0 {
		return errors.New("capabilities must declare at least one technology")
	}
	for i, tech := range c.Technologies {
		if NormalizeTechnology(tech.Type) == "" {
			return fmt.Errorf("declared technology %d has no type", i)
		}
	}
	for _, network := range c.Networks {
		if !IsChainID(network) {
			return fmt.Errorf("declared network %q is not a namespaced chain id", network)
		}
	}
	return nil
}

// IsChainID accepts CAIP-2 style identifiers: "<namespace>:<reference>".
func IsChainID(value string) bool {
	namespace, reference, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok || len(namespace) < 3 || len(namespace) > 8 || reference == "" || len(reference) > 64 {
		return false
	}
	for _, r := range namespace {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	for _, r := range reference {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
