package core

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// Capability is one push-down operation a connector may support
type Capability uint8

const (
	CapPredicate Capability = 1 << iota
	CapProjection
	CapLimit
	CapAggregate
	CapSort
)

// CapabilitySet is a set of push-down capabilities
type CapabilitySet uint8

// AllCapabilities declares every push-down operation.
const AllCapabilities = CapabilitySet(CapPredicate | CapProjection | CapLimit | CapAggregate | CapSort)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapPredicate, "predicate"},
	{CapProjection, "projection"},
	{CapLimit, "limit"},
	{CapAggregate, "aggregate"},
	{CapSort, "sort"},
}

func (c Capability) String() string {
	for _, n := range capabilityNames {
		if n.cap == c {
			return n.name
		}
	}
	return "unknown"
}

// Caps builds a set from individual capabilities.
func Caps(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool { return s&CapabilitySet(c) != 0 }

// Intersect returns the capabilities present in both sets.
func (s CapabilitySet) Intersect(o CapabilitySet) CapabilitySet { return s & o }

// Names returns the capability names in declaration order.
func (s CapabilitySet) Names() []string {
	var out []string
	for _, n := range capabilityNames {
		if s.Has(n.cap) {
			out = append(out, n.name)
		}
	}
	return out
}

func (s CapabilitySet) String() string {
	if s == 0 {
		return "none"
	}
	return strings.Join(s.Names(), ",")
}

// MarshalJSON encodes the set as a list of names.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// ParseCapabilities parses capability names, case-insensitively. "all" and
// "none" are accepted.
func ParseCapabilities(names []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "all":
			s |= AllCapabilities
			continue
		case "none", "":
			continue
		}
		found := false
		for _, n := range capabilityNames {
			if n.name == name {
				s |= CapabilitySet(n.cap)
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Newf(errors.ErrorTypeConfig, "unknown capability %q", raw)
		}
	}
	return s, nil
}
