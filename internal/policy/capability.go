// Package policy holds the value types that describe what a sandboxed run may
// do and consume.
package policy

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/p-arndt/convbox/internal/errdefs"
)

type Capability string

const (
	ReadFilesystem  Capability = "read-filesystem"
	WriteFilesystem Capability = "write-filesystem"
	Network         Capability = "network"
	SpawnSubprocess Capability = "spawn-subprocess"
	ReadEnvironment Capability = "read-environment"
)

var allCapabilities = []Capability{
	ReadFilesystem,
	WriteFilesystem,
	Network,
	SpawnSubprocess,
	ReadEnvironment,
}

func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allCapabilities {
		if c == known {
			return c, nil
		}
	}
	return "", errdefs.Configuration("unknown capability %q", s)
}

// CapabilitySet is an immutable set of granted capabilities. The zero value
// grants nothing.
type CapabilitySet struct {
	bits uint8
}

func bit(c Capability) uint8 {
	for i, known := range allCapabilities {
		if c == known {
			return 1 << i
		}
	}
	return 0
}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s.bits |= bit(c)
	}
	return s
}

// ParseCapabilitySet parses names such as "read-filesystem,network".
func ParseCapabilitySet(names []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		c, err := ParseCapability(n)
		if err != nil {
			return CapabilitySet{}, err
		}
		s.bits |= bit(c)
	}
	return s, nil
}

// FullFilesystem grants read and write access inside the run directory.
func FullFilesystem() CapabilitySet {
	return NewCapabilitySet(ReadFilesystem, WriteFilesystem)
}

func (s CapabilitySet) Has(c Capability) bool {
	b := bit(c)
	return b != 0 && s.bits&b == b
}

func (s CapabilitySet) With(caps ...Capability) CapabilitySet {
	out := s
	for _, c := range caps {
		out.bits |= bit(c)
	}
	return out
}

func (s CapabilitySet) Empty() bool { return s.bits == 0 }

func (s CapabilitySet) List() []Capability {
	var out []Capability
	for _, c := range allCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s CapabilitySet) String() string {
	names := make([]string, 0, len(allCapabilities))
	for _, c := range s.List() {
		names = append(names, string(c))
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0)
	for _, c := range s.List() {
		names = append(names, string(c))
	}
	return json.Marshal(names)
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseCapabilitySet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
