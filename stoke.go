package stoke

import (
	"strings"

	"golang.org/x/xerrors"
)

// A TargetDescriptor names one build target: which project to build, for
// which platform, in which configuration (e.g. Editor|Linux|Development).
type TargetDescriptor struct {
	Name          string
	Platform      string
	Configuration string
}

func (t TargetDescriptor) String() string {
	return t.Name + "|" + t.Platform + "|" + t.Configuration
}

// ParseTargetDescriptor parses a Name|Platform|Configuration triple.
func ParseTargetDescriptor(s string) (TargetDescriptor, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return TargetDescriptor{}, xerrors.Errorf("invalid target descriptor %q, expected Name|Platform|Configuration", s)
	}
	for _, p := range parts {
		if p == "" {
			return TargetDescriptor{}, xerrors.Errorf("invalid target descriptor %q: empty component", s)
		}
	}
	return TargetDescriptor{
		Name:          parts[0],
		Platform:      parts[1],
		Configuration: parts[2],
	}, nil
}
