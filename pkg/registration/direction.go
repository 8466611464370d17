package registration

import (
	"fmt"
	"strings"
)

// Direction selects the slice order of the target series
type Direction string

const (
	// Auto tries both orders and keeps the one that preserves more of the mask
	Auto Direction = "auto"

	// Normal uses the target slices in ascending location order
	Normal Direction = "normal"

	// Reverse uses the target slices in descending location order
	Reverse Direction = "reverse"
)

// ParseDirection converts a user supplied string. The empty string means Auto.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return Auto, nil
	case Auto, Normal, Reverse:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q (must be auto, normal or reverse)", s)
	}
}

func (d Direction) String() string {
	return string(d)
}

// candidates lists the directions to evaluate, the tie-break first
func (d Direction) candidates() []Direction {
	if d == Auto {
		return []Direction{Normal, Reverse}
	}
	return []Direction{d}
}
