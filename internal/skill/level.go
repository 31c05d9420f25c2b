package skill

import (
	"fmt"
	"strings"
)

// Level is an ordinal proficiency estimate.
type Level int

const (
	Beginner Level = iota
	Intermediate
	Advanced
	Expert
)

var levelNames = [...]string{"beginner", "intermediate", "advanced", "expert"}

func (l Level) String() string {
	if l < Beginner || l > Expert {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return l >= Beginner && l <= Expert
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return Beginner, fmt.Errorf("unknown skill level %q (want one of %s)", s, strings.Join(levelNames[:], ", "))
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid skill level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Overall aggregates per-domain levels into one: the most frequent level,
// ties going to the lower one. An empty set is Beginner.
func Overall(levels map[string]Level) Level {
	var counts [Expert + 1]int
	for _, l := range levels {
		if l.Valid() {
			counts[l]++
		}
	}
	best, bestCount := Beginner, 0
	for l := Beginner; l <= Expert; l++ {
		// Strict > keeps the lower level on ties.
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best
}
