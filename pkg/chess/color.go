package chess

import "fmt"

type Color string

const (
	White = "w"
	Black = "b"
)

func (c Color) Opp() Color {
	if c == White {
		return Black
	}

	return White
}

// ParseColor validates a wire color string.
func ParseColor(s string) (Color, error) {
	switch s {
	case White:
		return White, nil
	case Black:
		return Black, nil
	}

	return "", fmt.Errorf("invalid color %q", s)
}
