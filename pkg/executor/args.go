package executor

import (
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Direction of a swipe or scroll
type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

const (
	defaultSwipeLength  = 50
	defaultScrollLength = 1000

	// swipe_until_element_appears starts at (10%, 50%) of the screen and
	// covers 25% of it
	swipeStartX = 10
	swipeStartY = 50
	swipeSpan   = 25
)

// specialKeys maps key names to Android key codes
var specialKeys = map[string]int{
	"home":      3,
	"back":      4,
	"tab":       61,
	"space":     62,
	"enter":     66,
	"backspace": 67,
	"escape":    111,
	"delete":    112,
}

func parseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Up, Down, Left, Right:
		return d, nil
	}
	return "", errInvalid("direction must be up, down, left or right, got %q", s)
}

// step returns the unit vector of d
func (d Direction) step() core.Point {
	switch d {
	case Up:
		return core.Point{Y: -1}
	case Down:
		return core.Point{Y: 1}
	case Left:
		return core.Point{X: -1}
	default:
		return core.Point{X: 1}
	}
}

func (d Direction) opposite() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	case Left:
		return Right
	default:
		return Left
	}
}

func (d Direction) from(p core.Point, length int) core.Point {
	s := d.step()
	return core.Point{X: p.X + s.X*length, Y: p.Y + s.Y*length}
}

func parseInt(name, s string) (int, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err == nil {
		return n, nil
	}
	// numeric variables expand as "3" but data files may carry "3.0"
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || f != float64(int(f)) {
		return 0, errInvalid("%s must be an integer, got %q", name, s)
	}
	return int(f), nil
}

func optionalInt(name, s string, def int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return parseInt(name, s)
}

func parseFloat(name, s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errInvalid("%s must be a number, got %q", name, s)
	}
	return f, nil
}

// optionalSeconds parses a timeout given in seconds
func optionalSeconds(name, s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	f, err := parseFloat(name, s)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, errInvalid("%s must not be negative", name)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// splitList splits a comma separated parameter, dropping blanks
func splitList(s string) []string {
	var res []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

// varName accepts both "name" and "${name}"
func varName(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}
