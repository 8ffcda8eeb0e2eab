package link

import (
	"fmt"
	"strconv"
	"strings"

	"klipper-autospeed/pkg/kinematics"
)

// Position is the parsed output of GET_POSITION.
type Position struct {
	MCU      map[string]int64
	Toolhead kinematics.Vector
}

// ParsePosition reads the "mcu:" and "toolhead:" lines of a GET_POSITION
// response. Lines may carry Klipper's "// " info prefix.
func ParsePosition(lines []string) (Position, error) {
	var pos Position
	var haveMCU, haveToolhead bool
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "//"))
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "mcu":
			m, err := parseFields(rest)
			if err != nil {
				return pos, fmt.Errorf("parse mcu position: %w", err)
			}
			pos.MCU = make(map[string]int64, len(m))
			for name, v := range m {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return pos, fmt.Errorf("parse mcu position %s: %w", name, err)
				}
				pos.MCU[name] = n
			}
			haveMCU = true
		case "toolhead":
			m, err := parseFields(rest)
			if err != nil {
				return pos, fmt.Errorf("parse toolhead position: %w", err)
			}
			for i, axis := range []string{"X", "Y", "Z"} {
				v, ok := m[axis]
				if !ok {
					return pos, fmt.Errorf("toolhead position missing %s", axis)
				}
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return pos, fmt.Errorf("parse toolhead %s: %w", axis, err)
				}
				pos.Toolhead[i] = f
			}
			haveToolhead = true
		}
	}
	if !haveMCU || !haveToolhead {
		return pos, fmt.Errorf("incomplete GET_POSITION response (%d lines)", len(lines))
	}
	return pos, nil
}

// parseFields splits "a:1 b:2" into a map.
func parseFields(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, f := range strings.Fields(s) {
		k, v, ok := strings.Cut(f, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed field %q", f)
		}
		out[k] = v
	}
	return out, nil
}
