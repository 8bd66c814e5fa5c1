package hotkey

import (
	"fmt"
	"strings"
)

// Manager defines the interface for global hotkey management
type Manager interface {
	Register(accel string, callback func(pressed bool)) error
	Unregister(accel string) error
	Close() error
}

// Accelerator is a parsed hotkey such as "Ctrl+Shift+L".
type Accelerator struct {
	// Key is the canonical key name: "Space", "Return", "Tab", "Escape",
	// "A".."Z", "0".."9" or "F1".."F24".
	Key   string
	Ctrl  bool
	Alt   bool
	Shift bool
	Super bool
}

func (a Accelerator) String() string {
	var parts []string
	if a.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if a.Alt {
		parts = append(parts, "Alt")
	}
	if a.Shift {
		parts = append(parts, "Shift")
	}
	if a.Super {
		parts = append(parts, "Super")
	}
	return strings.Join(append(parts, a.Key), "+")
}

var namedKeys = map[string]string{
	"space":  "Space",
	"enter":  "Return",
	"return": "Return",
	"tab":    "Tab",
	"esc":    "Escape",
	"escape": "Escape",
}

// Parse reads an accelerator string. Modifiers are case-insensitive and
// accept the macOS names (Option, Command).
func Parse(accel string) (Accelerator, error) {
	var a Accelerator
	if strings.TrimSpace(accel) == "" {
		return a, fmt.Errorf("empty hotkey")
	}

	for _, raw := range strings.Split(accel, "+") {
		part := strings.ToLower(strings.TrimSpace(raw))
		switch part {
		case "ctrl", "control":
			a.Ctrl = true
		case "alt", "option", "opt":
			a.Alt = true
		case "shift":
			a.Shift = true
		case "super", "cmd", "command", "meta", "win":
			a.Super = true
		default:
			key, ok := canonicalKey(part)
			if !ok {
				return Accelerator{}, fmt.Errorf("unknown key %q in hotkey %q", raw, accel)
			}
			if a.Key != "" {
				return Accelerator{}, fmt.Errorf("hotkey %q has more than one key", accel)
			}
			a.Key = key
		}
	}

	if a.Key == "" {
		return Accelerator{}, fmt.Errorf("hotkey %q has no key", accel)
	}
	return a, nil
}

func canonicalKey(part string) (string, bool) {
	if k, ok := namedKeys[part]; ok {
		return k, true
	}
	if len(part) == 1 {
		c := part[0]
		switch {
		case c >= 'a' && c <= 'z':
			return strings.ToUpper(part), true
		case c >= '0' && c <= '9':
			return part, true
		}
	}
	if len(part) >= 2 && part[0] == 'f' {
		var n int
		if _, err := fmt.Sscanf(part[1:], "%d", &n); err == nil && n >= 1 && n <= 24 && fmt.Sprint(n) == part[1:] {
			return "F" + part[1:], true
		}
	}
	return "", false
}
