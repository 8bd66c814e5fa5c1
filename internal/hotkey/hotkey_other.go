//go:build !darwin && !linux

package hotkey

import "errors"

// New reports that global hotkeys are unavailable on this platform. The
// listener can still be driven from the tray menu.
func New() (Manager, error) {
	return nil, errors.New("global hotkeys are not supported on this platform")
}
