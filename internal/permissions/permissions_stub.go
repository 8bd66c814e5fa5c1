//go:build !darwin

package permissions

import "errors"

// ErrMicrophoneDenied is never returned on platforms without a permission
// prompt.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// EnsureMicrophone is a no-op on non-macOS platforms.
func EnsureMicrophone() error {
	return nil
}

// HotkeysAllowed is always true on non-macOS platforms.
func HotkeysAllowed(prompt bool) bool {
	return true
}
