//go:build unix && !linux && !darwin

package asyncloop

// No accelerated backend on this target; BackendAuto falls through to the
// portable poll(2) backend.
func newAcceleratedBackend() (ioBackend, error) {
	return nil, &UnsupportedError{Message: "asyncloop: no accelerated poll backend on this platform"}
}
