package rdma

import "fmt"

// Backend names accepted by NewBackend.
const (
	BackendSimulated = "simulated"
	BackendVerbs     = "verbs"
)

// NewBackend returns an initialized verbs backend by name.
func NewBackend(name string) (VerbsBackend, error) {
	var (
		backend VerbsBackend
		err     error
	)

	switch name {
	case "", BackendSimulated:
		backend = NewSimulatedVerbsBackend()
	case BackendVerbs:
		backend, err = newHardwareBackend()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown verbs backend %q", ErrConfiguration, name)
	}

	err = backend.Init()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verbs backend: %w", err)
	}

	return backend, nil
}
