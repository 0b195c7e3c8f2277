package artifact

// Persister handles I/O for a specific artifact type using a Codec.
type Persister[T any] struct {
	basename string
	codec    Codec
}

// NewPersister creates a persister with the given basename and codec.
func NewPersister[T any](basename string, codec Codec) *Persister[T] {
	return &Persister[T]{
		basename: basename,
		codec:    codec,
	}
}

// Save writes the artifact into dir.
func (p *Persister[T]) Save(dir string, state *T) error {
	return Save(dir, p.basename, p.codec, state)
}

// Load restores the artifact from dir.
func (p *Persister[T]) Load(dir string) (*T, error) {
	var state T

	err := Load(dir, p.basename, p.codec, &state)
	if err != nil {
		return nil, err
	}

	return &state, nil
}
