package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads a YAML seed file.
type FileSource struct {
	Path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load parses the seed file.
func (s *FileSource) Load(ctx context.Context) (Seed, error) {
	if err := ctx.Err(); err != nil {
		return Seed{}, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Seed{}, fmt.Errorf("catalog: read %s: %w", s.Path, err)
	}
	return DecodeSeed(bytes.NewReader(raw))
}

// DecodeSeed parses a YAML seed document. Unknown fields are rejected.
func DecodeSeed(r io.Reader) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return Seed{}, fmt.Errorf("%w: empty document", ErrInvalidSeed)
		}
		return Seed{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return seed, nil
}
