package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is the YAML form used to export and import policy sets.
type Document struct {
	Policies []Policy `yaml:"policies"`
}

// EncodeYAML writes policies as a Document.
func EncodeYAML(w io.Writer, policies []Policy) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Document{Policies: policies}); err != nil {
		return fmt.Errorf("encode policies: %w", err)
	}
	return enc.Close()
}

// DecodeYAML reads a Document and normalises every policy in it. Unknown
// keys are rejected.
func DecodeYAML(data []byte) ([]Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty policy document", ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	seen := make(map[string]bool, len(doc.Policies))
	out := make([]Policy, 0, len(doc.Policies))
	for i, p := range doc.Policies {
		n, err := Normalize(p)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		if seen[n.Name] {
			return nil, fmt.Errorf("%w: duplicate policy name %q", ErrInvalidInput, n.Name)
		}
		seen[n.Name] = true
		out = append(out, n)
	}
	return out, nil
}
