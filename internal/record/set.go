// internal/record/set.go
package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ColonelBlimp/kltdet/internal/detect"
)

// ErrNoDocument indicates the input held no detection set
var ErrNoDocument = errors.New("no detection set document")

// WriteSet encodes set as a YAML document.
func WriteSet(w io.Writer, set detect.Set) error {
	if set.Events == nil {
		set.Events = []detect.Event{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(set); err != nil {
		return fmt.Errorf("encode detection set: %w", err)
	}
	return enc.Close()
}

// ReadSet decodes the first YAML document of r. Unknown fields are rejected.
func ReadSet(r io.Reader) (detect.Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var set detect.Set
	if err := dec.Decode(&set); err != nil {
		if errors.Is(err, io.EOF) {
			return detect.Set{}, ErrNoDocument
		}
		return detect.Set{}, fmt.Errorf("decode detection set: %w", err)
	}
	return set, nil
}

// SaveSet writes set to path.
func SaveSet(path string, set detect.Set) error {
	var buf bytes.Buffer
	if err := WriteSet(&buf, set); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// LoadSet reads a detection set from path.
func LoadSet(path string) (detect.Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return detect.Set{}, err
	}
	defer f.Close()
	return ReadSet(f)
}
