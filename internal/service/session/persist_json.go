package session

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DefaultDocumentName is the file name used under the data directory.
const DefaultDocumentName = "chat_history.json"

// JSONFile persists the session document as one pretty-printed JSON object.
type JSONFile struct {
	path string
}

// NewJSONFile returns a persister writing to path.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path is the document location.
func (f *JSONFile) Path() string {
	return f.path
}

// Load reads the document; a missing file is an empty document.
func (f *JSONFile) Load(_ context.Context) (Document, error) {
	data, err := os.ReadFile(f.path) // #nosec G304 - path comes from configuration
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", f.path)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}

	doc := Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode %s", f.path)
	}
	return doc, nil
}

// Save writes the document through a temp file and an atomic rename.
func (f *JSONFile) Save(_ context.Context, doc Document) error {
	if doc == nil {
		doc = Document{}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(doc); err != nil {
		return errors.Wrap(err, "encode sessions")
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "replace %s", f.path)
	}
	return nil
}
