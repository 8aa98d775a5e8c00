package clients

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a client directory:
//
//	clients:
//	  - client_id: web
//	    redirect_uris: ["https://app.example/callback"]
type File struct {
	Clients []Client `yaml:"clients"`
}

// LoadFile reads a YAML client file and builds a Directory from its clients
// followed by extra. A client_id appearing in both is a duplicate.
func LoadFile(path string, extra ...Client) (*Directory, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read client file: %w", err)
	}
	return Parse(data, extra...)
}

// Parse builds a Directory from YAML plus extra. Unknown keys are rejected so
// that a misspelt redirect_uris or client_secret does not silently produce a
// client without URIs or a public client.
func Parse(data []byte, extra ...Client) (*Directory, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse client file: %w", err)
	}
	return New(append(f.Clients, extra...)...)
}
