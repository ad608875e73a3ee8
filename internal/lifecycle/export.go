// ABOUTME: YAML export and import of server registrations
// ABOUTME: Exports carry the connection descriptor and flags but never credentials

package lifecycle

import (
	"bytes"
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/store"
)

// Document header values for exported servers.
const (
	ExportAPIVersion = "toolgate/v1"
	ExportKind       = "ToolServer"
)

// Document is the YAML form of one exported server.
type Document struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Server     Spec   `yaml:"server"`
}

// Export renders a server registration as YAML.
func (c *Controller) Export(ctx context.Context, id string) ([]byte, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if server.IsBuiltin {
		return nil, apperr.Validation("built-in server %s cannot be exported", server.Name)
	}

	doc := Document{
		APIVersion: ExportAPIVersion,
		Kind:       ExportKind,
		Server:     specOf(server),
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding server: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding server: %w", err)
	}
	return buf.Bytes(), nil
}

// Import registers the server described by an exported document. A name
// that already exists is a Conflict.
func (c *Controller) Import(ctx context.Context, data []byte, ownerID string) (*store.ToolServer, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "parsing server document")
	}
	if doc.APIVersion != ExportAPIVersion {
		return nil, apperr.Validation("unsupported apiVersion %q", doc.APIVersion)
	}
	if doc.Kind != ExportKind {
		return nil, apperr.Validation("unsupported kind %q", doc.Kind)
	}
	if doc.Server.Transport == store.TransportBuiltin {
		return nil, apperr.Validation("built-in servers cannot be imported")
	}

	server, err := c.Create(ctx, doc.Server, ownerID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("server imported", "server_id", server.ID, "name", server.Name)
	return server, nil
}
