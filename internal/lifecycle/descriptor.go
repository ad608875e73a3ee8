// ABOUTME: Builds transport descriptors from stored servers, decrypting credentials
// ABOUTME: Credentials are a JSON header map or a bare bearer token

package lifecycle

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/transport"
)

func (c *Controller) descriptor(server *store.ToolServer) (transport.Descriptor, error) {
	desc := transport.Descriptor{
		Name:    server.Name,
		Kind:    server.Transport,
		URL:     server.URL,
		Command: server.Command,
		Args:    server.Args,
		Env:     server.Env,
		Headers: maps.Clone(server.Headers),
		Timeout: time.Duration(server.TimeoutMs) * time.Millisecond,
	}

	if server.Credentials == "" {
		return desc, nil
	}
	if c.secrets == nil {
		return desc, fmt.Errorf("server %s has credentials but no secrets key is configured", server.Name)
	}
	plain, err := c.secrets.Decrypt(server.Credentials)
	if err != nil {
		return desc, fmt.Errorf("decrypting credentials: %w", err)
	}

	if desc.Headers == nil {
		desc.Headers = make(map[string]string)
	}
	for k, v := range credentialHeaders(plain) {
		desc.Headers[k] = v
	}
	return desc, nil
}

// credentialHeaders turns decrypted credentials into request headers.
func credentialHeaders(plain string) map[string]string {
	plain = strings.TrimSpace(plain)
	if strings.HasPrefix(plain, "{") {
		var headers map[string]string
		if err := json.Unmarshal([]byte(plain), &headers); err == nil {
			return headers
		}
	}
	return map[string]string{"Authorization": "Bearer " + plain}
}

func (c *Controller) encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	if c.secrets == nil {
		return "", apperr.Validation("credentials require a configured secrets key")
	}
	ct, err := c.secrets.Encrypt(plain)
	if err != nil {
		return "", fmt.Errorf("encrypting credentials: %w", err)
	}
	return ct, nil
}
