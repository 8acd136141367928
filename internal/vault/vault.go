// Package vault stores credential tokens in the OS keychain and resolves the
// token references used in the credentials section of the config.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "kirogate"

// EnvPrefix prefixes the environment variable consulted when a credential's
// token is not in the keychain.
const EnvPrefix = "KIROGATE_TOKEN_"

// Vault provides token storage using the OS keychain, with fallback to
// environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// EnvVar returns the fallback environment variable for a credential name.
func EnvVar(credential string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(credential))
	return EnvPrefix + name
}

// Set stores the token for the named credential in the OS keychain.
func (v *Vault) Set(credential, token string) error {
	return keyring.Set(serviceName, credential, token)
}

// Get retrieves the token for the named credential. It first checks the OS
// keychain, then falls back to KIROGATE_TOKEN_{NAME}.
func (v *Vault) Get(credential string) (string, error) {
	secret, err := keyring.Get(serviceName, credential)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := EnvVar(credential)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no token found for credential %q: not in keychain and %s not set", credential, envKey)
}

// Delete removes the token for the named credential from the OS keychain.
func (v *Vault) Delete(credential string) error {
	return keyring.Delete(serviceName, credential)
}

// List returns which of the given credential names currently have a token
// stored in the keychain or the environment.
func (v *Vault) List(credentials []string) []string {
	var found []string
	for _, name := range credentials {
		if _, err := v.Get(name); err == nil {
			found = append(found, name)
		}
	}
	return found
}

// ResolveKeyRef parses a token reference and retrieves the token.
// Supported formats:
//   - "keyring://kirogate/<credential>"
//   - "env:VARIABLE_NAME"
//   - "file:///path/to/token"
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	switch {
	case strings.HasPrefix(keyRef, "keyring://"):
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid token reference format: %q (expected \"keyring://kirogate/<credential>\")", keyRef)
		}
		return v.Get(parts[1])

	case strings.HasPrefix(keyRef, "env:"):
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)

	case strings.HasPrefix(keyRef, "file://"):
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading token file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("token file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid token reference format: %q (expected \"keyring://kirogate/<credential>\", \"env:VARIABLE_NAME\", or \"file:///path/to/token\")", keyRef)
}
