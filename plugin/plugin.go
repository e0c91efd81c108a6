// Package plugin holds the conventions callers use to locate a tenant's
// third-party integration credentials in the broker.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/stephnangue/secretbroker/backend/vault"
)

// ServiceVapi is the voice assistant integration.
const ServiceVapi = "vapi"

var (
	ErrInvalidName = errors.New("invalid secret name")

	// ErrCredentialsNotFound means the tenant never connected the service.
	ErrCredentialsNotFound = errors.New("credentials not found")

	// ErrCredentialsIncomplete means a stored secret lacks a required key.
	ErrCredentialsIncomplete = errors.New("credentials incomplete, please reconnect your account")
)

// Reader is the read side of the broker.
type Reader interface {
	GetSecret(ctx context.Context, path string) (map[string]any, error)
}

// SecretName returns the path of a tenant's credentials for service. Ids
// may not contain "/" or be "." or ".." so one tenant cannot address another's
// secrets.
func SecretName(organizationID, service string) (string, error) {
	for name, v := range map[string]string{"organization id": organizationID, "service": service} {
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrInvalidName, name)
		}
		if strings.Contains(v, "/") {
			return "", fmt.Errorf("%w: %s contains '/'", ErrInvalidName, name)
		}
		if v == "." || v == ".." {
			return "", fmt.Errorf("%w: %s is a dot segment", ErrInvalidName, name)
		}
	}
	return "plugins/" + organizationID + "/" + service, nil
}

// VapiCredentials is the secret stored for ServiceVapi.
type VapiCredentials struct {
	PublicAPIKey  string `mapstructure:"publicApiKey"`
	PrivateAPIKey string `mapstructure:"privateApiKey"`
}

// String never prints the keys.
func (c VapiCredentials) String() string {
	return fmt.Sprintf("VapiCredentials(public=%t, private=%t)", c.PublicAPIKey != "", c.PrivateAPIKey != "")
}

func (c VapiCredentials) complete() bool {
	return c.PublicAPIKey != "" && c.PrivateAPIKey != ""
}

// LoadVapiCredentials reads and decodes the credentials at secretName. Both
// keys must be present.
func LoadVapiCredentials(ctx context.Context, r Reader, secretName string) (*VapiCredentials, error) {
	data, err := r.GetSecret(ctx, secretName)
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, ErrCredentialsNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrCredentialsNotFound
	}

	var creds VapiCredentials
	if err := decode(data, &creds); err != nil {
		return nil, ErrCredentialsIncomplete
	}
	if !creds.complete() {
		return nil, ErrCredentialsIncomplete
	}
	return &creds, nil
}

// PublicVapiCredentials is the lookup exposed to widgets: it returns only
// the public key, and nil without an error when the tenant has no usable
// credentials.
func PublicVapiCredentials(ctx context.Context, r Reader, organizationID string) (*VapiCredentials, error) {
	name, err := SecretName(organizationID, ServiceVapi)
	if err != nil {
		return nil, err
	}

	creds, err := LoadVapiCredentials(ctx, r, name)
	switch {
	case errors.Is(err, ErrCredentialsNotFound), errors.Is(err, ErrCredentialsIncomplete):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &VapiCredentials{PublicAPIKey: creds.PublicAPIKey}, nil
}

// decode errors are not wrapped: mapstructure quotes the offending values.
func decode(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}
