// Package secrets resolves signer keys from AWS Secrets Manager or the process environment. Keys
// never come from the topology file.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
)

const (
	DriverAWS = "aws"
	DriverEnv = "env"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// New returns the provider for driver. The AWS provider uses the default credential chain.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverEnv, "":
		return EnvProvider{}, nil
	case DriverAWS:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
		}
		return NewAWS(secretsmanager.NewFromConfig(cfg))
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

// SecretsManagerAPI is the subset of *secretsmanager.Client the provider uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client SecretsManagerAPI
}

func NewAWS(client SecretsManagerAPI) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

// Get returns the secret string. A name of the form "id#field" selects one field of a JSON
// secret.
func (p *AWSProvider) Get(ctx context.Context, name string) (string, error) {
	id, field, _ := strings.Cut(strings.TrimSpace(name), "#")
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", id, err)
	}
	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: secret %q is empty", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a JSON object", ErrInvalidConfig, id)
	}
	v := strings.TrimSpace(fields[field])
	if v == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return v, nil
}

type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return v, nil
}

// LoadSigner resolves a hex private key and wraps it as a local signer. The key material never
// appears in returned errors.
func LoadSigner(ctx context.Context, p Provider, name string) (*eth.LocalSigner, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	v, err := p.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	key, err := eth.ParsePrivateKeyHex(v)
	if err != nil {
		return nil, fmt.Errorf("secrets: signer %q: %w", name, err)
	}
	return eth.NewLocalSigner(key), nil
}
