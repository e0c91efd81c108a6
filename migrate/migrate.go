// Package migrate copies tenant secrets from AWS Secrets Manager into the
// broker.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/stephnangue/secretbroker/logger"
)

var (
	// ErrNoSecretString means the secret is binary or has no value.
	ErrNoSecretString = errors.New("secret has no string value")

	ErrInvalidSecretString = errors.New("secret string is not a JSON object")
)

// SecretsManagerAPI is the part of the Secrets Manager client the importer
// uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

var _ SecretsManagerAPI = (*secretsmanager.Client)(nil)

// Target receives imported values.
type Target interface {
	UpsertSecret(ctx context.Context, path string, value map[string]any) error
}

// ParseSecretString decodes a SecretString holding a JSON object. The
// returned errors never quote the secret.
func ParseSecretString(out *secretsmanager.GetSecretValueOutput) (map[string]any, error) {
	if out == nil || aws.ToString(out.SecretString) == "" {
		return nil, ErrNoSecretString
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &data); err != nil {
		return nil, ErrInvalidSecretString
	}
	if data == nil {
		return nil, ErrInvalidSecretString
	}
	return data, nil
}

// Importer reads a secret from Source and merges it into Target.
type Importer struct {
	Source SecretsManagerAPI
	Target Target

	// VersionStage selects a staging label, AWSCURRENT when empty.
	VersionStage string

	// KeyMap renames source keys, "src=dst". Unmapped keys are kept.
	KeyMap map[string]string

	Logger logger.Logger
}

// Import copies secretID to path and returns the imported key names.
func (i *Importer) Import(ctx context.Context, secretID, path string) ([]string, error) {
	log := i.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)}
	if i.VersionStage != "" {
		input.VersionStage = aws.String(i.VersionStage)
	}

	out, err := i.Source.GetSecretValue(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get secret '%s': %w", secretID, err)
	}

	data, err := ParseSecretString(out)
	if err != nil {
		return nil, fmt.Errorf("secret '%s': %w", secretID, err)
	}
	data = applyKeyMap(data, i.KeyMap)
	if len(data) == 0 {
		return nil, fmt.Errorf("secret '%s': %w", secretID, ErrInvalidSecretString)
	}

	if err := i.Target.UpsertSecret(ctx, path, data); err != nil {
		return nil, err
	}

	keys := sortedKeys(data)
	log.Info("imported secret from AWS Secrets Manager",
		logger.String("secret_id", secretID),
		logger.String("path", path),
		logger.Strings("keys", keys))
	return keys, nil
}

// ParseKeyMap parses "src=dst,src2=dst2".
func ParseKeyMap(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	m := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		src, dst, ok := strings.Cut(strings.TrimSpace(pair), "=")
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		if !ok || src == "" || dst == "" {
			return nil, fmt.Errorf("invalid key mapping %q, expected src=dst", pair)
		}
		m[src] = dst
	}
	return m, nil
}

func applyKeyMap(data map[string]any, keyMap map[string]string) map[string]any {
	if len(keyMap) == 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if dst, ok := keyMap[k]; ok {
			k = dst
		}
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
