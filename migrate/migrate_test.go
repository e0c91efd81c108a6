package migrate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/secretbroker/logger"
)

type fakeSource struct {
	secrets map[string]string
	input   *secretsmanager.GetSecretValueInput
}

func (f *fakeSource) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.input = in
	s, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: aws.String(s)}, nil
}

type fakeTarget struct {
	writes map[string]map[string]any
	err    error
}

func (f *fakeTarget) UpsertSecret(_ context.Context, path string, value map[string]any) error {
	if f.err != nil {
		return f.err
	}
	if f.writes == nil {
		f.writes = make(map[string]map[string]any)
	}
	f.writes[path] = value
	return nil
}

func TestParseSecretString(t *testing.T) {
	tests := []struct {
		name    string
		out     *secretsmanager.GetSecretValueOutput
		want    map[string]any
		wantErr error
	}{
		{name: "nil output", out: nil, wantErr: ErrNoSecretString},
		{name: "binary secret", out: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1}}, wantErr: ErrNoSecretString},
		{name: "empty string", out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("")}, wantErr: ErrNoSecretString},
		{name: "not json", out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("sk-plain-secret")}, wantErr: ErrInvalidSecretString},
		{name: "json array", out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`["a"]`)}, wantErr: ErrInvalidSecretString},
		{name: "json null", out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`null`)}, wantErr: ErrInvalidSecretString},
		{
			name: "object",
			out:  &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"publicApiKey":"pk","privateApiKey":"sk"}`)},
			want: map[string]any{"publicApiKey": "pk", "privateApiKey": "sk"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSecretString(tt.out)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotContains(t, err.Error(), "sk-plain-secret")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImport(t *testing.T) {
	src := &fakeSource{secrets: map[string]string{
		"prod/vapi/org1": `{"public_key":"pk","privateApiKey":"sk-live-1"}`,
	}}
	dst := &fakeTarget{}
	logs := &bytes.Buffer{}

	imp := &Importer{
		Source:       src,
		Target:       dst,
		VersionStage: "AWSPREVIOUS",
		KeyMap:       map[string]string{"public_key": "publicApiKey"},
		Logger: logger.NewZerologLogger(&logger.Config{
			Level:   logger.DebugLevel,
			Format:  logger.JSONFormat,
			Outputs: []io.Writer{logs},
		}),
	}

	keys, err := imp.Import(context.Background(), "prod/vapi/org1", "plugins/org1/vapi")
	require.NoError(t, err)
	assert.Equal(t, []string{"privateApiKey", "publicApiKey"}, keys)
	assert.Equal(t, map[string]any{"publicApiKey": "pk", "privateApiKey": "sk-live-1"}, dst.writes["plugins/org1/vapi"])
	assert.Equal(t, "AWSPREVIOUS", aws.ToString(src.input.VersionStage))
	assert.NotContains(t, logs.String(), "sk-live-1")
}

func TestImport_Failures(t *testing.T) {
	src := &fakeSource{secrets: map[string]string{
		"bad":   "not-json-secret",
		"empty": "{}",
		"good":  `{"a":"1"}`,
	}}

	imp := &Importer{Source: src, Target: &fakeTarget{}}

	_, err := imp.Import(context.Background(), "missing", "p")
	assert.Error(t, err)

	_, err = imp.Import(context.Background(), "bad", "p")
	assert.ErrorIs(t, err, ErrInvalidSecretString)
	assert.NotContains(t, err.Error(), "not-json-secret")

	_, err = imp.Import(context.Background(), "empty", "p")
	assert.ErrorIs(t, err, ErrInvalidSecretString)

	targetErr := errors.New("store unavailable")
	imp.Target = &fakeTarget{err: targetErr}
	_, err = imp.Import(context.Background(), "good", "p")
	assert.ErrorIs(t, err, targetErr)
}

func TestParseKeyMap(t *testing.T) {
	m, err := ParseKeyMap(" public_key=publicApiKey, private_key = privateApiKey ")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"public_key": "publicApiKey", "private_key": "privateApiKey"}, m)

	m, err = ParseKeyMap("")
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = ParseKeyMap("novalue")
	assert.Error(t, err)
	_, err = ParseKeyMap("=dst")
	assert.Error(t, err)
}
