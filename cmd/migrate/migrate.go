package migrate

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"

	"github.com/stephnangue/secretbroker/cmd/helpers"
	importer "github.com/stephnangue/secretbroker/migrate"
)

var (
	MigrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Import secrets from other secret managers",
	}

	awsCmd = &cobra.Command{
		Use:           "aws SECRET_ID PATH",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Import a JSON secret from AWS Secrets Manager",
		Long: `
Usage: secretbroker migrate aws [options] SECRET_ID PATH

  Read SECRET_ID from AWS Secrets Manager and merge its JSON keys into the
  secret at PATH. Credentials come from the default AWS chain unless
  --access-key-id and --secret-access-key are given.

      $ secretbroker migrate aws --region eu-west-1 \
          --key-map public_key=publicApiKey,private_key=privateApiKey \
          prod/vapi/org_123 plugins/org_123/vapi
`,
		Args: cobra.ExactArgs(2),
		RunE: runAWS,
	}

	flagRegion          string
	flagAccessKeyID     string
	flagSecretAccessKey string
	flagSessionToken    string
	flagVersionStage    string
	flagKeyMap          string

	// newSource is replaced in tests.
	newSource = defaultSource
)

func init() {
	awsCmd.Flags().StringVar(&flagRegion, "region", "", "AWS region of the secret")
	awsCmd.Flags().StringVar(&flagAccessKeyID, "access-key-id", "", "Static AWS access key id")
	awsCmd.Flags().StringVar(&flagSecretAccessKey, "secret-access-key", "", "Static AWS secret access key")
	awsCmd.Flags().StringVar(&flagSessionToken, "session-token", "", "Static AWS session token")
	awsCmd.Flags().StringVar(&flagVersionStage, "version-stage", "", "Staging label to read, AWSCURRENT by default")
	awsCmd.Flags().StringVar(&flagKeyMap, "key-map", "", "Rename keys on import, src=dst,src2=dst2")

	MigrateCmd.AddCommand(awsCmd)
}

func runAWS(cmd *cobra.Command, args []string) error {
	secretID, path := args[0], args[1]

	keyMap, err := importer.ParseKeyMap(flagKeyMap)
	if err != nil {
		return err
	}

	source, err := newSource(cmd.Context())
	if err != nil {
		return err
	}

	b, done, err := helpers.Broker(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	imp := &importer.Importer{
		Source:       source,
		Target:       b,
		VersionStage: flagVersionStage,
		KeyMap:       keyMap,
		Logger:       helpers.Logger().WithSubsystem("migrate"),
	}
	keys, err := imp.Import(cmd.Context(), secretID, path)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", secretID, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Success! Imported %d keys from %s to %s\n", len(keys), secretID, path)
	return nil
}

func defaultSource(ctx context.Context) (importer.SecretsManagerAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if flagRegion != "" {
		opts = append(opts, awsconfig.WithRegion(flagRegion))
	}
	if flagAccessKeyID != "" || flagSecretAccessKey != "" {
		if flagAccessKeyID == "" || flagSecretAccessKey == "" {
			return nil, fmt.Errorf("--access-key-id and --secret-access-key must be given together")
		}
		var provider aws.CredentialsProvider = credentials.NewStaticCredentialsProvider(flagAccessKeyID, flagSecretAccessKey, flagSessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(provider))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}
