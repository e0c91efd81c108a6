package basic

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stephnangue/secretbroker/cmd/helpers"
)

var DeleteCmd = &cobra.Command{
	Use:           "delete PATH",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Delete the secret at a path",
	Long: `
Usage: secretbroker delete PATH

  Delete the latest version of the secret at PATH. Deleting a path that holds
  no secret succeeds.

      $ secretbroker delete plugins/org_123/vapi
`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	path := args[0]

	b, done, err := helpers.Broker(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	if err := b.DeleteSecret(cmd.Context(), path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Success! Data deleted (if it existed) at: %s\n", path)
	return nil
}
