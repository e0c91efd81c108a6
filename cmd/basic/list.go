package basic

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stephnangue/secretbroker/cmd/helpers"
)

var (
	ListCmd = &cobra.Command{
		Use:           "list [PREFIX]",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "List the secrets under a prefix",
		Long: `
Usage: secretbroker list [PREFIX]

  List the names stored directly under PREFIX. Names ending in "/" are
  folders. An empty prefix lists the root of the mount.

      $ secretbroker list plugins/org_123
`,
		Args: cobra.MaximumNArgs(1),
		RunE: runList,
	}

	listOutputFormat string
)

func init() {
	ListCmd.Flags().StringVarP(&listOutputFormat, "format", "f", "table", "Output format: table, json")
}

func runList(cmd *cobra.Command, args []string) error {
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	b, done, err := helpers.Broker(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	keys, err := b.ListSecrets(cmd.Context(), prefix)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	out := cmd.OutOrStdout()
	switch listOutputFormat {
	case "json":
		return outputJSON(out, keys)
	case "table":
		rows := make([][]any, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []any{k})
		}
		helpers.PrintTable(out, []string{"Keys"}, rows)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", listOutputFormat)
	}
}
