package basic

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stephnangue/secretbroker/backend/vault"
	"github.com/stephnangue/secretbroker/cmd/helpers"
)

var (
	ReadCmd = &cobra.Command{
		Use:           "get PATH",
		Aliases:       []string{"read"},
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Read the secret stored at a path",
		Long: `
Usage: secretbroker get PATH

  Read the latest version of the secret stored at PATH in the KV mount.

  Examples:

    Read a tenant's voice assistant credentials:

      $ secretbroker get plugins/org_123/vapi

    Print only the key names:

      $ secretbroker get --mask plugins/org_123/vapi
`,
		Args: cobra.ExactArgs(1),
		RunE: runRead,
	}

	outputFormat string
	maskValues   bool
	readField    string
)

func init() {
	ReadCmd.Flags().StringVarP(&outputFormat, "format", "f", "table", "Output format: table, json")
	ReadCmd.Flags().BoolVarP(&maskValues, "mask", "m", false, "Replace values with a mask")
	ReadCmd.Flags().StringVar(&readField, "field", "", "Print only the value of this key")
}

func runRead(cmd *cobra.Command, args []string) error {
	path := args[0]

	b, done, err := helpers.Broker(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	data, err := b.GetSecret(cmd.Context(), path)
	if err != nil {
		if vault.IsNotFound(err) {
			return fmt.Errorf("no secret found at path: %s", path)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if maskValues {
		data = helpers.MaskValues(data)
	}

	out := cmd.OutOrStdout()
	if readField != "" {
		v, ok := data[readField]
		if !ok {
			return fmt.Errorf("field %q not present in secret", readField)
		}
		fmt.Fprintln(out, v)
		return nil
	}

	switch outputFormat {
	case "json":
		return outputJSON(out, data)
	case "table":
		helpers.PrintMapAsTable(out, data)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", outputFormat)
	}
}

func outputJSON(w io.Writer, data any) error {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Fprintln(w, string(output))
	return nil
}
