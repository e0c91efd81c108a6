package basic

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stephnangue/secretbroker/cmd/helpers"
)

var (
	WriteCmd = &cobra.Command{
		Use:           "put PATH [DATA]",
		Aliases:       []string{"write"},
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Create or merge a secret at a path",
		Long: `
Usage: secretbroker put PATH [DATA]

  Create the secret at PATH, or merge the given keys into the secret already
  stored there. Keys that are not given are kept. The data can be provided as
  JSON via stdin, as a JSON argument, or as key=value pairs. A value starting
  with "@" is read from the named file.

  Merge a single key:

      $ secretbroker put plugins/org_123/vapi privateApiKey=@private.key

  Write JSON via stdin:

      $ secretbroker put plugins/org_123/vapi <<EOF
      {"publicApiKey": "...", "privateApiKey": "..."}
      EOF
`,
		Args: cobra.MinimumNArgs(1),
		RunE: runWrite,
	}
)

func runWrite(cmd *cobra.Command, args []string) error {
	path := args[0]

	data, err := parseData(cmd.InOrStdin(), args[1:])
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("no data to write")
	}

	b, done, err := helpers.Broker(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	if err := b.UpsertSecret(cmd.Context(), path, data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", path, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Success! Data written to: %s\n", path)
	return nil
}

// parseData reads JSON from a piped stdin, or key=value / JSON arguments.
// Errors never quote the data.
func parseData(stdin io.Reader, args []string) (map[string]any, error) {
	var data map[string]any

	if len(args) == 0 {
		if f, ok := stdin.(*os.File); ok {
			if stat, err := f.Stat(); err != nil || stat.Mode()&os.ModeCharDevice != 0 {
				return nil, nil
			}
		}
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		if len(raw) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("stdin is not a JSON object")
		}
		return data, nil
	}

	if !strings.Contains(args[0], "=") {
		if err := json.Unmarshal([]byte(strings.Join(args, " ")), &data); err != nil {
			return nil, fmt.Errorf("arguments are neither key=value pairs nor a JSON object")
		}
		return data, nil
	}

	data = make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value argument for key %q", key)
		}
		if strings.HasPrefix(value, "@") {
			raw, err := os.ReadFile(value[1:])
			if err != nil {
				return nil, fmt.Errorf("failed to read file for key %q: %w", key, err)
			}
			data[key] = strings.TrimRight(string(raw), "\r\n")
			continue
		}
		data[key] = inferType(value)
	}
	return data, nil
}

// inferType attempts to infer the type of a string value
func inferType(value string) any {
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		var jsonValue any
		if err := json.Unmarshal([]byte(value), &jsonValue); err == nil {
			return jsonValue
		}
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
