package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stephnangue/secretbroker/cmd/basic"
	"github.com/stephnangue/secretbroker/cmd/helpers"
	"github.com/stephnangue/secretbroker/cmd/migrate"
	"github.com/stephnangue/secretbroker/cmd/server"
)

var secretbrokerCmd = &cobra.Command{
	Use:   "secretbroker",
	Short: "Secretbroker reads and writes tenant secrets in a KV v2 store",
	Long: `Secretbroker authenticates to a HashiCorp Vault compatible store with an
AppRole and serves tenant secrets over a small HTTP API. The same commands
read and write secrets directly from the command line.`,
	SilenceUsage: true,
}

func Execute() {
	if err := secretbrokerCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := secretbrokerCmd.PersistentFlags()
	flags.StringVarP(&helpers.ConfigPath, "config", "c", "", "Path to the HCL configuration file (HASHICORP_* environment variables override it)")
	flags.StringVarP(&helpers.Namespace, "namespace", "n", "", "Store namespace to use (can also use HASHICORP_NAMESPACE env var)")
	flags.StringVar(&helpers.LogLevel, "log-level", "", "Log level of the command line client (trace, debug, info, warn, error)")

	secretbrokerCmd.AddCommand(server.ServerCmd)
	secretbrokerCmd.AddCommand(basic.ReadCmd)
	secretbrokerCmd.AddCommand(basic.WriteCmd)
	secretbrokerCmd.AddCommand(basic.DeleteCmd)
	secretbrokerCmd.AddCommand(basic.ListCmd)
	secretbrokerCmd.AddCommand(migrate.MigrateCmd)
}
