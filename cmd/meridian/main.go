// Command meridian serves federated datasets over Arrow Flight and talks
// to a running server.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	// Register every connector kind
	_ "github.com/ajitpratap0/meridian/pkg/connector/sources/bigquery"
	_ "github.com/ajitpratap0/meridian/pkg/connector/sources/memory"
	_ "github.com/ajitpratap0/meridian/pkg/connector/sources/mongodb"
	_ "github.com/ajitpratap0/meridian/pkg/connector/sources/objectstore"
	_ "github.com/ajitpratap0/meridian/pkg/connector/sources/postgres"
	_ "github.com/ajitpratap0/meridian/pkg/connector/sources/sqldb"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Settings resolve from flags,
// then MERIDIAN_* environment variables, then the configuration file.
func newRootCommand() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:   "meridian",
		Short: "Meridian - federated query engine over Arrow Flight",
		Long: `Meridian registers tables from relational databases, BigQuery, MongoDB and
object storage as datasets, pushes filters, projections, sorts and limits
down to each backend where it can, and streams results as Arrow record
batches over Flight.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "Path to the YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("addr", "127.0.0.1:8815", "Flight server address for client commands")
	pf.String("token", "", "Bearer token for client commands")
	bind(v, pf, "config", "config")
	bind(v, pf, "logging.level", "log-level")
	bind(v, pf, "client.address", "addr")
	bind(v, pf, "client.token", "token")

	root.AddCommand(
		newVersionCommand(),
		newServeCommand(v),
		newDatasetsCommand(v),
		newGetCommand(v),
		newPutCommand(v),
	)
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func bind(v *viper.Viper, fs *pflag.FlagSet, key, flag string) {
	if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
		panic(err)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Meridian v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
