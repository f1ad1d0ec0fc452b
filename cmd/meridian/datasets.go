package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/engine"
)

func newDatasetsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "Inspect datasets",
	}
	cmd.AddCommand(newListCommand(v), newExplainCommand(v), newKindsCommand())
	return cmd
}

func newListCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list [prefix]",
		Short: "List the datasets a server exposes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefix string
			if len(args) == 1 {
				prefix = args[0]
			}
			c, err := dialServer(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer c.Close()
			infos, err := c.ListFlights(cmd.Context(), prefix)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATASET\tCOLUMNS")
			for _, info := range infos {
				cols := "?"
				if schema, err := arrowflight.DeserializeSchema(info.Schema, memory.DefaultAllocator); err == nil {
					names := make([]string, schema.NumFields())
					for i, f := range schema.Fields() {
						names[i] = f.Name + " " + f.Type.String()
					}
					cols = strings.Join(names, ", ")
				}
				fmt.Fprintf(w, "%s\t%s\n", strings.Join(info.FlightDescriptor.Path, "."), cols)
			}
			return w.Flush()
		},
	}
}

func newExplainCommand(v *viper.Viper) *cobra.Command {
	var q queryFlags
	cmd := &cobra.Command{
		Use:   "explain <dataset>",
		Short: "Show the plan for a query over a configured dataset",
		Long: `Explain registers the datasets of the configuration file, plans the query
and prints which operators are pushed down to the backend.

Example:
  meridian datasets explain orders --config meridian.yaml --columns id,total --sort -total --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			command, err := q.command(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, err := engine.FromConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, eng.Close(ctx)) }()

			node, err := command.Plan(eng)
			if err != nil {
				return err
			}
			out, err := eng.Explain(ctx, node)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	q.register(cmd)
	return cmd
}

func newKindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the connector kinds this binary supports",
		Run: func(cmd *cobra.Command, args []string) {
			for _, k := range registry.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
		},
	}
}
