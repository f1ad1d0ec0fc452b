package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/compression"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/flight"
	"github.com/ajitpratap0/meridian/pkg/formats"
)

func newGetCommand(v *viper.Viper) *cobra.Command {
	var (
		q      queryFlags
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "get <dataset>",
		Short: "Read a dataset from a server",
		Long: `Get streams a dataset, optionally filtered, sorted, projected and limited,
and prints it as a table or encodes it in a file format.

Example:
  meridian get orders --columns id,total --sort -total --limit 10
  meridian get orders --format parquet --output orders.parquet`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			command, err := q.command(args[0])
			if err != nil {
				return err
			}
			desc, err := flight.CommandDescriptor(command)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dialServer(ctx, v)
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.GetFlightInfo(ctx, desc)
			if err != nil {
				return err
			}
			if len(info.Endpoint) == 0 {
				return errors.New(errors.ErrorTypeProtocolViolation, "server returned no endpoint")
			}
			r, err := c.DoGet(ctx, info.Endpoint[0].Ticket)
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { err = multierr.Append(err, f.Close()) }()
				out = f
			}
			return emit(ctx, r, format, out)
		},
	}
	q.register(cmd)
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, csv, jsonl, parquet, arrow or avro")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

// recordSource is the part of a record stream emit consumes.
type recordSource interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
}

// emit writes every record of src to out.
func emit(ctx context.Context, src recordSource, format string, out io.Writer) error {
	if format == "table" {
		return printTable(ctx, src, out)
	}
	f, err := formats.Parse(format)
	if err != nil {
		return err
	}
	w, err := formats.NewWriter(f, out, src.Schema(), formats.Options{})
	if err != nil {
		return err
	}
	for {
		rec, err := src.Next(ctx)
		if err == io.EOF {
			return w.Close()
		}
		if err != nil {
			return multierr.Append(err, w.Close())
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return multierr.Append(err, w.Close())
		}
	}
}

func printTable(ctx context.Context, src recordSource, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	names := make([]string, src.Schema().NumFields())
	for i, f := range src.Schema().Fields() {
		names[i] = strings.ToUpper(f.Name)
	}
	fmt.Fprintln(tw, strings.Join(names, "\t"))
	rows := 0
	for {
		rec, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			tw.Flush()
			return err
		}
		for _, row := range columnar.RecordToRows(rec) {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = cell(v)
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
			rows++
		}
		rec.Release()
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "(%d rows)\n", rows)
	return err
}

func cell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("%x", x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func newPutCommand(v *viper.Viper) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "put <dataset> <file>",
		Short: "Append a file's rows to a writable dataset",
		Long: `Put decodes a CSV, JSON lines, Parquet, Arrow or Avro file, compressed or
not, and appends its rows to a dataset. The file's columns must match the
dataset schema.

Example:
  meridian put events events-2024-06-01.csv.gz`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := dialServer(ctx, v)
			if err != nil {
				return err
			}
			defer c.Close()

			schema, err := c.GetSchema(ctx, flight.PathDescriptor(args[0]))
			if err != nil {
				return err
			}
			src, err := openFile(ctx, args[1], format, schema)
			if err != nil {
				return err
			}
			n, err := c.DoPut(ctx, args[0], src)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Input format; detected from the file name when empty")
	return cmd
}

// fileStream reads one file as a record stream in the dataset's schema.
type fileStream struct {
	schema *arrow.Schema
	rd     formats.Reader
	closer io.Closer
	file   *os.File
}

func openFile(ctx context.Context, path, format string, schema *arrow.Schema) (*fileStream, error) {
	f, alg, ok := formats.Detect(path)
	if format != "" {
		var err error
		if f, err = formats.Parse(format); err != nil {
			return nil, err
		}
		alg, _ = compression.FromPath(path)
	} else if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "cannot tell the format of %s; pass --format", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := compression.NewReader(alg, file)
	if err != nil {
		return nil, multierr.Append(err, file.Close())
	}
	rd, err := formats.NewReader(ctx, f, zr, formats.Options{Schema: schema})
	if err != nil {
		return nil, multierr.Combine(err, zr.Close(), file.Close())
	}
	return &fileStream{schema: schema, rd: rd, closer: zr, file: file}, nil
}

func (s *fileStream) Schema() *arrow.Schema { return s.schema }

// Next relabels each record with the dataset schema, so self-describing
// files may differ in nullability and metadata.
func (s *fileStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.rd.Next()
	if err != nil {
		return nil, err
	}
	rec, err = base.Relabel(rec, s.schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "file does not match the dataset")
	}
	return rec, nil
}

func (s *fileStream) Close() error {
	return multierr.Combine(s.rd.Close(), s.closer.Close(), s.file.Close())
}
