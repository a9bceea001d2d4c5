package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/tagbus"
)

var readCmd = &cobra.Command{
	Use:     "read [tag...]",
	Aliases: []string{"r"},
	Short:   "Read tags from the device",
	Long: `Read one or more tags by name. With no arguments, every tag in the
table is read in definition order. Tags the device rejects are reported
but do not abort the pass.`,
	Example: `  tagbus read -H 192.168.1.100
  tagbus read ativar gaveta
  tagbus r posicao_gaveta -o json`,
	RunE: runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	table := client.Table()
	ctx := context.Background()

	if len(args) == 0 {
		values, err := client.ReadAll(ctx)
		if len(values) > 0 {
			if outErr := outputTagValues(table, values); outErr != nil {
				return outErr
			}
		}
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		return nil
	}

	// The per-attempt timeout inside the client bounds each transaction;
	// an outer deadline of the same length would starve the retry.
	values := make(map[string]tagbus.Value, len(args))
	for _, name := range args {
		value, err := client.ReadTag(ctx, name)
		if err != nil {
			return err
		}
		values[name] = value
	}
	return outputTagValues(table, values)
}
