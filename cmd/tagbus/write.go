package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/tagbus"
)

var writeCmd = &cobra.Command{
	Use:     "write tag=value [tag=value...]",
	Aliases: []string{"w"},
	Short:   "Write tags to the device",
	Long: `Write one or more tags by name. Values are parsed according to the
tag's declared type; booleans accept true/false, 1/0, and on/off. Every
assignment is validated against the table before the first write goes
out.`,
	Example: `  tagbus write ativar=true -H 192.168.1.100
  tagbus write gaveta=5 posicao_gaveta=1234
  tagbus w ativar=off`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWrite,
}

func runWrite(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	table := client.Table()

	values := make(map[string]tagbus.Value, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("invalid assignment %q (want tag=value)", arg)
		}
		name = strings.TrimSpace(name)

		tag, found := table.Get(name)
		if !found {
			return fmt.Errorf("unknown tag %q", name)
		}

		value, err := tagbus.ParseValue(tag.Kind, raw)
		if err != nil {
			return fmt.Errorf("tag %q: %w", name, err)
		}
		values[name] = value
	}

	if err := client.WriteTags(context.Background(), values); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	for _, name := range table.Names() {
		if value, ok := values[name]; ok {
			outputSuccess("Wrote %s = %s", name, value)
		}
	}
	return nil
}
