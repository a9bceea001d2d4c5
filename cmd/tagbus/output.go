package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/edgeo-scada/tagbus"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO") + " " + msg)
}

// TagResult is the JSON form of one read tag.
type TagResult struct {
	Name    string `json:"name"`
	Bank    string `json:"bank"`
	Address uint16 `json:"address"`
	Type    string `json:"type"`
	Value   any    `json:"value"`
}

// valueToAny unwraps a Value for JSON encoding.
func valueToAny(v tagbus.Value) any {
	if b, ok := v.AsBool(); ok {
		return b
	}
	if n, ok := v.AsInt16(); ok {
		return n
	}
	if n, ok := v.AsInt32(); ok {
		return n
	}
	if f, ok := v.AsFloat32(); ok {
		return f
	}
	return nil
}

// outputTagValues prints the read tags in table order, honoring the
// global output format.
func outputTagValues(table *tagbus.Table, values map[string]tagbus.Value) error {
	switch outputFmt {
	case "json":
		return outputTagJSON(table, values)
	case "csv":
		return outputTagCSV(table, values)
	default:
		return outputTagTable(table, values)
	}
}

func outputTagTable(table *tagbus.Table, values map[string]tagbus.Value) error {
	fmt.Printf("\n%s (%d tags)\n", color(colorBold, "Tags"), len(values))
	fmt.Println(strings.Repeat("-", 50))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBANK\tADDR\tTYPE\tVALUE")
	fmt.Fprintln(w, "----\t----\t----\t----\t-----")

	for _, tag := range table.Tags() {
		value, ok := values[tag.Name]
		if !ok {
			continue
		}

		valStr := value.String()
		if b, isBool := value.AsBool(); isBool {
			if b {
				valStr = color(colorGreen, "true")
			} else {
				valStr = color(colorRed, "false")
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", tag.Name, tag.Bank, tag.Address, tag.Kind, valStr)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputTagJSON(table *tagbus.Table, values map[string]tagbus.Value) error {
	results := make([]TagResult, 0, len(values))
	for _, tag := range table.Tags() {
		value, ok := values[tag.Name]
		if !ok {
			continue
		}
		results = append(results, TagResult{
			Name:    tag.Name,
			Bank:    tag.Bank.String(),
			Address: tag.Address,
			Type:    tag.Kind.String(),
			Value:   valueToAny(value),
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func outputTagCSV(table *tagbus.Table, values map[string]tagbus.Value) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"name", "bank", "address", "type", "value"})
	for _, tag := range table.Tags() {
		value, ok := values[tag.Name]
		if !ok {
			continue
		}
		w.Write([]string{
			tag.Name,
			tag.Bank.String(),
			strconv.Itoa(int(tag.Address)),
			tag.Kind.String(),
			value.String(),
		})
	}
	w.Flush()
	return w.Error()
}
