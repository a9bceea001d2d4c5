package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/tagbus"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchShowDiff  bool
	watchClearTerm bool
	watchTimestamp bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [tag...]",
	Short: "Continuously monitor tag values",
	Long: `Poll tags on a fixed interval and display their values. With no
arguments every tag in the table is watched. Changed values are
highlighted when --diff is set.`,
	Example: `  # Watch all tags every second
  tagbus watch -i 1s -H 192.168.1.100

  # Watch two tags with change highlighting
  tagbus watch ativar gaveta -i 500ms --diff

  # Fixed number of iterations, JSON output
  tagbus watch -n 10 -o json`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 1*time.Second, "Poll interval")
	watchCmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
	watchCmd.Flags().BoolVar(&watchShowDiff, "diff", false, "Highlight changed values")
	watchCmd.Flags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
	watchCmd.Flags().BoolVar(&watchTimestamp, "timestamp", true, "Show timestamps")
}

type watchState struct {
	client       *tagbus.Client
	names        []string
	prev         map[string]tagbus.Value
	iteration    int
	startTime    time.Time
	errorCount   int
	successCount int
}

func runWatch(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	names := args
	if len(names) == 0 {
		names = client.Table().Names()
	} else {
		for _, name := range names {
			if _, ok := client.Table().Get(name); !ok {
				return fmt.Errorf("unknown tag %q", name)
			}
		}
	}

	state := &watchState{
		client:    client,
		names:     names,
		startTime: time.Now(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	if err := state.poll(); err != nil {
		outputWarning("Initial read failed: %v", err)
	}

	for {
		select {
		case <-sigCh:
			fmt.Println("\n\nStopping watch...")
			state.printSummary()
			return nil
		case <-ticker.C:
			if err := state.poll(); err != nil {
				state.errorCount++
				if verbose {
					outputWarning("Read failed: %v", err)
				}
			}
			if watchCount > 0 && state.iteration >= watchCount {
				state.printSummary()
				return nil
			}
		}
	}
}

func (s *watchState) poll() error {
	ctx := context.Background()

	values := make(map[string]tagbus.Value, len(s.names))
	for _, name := range s.names {
		value, err := s.client.ReadTag(ctx, name)
		if err != nil {
			return err
		}
		values[name] = value
	}

	s.iteration++
	s.successCount++

	now := time.Now()

	if outputFmt == "json" {
		return s.outputWatchJSON(values, now)
	}

	if watchClearTerm && s.iteration > 1 {
		fmt.Print("\033[H\033[2J")
	}

	fmt.Printf("%s - %d tags @ %s\n",
		color(colorBold, "TAG WATCH"),
		len(s.names),
		getAddress())
	fmt.Printf("Unit: %d | Interval: %s\n", unitID, watchInterval)
	if watchTimestamp {
		fmt.Printf("Time: %s | Iteration: %d", now.Format("15:04:05.000"), s.iteration)
		if watchCount > 0 {
			fmt.Printf("/%d", watchCount)
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("-", 50))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tTYPE\tVALUE\tCHANGE")
	fmt.Fprintln(w, "---\t----\t-----\t------")

	for _, name := range s.names {
		value := values[name]
		tag, _ := s.client.Table().Get(name)

		change := ""
		if watchShowDiff && s.prev != nil {
			if prev, ok := s.prev[name]; ok && !prev.Equal(value) {
				change = color(colorYellow, prev.String()+" -> "+value.String())
			}
		}

		valStr := value.String()
		if b, ok := value.AsBool(); ok {
			if b {
				valStr = color(colorGreen, "true")
			} else {
				valStr = color(colorRed, "false")
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, tag.Kind, valStr, change)
	}
	w.Flush()

	s.prev = values
	return nil
}

func (s *watchState) outputWatchJSON(values map[string]tagbus.Value, ts time.Time) error {
	data := struct {
		Timestamp string         `json:"timestamp"`
		Iteration int            `json:"iteration"`
		Values    map[string]any `json:"values"`
	}{
		Timestamp: ts.Format(time.RFC3339Nano),
		Iteration: s.iteration,
		Values:    make(map[string]any, len(values)),
	}
	for name, value := range values {
		data.Values[name] = valueToAny(value)
	}
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(data)
}

func (s *watchState) printSummary() {
	duration := time.Since(s.startTime)
	fmt.Println()
	fmt.Println(color(colorBold, "Watch Summary"))
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("Duration:    %s\n", duration.Round(time.Millisecond))
	fmt.Printf("Iterations:  %d\n", s.iteration)
	fmt.Printf("Success:     %d\n", s.successCount)
	fmt.Printf("Errors:      %d\n", s.errorCount)
	if s.iteration > 0 {
		fmt.Printf("Avg Rate:    %.2f reads/sec\n", float64(s.iteration)/duration.Seconds())
	}
}
