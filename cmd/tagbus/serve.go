package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/tagbus"
)

var (
	serveListen      string
	serveBlockSize   int
	serveLogInterval time.Duration
	serveNoSeed      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a tag emulator",
	Long: `Run a Modbus TCP server that emulates a device described by the tag
table. The emulator answers reads and writes from in-memory banks, logs
every write that lands on a tag, and periodically logs the state of all
tags. When the built-in drawer-unit table is used, the banks are seeded
with its initial state unless --no-seed is given.`,
	Example: `  tagbus serve
  tagbus serve --listen 0.0.0.0:5020 --log-interval 10s
  tagbus serve --block-size 200 --no-seed`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "localhost:5020", "Listen address")
	serveCmd.Flags().IntVar(&serveBlockSize, "block-size", 100, "Minimum number of addresses per bank")
	serveCmd.Flags().DurationVar(&serveLogInterval, "log-interval", 30*time.Second, "Interval between tag state logs (0 disables)")
	serveCmd.Flags().BoolVar(&serveNoSeed, "no-seed", false, "Start with zeroed banks")
}

func runServe(cmd *cobra.Command, args []string) error {
	table, err := loadTable()
	if err != nil {
		return err
	}

	em, err := tagbus.NewEmulator(table,
		tagbus.WithEmulatorLogger(logger),
		tagbus.WithBankSize(serveBlockSize),
	)
	if err != nil {
		return err
	}

	// Seed the drawer-unit state only when serving the built-in table.
	if !serveNoSeed && !viper.IsSet("tags") {
		if err := em.Seed(tagbus.DefaultSeed()); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", serveListen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var g run.Group

	g.Add(func() error {
		return em.Serve(listener)
	}, func(error) {
		em.Close()
	})

	if serveLogInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			ticker := time.NewTicker(serveLogInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					logTagState(em)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info("shutting down", slog.String("signal", sigErr.Signal.String()))
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logTagState(em *tagbus.Emulator) {
	attrs := make([]any, 0, em.Table().Len())
	for _, name := range em.Table().Names() {
		value, err := em.GetTag(name)
		if err != nil {
			continue
		}
		attrs = append(attrs, slog.String(name, value.String()))
	}
	logger.Info("tag_state", attrs...)
}
