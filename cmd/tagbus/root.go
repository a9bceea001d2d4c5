package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/tagbus"
	"github.com/edgeo-scada/tagbus/modbus"
)

var (
	cfgFile string

	// Global flags
	host      string
	port      int
	unitID    uint8
	timeout   time.Duration
	outputFmt string
	verbose   bool
	noColor   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tagbus",
	Short: "Tag-oriented Modbus TCP client and emulator",
	Long: `tagbus talks to Modbus TCP devices through a named tag table instead of
raw register addresses. The table maps each tag to a bank, an address,
and a value type; the default table describes the drawer unit.

Tags are configured under the "tags" key of the config file:

  tags:
    - name: ativar
      bank: coil
      address: 0
      type: bool
    - name: posicao_gaveta
      bank: holding
      address: 3
      type: int32

Examples:
  # Read every tag in the table
  tagbus read -H 192.168.1.100

  # Read two tags
  tagbus read ativar gaveta

  # Write tags by name
  tagbus write ativar=true gaveta=5

  # Watch all tags, polling every second
  tagbus watch -i 1s

  # Serve an emulator with the configured table
  tagbus serve --listen localhost:5020`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.tagbus.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Modbus server host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 5020, "Modbus server port")
	rootCmd.PersistentFlags().Uint8VarP(&unitID, "unit", "u", 1, "Modbus unit ID (1-247)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Response timeout per attempt")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	// Bind to viper
	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("unit", rootCmd.PersistentFlags().Lookup("unit"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	// Add commands
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".tagbus")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TAGBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getAddress() string {
	return fmt.Sprintf("%s:%d", viper.GetString("host"), viper.GetInt("port"))
}

// loadTable builds the tag table from the config file, falling back to the
// built-in drawer-unit table when no tags are configured.
func loadTable() (*tagbus.Table, error) {
	if !viper.IsSet("tags") {
		return tagbus.DefaultTable(), nil
	}

	var defs []tagbus.TagDef
	if err := viper.UnmarshalKey("tags", &defs); err != nil {
		return nil, fmt.Errorf("invalid tags configuration: %w", err)
	}
	return tagbus.NewTable(defs)
}

func createClient() (*tagbus.Client, error) {
	table, err := loadTable()
	if err != nil {
		return nil, err
	}

	client, err := tagbus.NewClient(
		getAddress(),
		table,
		tagbus.WithUnitID(modbus.UnitID(unitID)),
		tagbus.WithTimeout(timeout),
		tagbus.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
