// Command blockstored formats, checks, and serves a single-node object blockstore engine,
// laid out the way go-apfs's cmd package structures a root command plus one file per
// subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "blockstored",
	Short: "Single-node journaled object blockstore engine",
	Long: `blockstored formats, checks, and serves a crash-consistent, journaled
object blockstore: a versioned write pipeline over a data region, a metadata
region, and a journal region, exposed through init/fsck/serve subcommands.`,
	Version: "0.1.0-dev",
}

// Execute runs the root command, exiting the process with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./blockstore.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}

// initConfig loads the key-value config map §6 describes via viper, the way
// LoadDMGConfig layers defaults, a config file, and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("blockstore")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/blockstore")
	}

	viper.SetDefault("disk_alignment", "512")
	viper.SetDefault("journal_sector_buffer_count", "32")

	viper.SetEnvPrefix("BLOCKSTORE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: error reading config file: %v\n", err)
		}
	}
}

// loadConfig collects viper's settings into the raw string-keyed map that config.Parse
// validates, so the CLI and any future embedder validate identically.
func loadConfig() (map[string]string, error) {
	raw := make(map[string]string)
	for _, key := range viper.AllKeys() {
		raw[key] = viper.GetString(key)
	}
	return raw, nil
}

func main() {
	Execute()
}
