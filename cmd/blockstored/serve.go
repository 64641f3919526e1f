package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/outofforest/blockstore"
	"github.com/outofforest/blockstore/config"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/logging"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open a device set and serve its metrics until interrupted",
	Long: `serve loads the §6 key-value config (file, env, or flags, via the same
viper layering root.go's init/fsck paths skip), opens the device set it
names, starts the engine's Prometheus registry on an HTTP /metrics endpoint,
and blocks until it receives SIGINT or SIGTERM. It carries no network
write/read protocol of its own: embedding callers drive
Store.Read/Write/Sync/Stabilize/Delete directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListenAddr, "listen", ":9090", "address to serve /metrics and /healthz on")
	serveCmd.Flags().String("data", "", "path to the data region file")
	serveCmd.Flags().String("meta", "", "path to the metadata region file")
	serveCmd.Flags().String("journal", "", "path to the journal region file (default: same as --meta)")
	serveCmd.Flags().Int64("block-size", 0, "data-region block size in bytes")
	serveCmd.Flags().Int64("journal-len", 0, "journal region length in bytes")

	_ = viper.BindPFlag("data_device", serveCmd.Flags().Lookup("data"))
	_ = viper.BindPFlag("meta_device", serveCmd.Flags().Lookup("meta"))
	_ = viper.BindPFlag("journal_device", serveCmd.Flags().Lookup("journal"))
	_ = viper.BindPFlag("block_size", serveCmd.Flags().Lookup("block-size"))
	_ = viper.BindPFlag("journal_len", serveCmd.Flags().Lookup("journal-len"))
}

func runServe() error {
	logging.Setup(logLevel)

	raw, err := loadConfig()
	if err != nil {
		return err
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return err
	}

	dataDev, closeData, err := openDeviceRW(cfg.DataDevice)
	if err != nil {
		return err
	}
	defer closeData()

	metaDev, closeMeta, err := openDeviceRW(cfg.MetaDevice)
	if err != nil {
		return err
	}
	defer closeMeta()

	journalDev, closeJournal, err := openDeviceRW(cfg.JournalDevice)
	if err != nil {
		return err
	}
	defer closeJournal()

	registry := prometheus.NewRegistry()
	store, err := blockstore.Open(cfg, dataDev, metaDev, journalDev, registry)
	if err != nil {
		return err
	}
	log.Info().Str("device_id", store.DeviceID().String()).Msg("engine opened")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: serveListenAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		_ = server.Shutdown(ctx)
		cancel()
	}()

	log.Info().Str("addr", serveListenAddr).Msg("serving /metrics and /healthz")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func openDeviceRW(path string) (devio.Device, func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	dev, err := devio.NewFileDevice(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return dev, func() { f.Close() }, nil
}
