// Command procmon runs the process-activity monitor: it connects to a
// kernel communication port, stores every event it receives in an
// append-only log, indexes it under an active filter set, and serves
// that index to a display layer (spec §6.3).
//
// Logging:
//   - Base logger is created here with a ComponentFilterHandler for
//     dynamic per-component log level control
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"procmon/internal/controller"
	"procmon/internal/eventlog"
	"procmon/internal/filter"
	"procmon/internal/logging"
	"procmon/internal/notify"
	"procmon/internal/processcache"
	"procmon/internal/storage"
	"procmon/internal/transport"
	"procmon/internal/wire"
)

const maxWorkerThreads = 32

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := newRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "procmon",
		Short: "Process activity monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			communication, _ := cmd.Flags().GetString("communication")
			numThreads, _ := cmd.Flags().GetInt("num-threads")
			queueCapacity, _ := cmd.Flags().GetInt("queue-capacity")
			chunkSize, _ := cmd.Flags().GetInt("chunk-size")
			portAddr, _ := cmd.Flags().GetString("port-addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, runConfig{
				communication: communication,
				numThreads:    numThreads,
				queueCapacity: queueCapacity,
				chunkSize:     chunkSize,
				portAddr:      portAddr,
			})
		},
	}

	rootCmd.Flags().String("communication", transport.KindFake, "communication kind: driver, fake, or driver-test")
	rootCmd.Flags().Int("num-threads", 4, "number of transport/storage worker threads (max 32)")
	rootCmd.Flags().Int("queue-capacity", 8192, "index queue capacity")
	rootCmd.Flags().Int("chunk-size", 0, "event log chunk size (0 selects the default)")
	rootCmd.Flags().String("port-addr", `\PROCMONPORT`, "named kernel port (driver communication only)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	return rootCmd
}

type runConfig struct {
	communication string
	numThreads    int
	queueCapacity int
	chunkSize     int
	portAddr      string
}

func (c runConfig) clampedThreads() int {
	n := c.numThreads
	if n <= 0 {
		n = 4
	}
	if n > maxWorkerThreads {
		n = maxWorkerThreads
	}
	return n
}

// run wires every subsystem together and blocks until ctx is canceled.
// Shutdown follows spec §5's drop order: ingest workers stop first (no
// more kernel messages enter the pipeline), then storage workers exit
// without draining their input channel, then
// the controller's filter pool and indexer, then the notification bus,
// then the process cache, and finally the communication port itself.
func run(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	numThreads := cfg.clampedThreads()

	port, err := transport.NewPort(cfg.communication, transport.Config{
		Addr:   cfg.portAddr,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open communication port: %w", err)
	}

	log := eventlog.New(eventlog.Config{ChunkSize: cfg.chunkSize, Logger: logger})
	bus := notify.New(notify.Config{Logger: logger})

	storageInput := make(chan wire.KmMessage, numThreads*128)

	ingest := transport.NewIngestPool(transport.IngestConfig{
		Port:    port,
		Workers: numThreads,
		Out:     storageInput,
		Logger:  logger,
	})

	storagePool := storage.New(storage.Config{
		Log:     log,
		Bus:     bus,
		Input:   storageInput,
		Workers: numThreads,
		Logger:  logger,
	})

	ctrl := controller.New(controller.Config{
		Log:           log,
		Bus:           bus,
		Filters:       filter.MatchAll(),
		FilterWorkers: numThreads,
		QueueCapacity: cfg.queueCapacity,
		Logger:        logger,
	})

	cache := processcache.New(processcache.Config{
		Port:   port,
		Logger: logger,
	})

	ingest.Start()
	storagePool.Start()
	cache.Start()

	logger.Info("procmon started",
		"communication", cfg.communication,
		"num_threads", numThreads,
		"chunk_size", log.ChunkSize())

	<-ctx.Done()
	logger.Info("shutting down")

	ingest.Stop()
	storagePool.Stop()
	close(storageInput)
	ctrl.Stop()
	bus.Stop()
	cache.Stop()
	port.Stop()

	return nil
}
