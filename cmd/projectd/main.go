// Command projectd runs the project-state engine standalone: an operator
// and smoke-test tool around the same composition root an embedding host
// would build.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patchkit/projectd/internal/config"
	"github.com/patchkit/projectd/internal/docstore"
	"github.com/patchkit/projectd/internal/driver"
	"github.com/patchkit/projectd/internal/facade"
	"github.com/patchkit/projectd/internal/repo"
	"github.com/patchkit/projectd/internal/scene"
	syncx "github.com/patchkit/projectd/internal/sync"
	"github.com/patchkit/projectd/pkg/metrics"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rootCmd := &cobra.Command{
		Use:   "projectd",
		Short: "Collaborative project-state engine",
		Long:  "CRDT-backed project-state engine with branch/merge workflow and peer sync",
	}

	rootCmd.AddCommand(newRunCmd(logger))
	rootCmd.AddCommand(newSceneCmd())

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRunCmd(logger *zap.Logger) *cobra.Command {
	var (
		metadataID string
		dataDir    string
		backend    string
		listenAddr string
		peerAddr   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Initialize a project and print events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if dataDir != "" {
				cfg.Storage.BasePath = dataDir
				cfg.Storage.Backend = "file"
			}
			if backend != "" {
				cfg.Storage.Backend = backend
			}
			if listenAddr != "" {
				cfg.Sync.ListenAddress = listenAddr
			}
			if peerAddr != "" {
				cfg.Sync.PeerAddress = peerAddr
			}

			m := metrics.NewMetrics()

			storage, err := docstore.New(cfg.Storage, logger)
			if err != nil {
				return err
			}

			repository := repo.New(storage, logger, m)
			drv := driver.New(repository, logger, m)
			drv.Run()
			f := facade.New(drv, repository, logger)

			f.SetCallback(func(sig string, callbackArgs []interface{}) {
				line, _ := json.Marshal(map[string]interface{}{
					"signal": sig,
					"args":   callbackArgs,
				})
				fmt.Println(string(line))
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			if cfg.Sync.PeerAddress != "" {
				dialer := syncx.NewDialer(cfg.Sync, repository, logger, m)
				g.Go(func() error { return dialer.Run(gctx) })
			}
			if cfg.Sync.ListenAddress != "" {
				listener := syncx.NewListener(cfg.Sync, repository, logger, m)
				g.Go(func() error { return listener.Run(gctx) })
			}

			if err := f.Init(metadataID); err != nil {
				return err
			}

			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					f.Stop()
					return g.Wait()
				case <-ticker.C:
					f.Process()
				}
			}
		},
	}

	cmd.Flags().StringVar(&metadataID, "metadata-id", "", "metadata document id of an existing project (empty creates a new one)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for file-backed document storage")
	cmd.Flags().StringVar(&backend, "storage", "", "storage backend: memory or file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "address to accept sync peers on")
	cmd.Flags().StringVar(&peerAddr, "peer", "", "sync server websocket URL to connect to")

	return cmd
}

func newSceneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scene",
		Short: "Scene text tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "parse <file>",
		Short: "Parse a scene file and print its node map as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			parsed, err := scene.Parse(string(data))
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(map[string]interface{}{
				"nodes":              parsed.Nodes,
				"external_resources": parsed.ExternalResources,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "serialize <file>",
		Short: "Parse a scene file and print it re-serialized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			parsed, err := scene.Parse(string(data))
			if err != nil {
				return err
			}
			fmt.Print(scene.Serialize(parsed))
			return nil
		},
	})

	return cmd
}
