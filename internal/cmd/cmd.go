package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmorgan81/dalleserve/internal/config"
	"github.com/dmorgan81/dalleserve/internal/inject"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/param"
	"github.com/dmorgan81/dalleserve/internal/server"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/do"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func loadConfig(args []string) (*config.Config, error) {
	cfg := config.Load()
	if len(args) > 0 {
		cfg.Port = args[0]
		if os.Getenv("PUBLIC_URL") == "" {
			cfg.PublicURL = "http://localhost:" + cfg.Port
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func ServeHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger := log.New(cmd.ErrOrStderr(), log.ParseLevel(cfg.LogLevel), cfg.LogOmitTime)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.NewContext(ctx, logger)

	injector := inject.Setup(ctx, cfg)
	defer func() {
		if err := injector.Shutdown(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	// Every model is loaded here, so a bad table fails before the port is bound.
	srv, err := do.Invoke[*server.Server](injector)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", httpServer.Addr, "public_url", cfg.PublicURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func ListHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	ctx := log.NewContext(cmd.Context(), log.New(cmd.ErrOrStderr(), log.ParseLevel(cfg.LogLevel), cfg.LogOmitTime))
	injector := inject.Setup(ctx, cfg)
	defer injector.Shutdown() //nolint:errcheck

	models, err := do.InvokeNamed[[]param.Entry](injector, "models")
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range models {
		size := "missing"
		if fi, err := os.Stat(m.Path); err == nil {
			size = humanize.Bytes(uint64(fi.Size()))
		}
		data = append(data, []string{m.Name, m.Path, size})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "PATH", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dalleserve",
		Short: "Text-to-image generation server",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve [port]",
		Aliases: []string{"start"},
		Short:   "Load every model and serve the HTTP API",
		Args:    cobra.MaximumNArgs(1),
		RunE:    ServeHandler,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the configured models",
		Args:    cobra.NoArgs,
		RunE:    ListHandler,
	}

	rootCmd.AddCommand(serveCmd, listCmd)

	return rootCmd
}
