package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/imgdex/internal/api"
	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/search"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON API, or MCP tools on stdio with --mcp",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext(cmd)
		defer stop()

		svc, err := newService(a)
		if err != nil {
			return err
		}

		if useMCP, _ := cmd.Flags().GetBool("mcp"); useMCP {
			return serveMCP(ctx, svc)
		}
		port, _ := cmd.Flags().GetInt("port")
		if port <= 0 {
			port = a.cfg.Server.Port
		}
		return serveHTTP(ctx, svc, fmt.Sprintf("127.0.0.1:%d", port), a.cfg.Server.Token != "")
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP tools over stdio instead of HTTP")
	serveCmd.Flags().Int("port", 0, "HTTP port (default server.port)")
}

// newService loads the saved index, if any, and wires the engines behind
// the API.
func newService(a *app) (*api.Service, error) {
	holder := index.NewHolder(nil)
	idx, err := a.loadIndex()
	switch {
	case err == nil:
		holder.Swap(idx)
		slog.Info("index loaded", "build_id", idx.BuildID(), "count", idx.Len(), "dim", idx.Dim())
	case errors.Is(err, index.ErrNoIndex):
		slog.Warn("no index snapshot; searches return nothing until POST /index/rebuild")
	default:
		return nil, err
	}

	engine := search.NewEngine(a.embedder(), holder, a.cfg.Search.Concurrency)
	return api.NewService(api.AppDeps{
		Catalog:  a.store,
		Search:   engine,
		Holder:   holder,
		IndexDir: a.indexDir(),
		Dim:      a.cfg.Embedding.Dim,
		TopK:     a.cfg.Search.TopK,
		Dedup: api.DedupDefaults{
			Threshold: a.cfg.Dedup.Threshold,
			Neighbors: a.cfg.Dedup.Neighbors,
			Strategy:  a.cfg.Dedup.Strategy,
		},
		Token:      a.cfg.Server.Token,
		FilterPath: a.filterListPath(),
	}), nil
}

func serveMCP(ctx context.Context, svc *api.Service) error {
	mcpSrv := api.NewMCPServer(svc, version)
	stdioSrv := server.NewStdioServer(mcpSrv)
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, svc *api.Service, addr string, authenticated bool) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(svc),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	if !authenticated {
		slog.Warn("server.token is not set; the API accepts unauthenticated requests", "env", "IMGDEX_SERVER_TOKEN")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		printSuccess("imgdex listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		printStep("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
