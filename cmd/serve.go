package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rastile/internal/api"
	"github.com/kiesman99/rastile/internal/server"
	"github.com/kiesman99/rastile/pkg/raster"
)

var serveCmd = &cobra.Command{
	Use:   "serve FILE...",
	Short: "Start HTTP server for the tile API",
	Long: `Start an HTTP server that serves tiles out of the given files.

Each file is published as a dataset named after its base name.

Examples:
  # Serve two files on the default port 8080
  rastile serve image.ntf other.tif

  # Start server on custom port
  rastile serve image.ntf --port 3000

  # Start server with custom bind address
  rastile serve image.ntf --bind 0.0.0.0 --port 8080`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
}

// newRouter mounts the API under /api/v1 behind the middleware stack.
func newRouter(apiServer *server.Server, timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(timeout))

	// CORS middleware for API access
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		api.HandlerWithOptions(apiServer, api.ChiServerOptions{
			BaseRouter:       r,
			ErrorHandlerFunc: apiServer.ErrorHandler,
		})
	})

	// Health endpoint without the /api/v1 prefix
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v1/health", http.StatusMovedPermanently)
	})

	return r
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)

	datasets := make(map[string]*raster.Container, len(args))
	defer func() {
		for _, c := range datasets {
			c.Close()
		}
	}()
	for _, path := range args {
		name := filepath.Base(path)
		if _, dup := datasets[name]; dup {
			return fmt.Errorf("duplicate dataset name %q", name)
		}
		c, err := openContainer(path)
		if err != nil {
			return err
		}
		datasets[name] = c
		log.WithFields(log.Fields{
			"dataset": name,
			"format":  c.Format(),
			"entries": len(c.AvailableEntries()),
		}).Info("dataset loaded")
	}

	apiServer := server.NewServer("1.0.0", datasets, log.Log)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      newRouter(apiServer, timeout),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Error("server shutdown")
		}
	}()

	log.WithFields(log.Fields{
		"addr":   addr,
		"health": fmt.Sprintf("http://%s/api/v1/health", addr),
		"tiles":  fmt.Sprintf("http://%s/api/v1/datasets/{dataset}/entries/{entry}/levels/{level}/tile", addr),
	}).Info("starting rastile server")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
