package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authgate/internal/factory"
	"authgate/internal/handler"
	"authgate/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	// Background sweeps: idle-bucket eviction and expired-token purge.
	f.Start()

	router := setupRouter(f)

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		util.Info("Starting HTTP server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("HTTP server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(server)
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	authHandler := handler.NewAuthHandler(f.TokenService(), f.AccountStore(), util.Get())
	return handler.NewRouter(
		authHandler,
		f.Admission(),
		handler.DefaultRouteTable(),
		f.Config().RateLimit.TrustForwardedFor,
		f.Emitter(),
		util.Get(),
	)
}

func waitForShutdown(server *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	util.Info("Shutdown signal received", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Server forced to shutdown", util.ErrorField(err))
	}

	util.Info("Server exited")
}
