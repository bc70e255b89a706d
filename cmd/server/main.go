package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MetaDevZone/secure-2fa/internal/factory"
	"github.com/MetaDevZone/secure-2fa/internal/handler"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.New(factory.DefaultHooks())
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	// Setup HTTP router with handlers using Chi
	otpHandler := handler.NewOTPHandler(f.Engine(), util.Get())
	router := handler.NewRouter(otpHandler, util.Get())

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
	)

	// Periodic cleanup of settled records so the store does not grow
	// unbounded between restarts.
	cleanupDone := make(chan struct{})
	go runCleanup(f, cfg.OTP.CleanupInterval, cleanupDone)

	waitForShutdown(f, server, cleanupDone)
}

func runCleanup(f *factory.Factory, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := f.Engine().Cleanup(ctx)
			cancel()
			if err != nil {
				util.Error("Cleanup pass failed", util.ErrorField(err))
			} else if removed > 0 {
				util.Info("Cleanup pass completed", util.Int("removed", removed))
			}
		}
	}
}

func waitForShutdown(f *factory.Factory, server *http.Server, cleanupDone chan struct{}) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	close(cleanupDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	f.Close()
}
