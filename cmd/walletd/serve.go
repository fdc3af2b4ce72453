package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

// serve runs the HTTP surface, the gRPC Ledger API and the scheduler until ctx is cancelled.
func (app *application) serve(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	dependencies := httpapi.Dependencies{
		Webhooks: app.reconciler,
		Metrics:  app.metrics.Handler(),
	}
	if app.sessions != nil {
		dependencies.Wallets = app.ledger
		dependencies.Deposits = app.reconciler
		dependencies.Sessions = app.sessions
	}
	router, err := httpapi.NewRouter(dependencies, httpapi.Config{
		AllowedOrigins:   app.config.AllowedOrigins,
		ProviderNetworks: app.config.ProviderNetworks,
		TrustedProxies:   app.config.TrustedProxies,
	}, app.logger.Named("http"))
	if err != nil {
		return fmt.Errorf("http router init: %w", err)
	}
	httpServer := &http.Server{
		Addr:              app.config.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ledgerServer, err := grpcserver.NewLedgerServer(app.escrow, app.ledger, app.logger.Named("grpc"),
		grpcserver.WithBookingIntents(app.reconciler))
	if err != nil {
		return fmt.Errorf("grpc server init: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.Register(grpcServer, ledgerServer)
	listener, err := net.Listen("tcp", app.config.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	runner, err := app.newRunner()
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("scheduler init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		app.logger.Info("HTTP server starting", zap.String("listen_addr", app.config.HTTPListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		app.logger.Info("gRPC server starting", zap.String("listen_addr", app.config.GRPCListenAddr))
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return runner.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		app.logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
