package main

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/brocess/internal/httpserver"
	"github.com/tinytelemetry/brocess/internal/logger"
)

// serve exposes the aggregates over HTTP until ctx is cancelled.
func serve(ctx context.Context, cfg appConfig, stdout io.Writer) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Errorf("unable to open %s database: %v", cfg.Backend, err)
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Errorf("closing store: %v", err)
		}
	}()

	api := httpserver.NewServer(cfg.APIAddr, st)
	if err := api.Start(); err != nil {
		return fmt.Errorf("starting api server on %s: %w", cfg.APIAddr, err)
	}
	logger.Infof("api server listening on %s", api.Addr())
	fmt.Fprintln(stdout, renderBanner(cfg, api.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return api.Stop()
	})
	if err := g.Wait(); err != nil {
		logger.Errorf("api server: shutdown: %v", err)
		return err
	}
	return nil
}
