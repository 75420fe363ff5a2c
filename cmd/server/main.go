package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"desklink/internal/auth"
	"desklink/internal/config"
	"desklink/internal/server"
	"desklink/internal/session"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	if cfg.TokenExpiry > 0 {
		tokenCfg.Expiry = cfg.TokenExpiry
	}
	logger := log.Default()
	backend := server.NewBackend(server.Deps{Config: cfg, TokenConfig: tokenCfg, Logger: logger})

	sweeper, err := session.NewSweeper(backend.Sessions, cfg.SweepInterval)
	if err != nil {
		log.Fatal(err)
	}
	sweeper.Start()

	srv := server.NewHTTPServer(cfg, backend.Engine)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s", srv.Addr)
	if err := server.Serve(cfg, srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	<-sweeper.Stop().Done()
	log.Printf("shutdown complete")
}
