package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/wireloom/relaycore/internal/realtime/app"
	"github.com/wireloom/relaycore/internal/realtime/config"
	"github.com/wireloom/relaycore/internal/realtime/server"
	"github.com/wireloom/relaycore/internal/security"
	"github.com/wireloom/relaycore/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(config.ParseTrustedProxies(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		RabbitMQURL:    cfg.RabbitMQURL,
		JWKSURL:        cfg.JWKSURL,
		JWTIssuer:      cfg.JWTIssuer,
		JWTAudience:    cfg.JWTAudience,
		JWTLeeway:      jwtLeeway,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Bus.Close()

	httpServer := server.New(server.Config{
		App:            appCore,
		Logger:         logger,
		TrustedProxies: trustedProxies,
		Audit:          security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "relaycore:ws:alerts"),
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("realtimed listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
