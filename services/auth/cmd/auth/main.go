package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/wireloom/relaycore/internal/security"
	"github.com/wireloom/relaycore/internal/util"
	"github.com/wireloom/relaycore/services/auth/internal/app"
	"github.com/wireloom/relaycore/services/auth/internal/config"
	"github.com/wireloom/relaycore/services/auth/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	refreshTTL, err := config.ParseRefreshTTL(cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	jwtVerifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse jwt verify keys: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(config.ParseTrustedProxies(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:                cfg.DatabaseURL,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		SessionTTL:                 sessionTTL,
		RefreshTTL:                 refreshTTL,
		JWTPrivateKeyPath:          cfg.JWTPrivateKeyPath,
		JWTPublicKeyPath:           cfg.JWTPublicKeyPath,
		JWTKeyID:                   cfg.JWTKeyID,
		JWTVerifyPublicKeys:        jwtVerifyKeys,
		JWTIssuer:                  cfg.JWTIssuer,
		JWTAudience:                cfg.JWTAudience,
		JWTLeeway:                  jwtLeeway,
		SignupRateLimitPerMinute:   cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RefreshRateLimitPerMinute:  cfg.RefreshRateLimitPerMinute,
		PasswordRateLimitPerMinute: cfg.PasswordRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TrustedProxies: trustedProxies,
		Audit:          security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "relaycore:auth:alerts"),
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("authd listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
