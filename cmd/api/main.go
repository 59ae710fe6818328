package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-verify-broker/internal/application/verification"
	"github.com/go-verify-broker/internal/config"
	"github.com/go-verify-broker/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-verify-broker/internal/infrastructure/jwt"
	"github.com/go-verify-broker/internal/infrastructure/provider"
	"github.com/go-verify-broker/internal/notify"
	transporthttp "github.com/go-verify-broker/internal/transport/http"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()

	// Bootstrap DynamoDB tables (creates them if they don't exist).
	dynamoClient := dynamo.NewClient(cfg)
	dynamo.Bootstrap(context.Background(), dynamoClient, cfg.DynamoTables)
	sessionRepo := dynamo.NewSessionRepo(dynamoClient, cfg.DynamoTables.VerificationSessions)

	// JWT verifier for the external auth service's tokens.
	jwtProvider, err := jwtinfra.NewProvider(cfg)
	if err != nil {
		log.Fatalf("JWT provider not available: %v", err)
	}

	// Provider client: a failed credential check disables session creation
	// but the server still starts and serves health and history.
	providerClient := provider.NewClient(cfg)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if !providerClient.ValidateCredentials(startupCtx) {
		log.Printf("WARN: provider credentials rejected or unreachable; verification disabled until revalidation")
	}
	cancelStartup()

	hub := notify.NewHub()

	verificationSvc := verification.NewService(verification.ServiceDeps{
		Provider:     providerClient,
		SessionRepo:  sessionRepo,
		Events:       hub,
		PollInterval: cfg.PollInterval,
		SessionTTL:   cfg.SessionTTL,
	})

	router := transporthttp.NewRouter(cfg, &transporthttp.Deps{
		VerificationSvc: verificationSvc,
		Hub:             hub,
		JWTProvider:     jwtProvider,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (env=%s)", cfg.AppPort, cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	verificationSvc.Shutdown()
	log.Println("Server stopped")
}
