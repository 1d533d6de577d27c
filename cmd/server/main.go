package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/numvia/backend/docs"
	"github.com/numvia/backend/internal/database"
	"github.com/numvia/backend/internal/gateway"
	"github.com/numvia/backend/internal/handlers"
	mW "github.com/numvia/backend/internal/middleware"
	"github.com/numvia/backend/internal/services"
	"github.com/numvia/backend/internal/telephony"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Numvia Reseller Backend API
// @version 1.0
// @description API for the prepaid telephony reseller platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("stripe.api_key", "STRIPE_API_KEY")
	viper.BindEnv("stripe.webhook_secret", "STRIPE_WEBHOOK_SECRET")

	viper.SetDefault("jobs.reconcile_interval", 5*time.Minute)
	viper.SetDefault("jobs.renewal_interval", time.Hour)
	viper.SetDefault("jobs.orphan_interval", 30*time.Minute)
	viper.SetDefault("jobs.webhook_gc_interval", 24*time.Hour)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Numvia Reseller Backend API"
	docs.SwaggerInfo.Description = "API for the prepaid telephony reseller platform"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// External collaborators
	stripeAdapter := gateway.NewStripeAdapter(
		viper.GetString("stripe.api_key"),
		viper.GetString("stripe.webhook_secret"),
	)
	// Concrete Twilio/Plivo/SMSPool wrappers are injected by the deployment
	// build; without credentials the routes stay mounted and answer 502.
	var numberProvider telephony.NumberProvider = telephony.UnconfiguredNumbers{}
	var verifyProvider telephony.VerificationProvider = telephony.UnconfiguredVerification{}

	// Core services
	ledgerService := services.NewLedgerService(db)
	auditService := services.NewAuditService(db)
	dedupService := services.NewWebhookEventService(db)
	paymentService := services.NewPaymentService(db, redisClient, ledgerService, auditService, dedupService, stripeAdapter)
	numberService := services.NewNumberService(db, ledgerService, numberProvider)
	verifyService := services.NewVerificationService(db, ledgerService, verifyProvider)
	monitor := services.NewReconciliationMonitor(auditService, ledgerService, stripeAdapter, redisClient)

	walletHandler := handlers.NewWalletHandler(ledgerService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Background jobs
	jobCtx, stopJobs := context.WithCancel(context.Background())
	go monitor.Run(jobCtx, viper.GetDuration("jobs.reconcile_interval"))
	go numberService.RunRenewals(jobCtx, viper.GetDuration("jobs.renewal_interval"))
	go verifyService.RunOrphanSweep(jobCtx, viper.GetDuration("jobs.orphan_interval"))
	go func() {
		ticker := time.NewTicker(viper.GetDuration("jobs.webhook_gc_interval"))
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				dedupService.PurgeOld(jobCtx)
			}
		}
	}()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Webhooks are authenticated by signature, not bearer token
		r.Post("/payments/webhook", paymentService.HandleWebhook)

		// Protected endpoints
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/wallet/balance", walletHandler.GetBalance)
			r.Get("/wallet/movements", walletHandler.ListMovements)
			r.Post("/wallet/topup", paymentService.InitiateTopUp)

			r.Get("/numbers", numberService.ListNumbers)
			r.Get("/numbers/search", numberService.SearchNumbers)
			r.Post("/numbers", numberService.BuyNumber)
			r.Delete("/numbers/{numberId}", numberService.ReleaseNumber)
			r.Put("/numbers/{numberId}/sms", numberService.SetSMS)
			r.Put("/numbers/{numberId}/redirect", numberService.SetRedirect)

			r.Post("/verification/rentals", verifyService.RentNumber)
			r.Get("/verification/rentals/{rentalId}", verifyService.CheckCode)
			r.Delete("/verification/rentals/{rentalId}", verifyService.CancelRental)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopJobs()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
