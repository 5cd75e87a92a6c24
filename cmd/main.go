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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/odeapay/vpos/handler"
	"github.com/odeapay/vpos/infra/config"
	"github.com/odeapay/vpos/infra/logger"
	"github.com/odeapay/vpos/infra/middle"
	"github.com/odeapay/vpos/infra/opensearch"
	"github.com/odeapay/vpos/infra/response"
	"github.com/odeapay/vpos/provider"

	_ "github.com/odeapay/vpos/provider/akbank"
	_ "github.com/odeapay/vpos/provider/garanti"
	_ "github.com/odeapay/vpos/provider/isbank"
)

var paymentLogger *opensearch.PaymentLogger

func init() {
	// A missing .env is fine in containerized deployments; everything can come
	// from real environment variables.
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	_ = config.App()

	cfg := config.GetAppConfig()
	if cfg.EnableLogging {
		osClient, err := opensearch.NewClient(opensearch.Config{
			URL:      cfg.OpenSearchURL,
			Username: cfg.OpenSearchUser,
			Password: cfg.OpenSearchPass,
		})
		if err != nil {
			log.Printf("Failed to initialize OpenSearch client: %v", err)
			log.Println("Continuing without OpenSearch logging...")
		} else {
			paymentLogger = opensearch.NewPaymentLogger(osClient)
			logger.SetGlobal(logger.NewSystemLogger(osClient, logger.LogLevel(cfg.LoggingLevel)))
			log.Println("OpenSearch logging initialized successfully")
		}
	} else {
		log.Println("OpenSearch logging is disabled")
	}
}

func main() {
	cfg := config.GetAppConfig()

	db, err := config.OpenDatabase(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	storage, err := config.NewSQLiteStorage(db)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	provider.SetCallbackStore(storage)

	// A typed nil would dodge the service's nil check; keep the interface nil
	// when no audit sink is configured.
	var auditLogger provider.PaymentLogger
	if paymentLogger != nil {
		auditLogger = paymentLogger
	}
	paymentService := provider.NewPaymentService(auditLogger)
	providerConfig := config.NewProviderConfig(storage)
	providerConfig.LoadFromEnv()

	for _, providerName := range providerConfig.GetAvailableProviders() {
		providerCfg, err := providerConfig.GetConfig(providerName)
		if err != nil {
			log.Printf("Failed to get configuration for provider %s: %v", providerName, err)
			continue
		}
		if err := paymentService.AddProvider(providerName, providerCfg); err != nil {
			log.Printf("Failed to register provider %s: %v", providerName, err)
			continue
		}
		log.Printf("Registered payment provider: %s", providerName)
	}

	// DEFAULT_PROVIDER wins; otherwise the first configured name in sorted
	// order, so the default survives restarts unchanged.
	defaultProvider := cfg.DefaultProvider
	if defaultProvider == "" {
		if available := paymentService.ProviderNames(); len(available) > 0 {
			defaultProvider = available[0]
		}
	}
	if defaultProvider != "" {
		if err := paymentService.SetDefaultProvider(defaultProvider); err != nil {
			log.Printf("Failed to set default provider %s: %v", defaultProvider, err)
		}
	}

	paymentHandler := handler.NewPaymentHandler(paymentService, config.App().Validator)

	r := chi.NewRouter()

	// Basic Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(middle.SecurityHeadersMiddleware())

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":             "ok",
			"timestamp":          time.Now().UTC(),
			"providers":          paymentService.ProviderNames(),
			"opensearch_enabled": paymentLogger != nil,
		}
		_ = response.WriteJSON(w, http.StatusOK, response.Response{
			Success: true,
			Message: "Service is healthy",
			Data:    health,
		})
	})

	// Callback routes for payment providers (no auth: the bank redirect
	// carries no API key, trust comes from state + signature)
	r.Route("/callback", func(r chi.Router) {
		r.HandleFunc("/{provider}", paymentHandler.HandleCallback)
	})

	// API routes with authentication
	r.Route("/v1", func(r chi.Router) {
		r.Use(middle.AuthMiddleware(cfg.APIKey))

		r.Get("/providers", paymentHandler.ListProviders)
		r.Post("/payments/{provider}", paymentHandler.ProcessPayment)
		r.Post("/payments/{provider}/3d", paymentHandler.Process3DPayment)
		r.Post("/payments/{provider}/cancel", paymentHandler.CancelPayment)
		r.Post("/payments/{provider}/refund", paymentHandler.RefundPayment)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = response.WriteJSON(w, http.StatusNotFound, response.Response{Success: false, Message: "Not Found"})
	})

	// Expired callback states pile up if nobody completes them
	cleanupCtx, cleanupStop := context.WithCancel(context.Background())
	defer cleanupStop()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				if err := storage.CleanupExpiredCallbackStates(cleanupCtx); err != nil {
					logger.Warn("Callback state cleanup failed", logger.LogContext{
						Fields: map[string]any{"error": err.Error()},
					})
				}
			}
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err.Error())
		}
	}()

	log.Println("API is running on", cfg.Port)

	<-ctx.Done()

	log.Println("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
