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

	"github.com/gin-gonic/gin"
	"github.com/hypernova-labs/zatca-service/internal/api"
	"github.com/hypernova-labs/zatca-service/internal/authority"
	"github.com/hypernova-labs/zatca-service/internal/config"
	"github.com/hypernova-labs/zatca-service/internal/database"
	"github.com/hypernova-labs/zatca-service/internal/email"
	"github.com/hypernova-labs/zatca-service/internal/services"
	"github.com/hypernova-labs/zatca-service/internal/workflows"
	"github.com/sirupsen/logrus"
)

func main() {
	// Cargar configuración
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	// Configurar logging
	logger := setupLogger(cfg)
	logger.Info("Starting ZATCA Service...")

	// Configurar modo de Gin
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Conectar a la base de datos
	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatalf("Error connecting to database: %v", err)
	}
	defer db.Close()

	// Conectar a Redis. Los locks de onboarding y de encadenado lo usan,
	// así que es una dependencia dura.
	redis, err := database.ConnectRedis(cfg)
	if err != nil {
		logger.Fatalf("Error connecting to Redis: %v", err)
	}
	defer redis.Close()

	// Inicializar cliente de storage
	var supabaseClient *database.SupabaseClient
	if cfg.Supabase.StorageEndpoint != "" && cfg.Supabase.AccessKeyID != "" && cfg.Supabase.SecretAccessKey != "" {
		supabaseClient, err = database.NewSupabaseClient(&cfg.Supabase, cfg.Storage.Bucket, logger)
		if err != nil {
			logger.Warnf("Error initializing storage client: %v", err)
			supabaseClient = nil
		} else if err := supabaseClient.HealthCheck(); err != nil {
			logger.Warnf("Storage health check failed: %v", err)
		} else {
			logger.Info("Storage connection healthy")
		}
	} else {
		logger.Warn("Storage credentials not provided, invoice archiving will not be available")
	}

	// Inicializar servicio de Resend
	var resendService *email.ResendService
	if cfg.Email.ResendAPIKey != "" {
		resendService = email.NewResendService(cfg.Email.ResendAPIKey, cfg.Email.FromAddress, logger)
		logger.Info("Resend service initialized successfully")
	} else {
		logger.Warn("Resend API key not provided, email notifications will not be available")
	}

	// Repositorios
	orgRepo := database.NewOrganizationRepository(db, logger)
	invoiceRepo := database.NewInvoiceRepository(db, logger)
	submissionRepo := database.NewSubmissionRepository(db, logger)
	auditRepo := database.NewAuditRepository(db, logger)
	apiKeyRepo := database.NewAPIKeyRepository(db, logger)

	// Cliente de la autoridad
	authorityClient := authority.NewClient(&cfg.Authority, logger)

	// Servicios de dominio
	encoderService := services.NewEncoderService(logger)
	hashchainService := services.NewHashChainService(invoiceRepo, logger)
	signingService := services.NewSigningService(logger)

	var archiver services.Archiver
	if supabaseClient != nil {
		archiver = services.NewArchiveService(supabaseClient, logger)
	}

	var notifier services.Notifier
	if resendService != nil {
		notifier = resendService
	}

	onboardingService := services.NewOnboardingService(orgRepo, authorityClient, signingService, auditRepo, redis, logger)
	submissionService := services.NewSubmissionService(authorityClient, signingService, submissionRepo, invoiceRepo, auditRepo, notifier, logger)
	zatcaService := services.NewZATCAService(encoderService, hashchainService, invoiceRepo, auditRepo, archiver, logger)

	// Inicializar cliente de Inngest
	inngestClient, err := workflows.NewInngestClient(cfg, logger)
	if err != nil {
		logger.Warnf("Error initializing Inngest client: %v", err)
		inngestClient = nil
	}

	if inngestClient != nil {
		submissionWorkflow := workflows.NewSubmissionWorkflow(submissionService, orgRepo, invoiceRepo, logger)
		if err := inngestClient.RegisterWorkflows(submissionWorkflow); err != nil {
			logger.Warnf("Error registering workflows: %v", err)
		}
	} else {
		logger.Warn("Inngest credentials not provided, submission retries will not be available")
	}

	// Inicializar API
	apiHandler := api.NewAPI(
		zatcaService,
		onboardingService,
		submissionService,
		orgRepo,
		invoiceRepo,
		submissionRepo,
		auditRepo,
		apiKeyRepo,
		inngestClient,
		logger,
	)

	// Configurar router
	router := setupRouter(apiHandler, cfg)

	// Crear servidor HTTP
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Canal para señales de terminación
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Iniciar servidor en goroutine
	go func() {
		logger.Infof("Server starting on %s:%s", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Error starting server: %v", err)
		}
	}()

	// Esperar señal de terminación
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}

// setupLogger configura el logger según la configuración
func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

// setupRouter configura el router principal
func setupRouter(apiHandler *api.API, cfg *config.Config) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Middleware de CORS para desarrollo
	if cfg.IsDevelopment() {
		router.Use(func(c *gin.Context) {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

			if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(204)
				return
			}

			c.Next()
		})
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"service":   "zatca-service",
			"version":   "1.0.0",
		})
	})

	// API v1
	v1 := router.Group("/v1")
	{
		// Registro inicial de organizaciones (sin API key todavía)
		v1.POST("/organizations", apiHandler.CreateOrganization)

		// Utilidades públicas
		v1.GET("/vat/:number", apiHandler.ValidateVAT)
		v1.POST("/qr/decode", apiHandler.DecodeQR)

		// Endpoints protegidos por API key
		protected := v1.Group("")
		protected.Use(apiHandler.AuthMiddleware())
		{
			protected.POST("/apikeys", apiHandler.CreateAPIKey)

			// Facturas
			protected.POST("/invoices", apiHandler.CreateInvoice)
			protected.GET("/invoices", apiHandler.ListInvoices)
			protected.GET("/invoices/:id", apiHandler.GetInvoice)
			protected.POST("/invoices/:id/process", apiHandler.ProcessInvoice)
			protected.GET("/invoices/:id/qr", apiHandler.GetInvoiceQR)
			protected.GET("/invoices/:id/xml", apiHandler.GetInvoiceXML)
			protected.POST("/invoices/:id/submit", apiHandler.SubmitInvoice)
			protected.GET("/invoices/:id/submissions", apiHandler.ListSubmissions)

			// Onboarding ante la autoridad
			protected.POST("/onboarding/csr", apiHandler.GenerateCSR)
			protected.POST("/onboarding/compliance", apiHandler.ComplianceCheck)
			protected.POST("/onboarding/production", apiHandler.RequestProductionCSID)
			protected.POST("/onboarding/renew", apiHandler.RenewCredentials)
			protected.GET("/onboarding/status", apiHandler.OnboardingStatus)

			// Auditoría
			protected.GET("/audit", apiHandler.GetAuditLog)
		}
	}

	return router
}
