package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/database"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/hypernova-labs/zatca-service/internal/services"
	"github.com/hypernova-labs/zatca-service/internal/workflows"
	"github.com/sirupsen/logrus"
)

// API maneja todos los endpoints del servicio
type API struct {
	zatcaService      *services.ZATCAService
	onboardingService *services.OnboardingService
	submissionService *services.SubmissionService
	orgRepo           *database.OrganizationRepository
	invoiceRepo       *database.InvoiceRepository
	submissionRepo    *database.SubmissionRepository
	auditRepo         *database.AuditRepository
	apiKeyRepo        *database.APIKeyRepository
	inngestClient     *workflows.InngestClient
	logger            *logrus.Logger
}

// NewAPI crea una nueva instancia de la API
func NewAPI(
	zatcaService *services.ZATCAService,
	onboardingService *services.OnboardingService,
	submissionService *services.SubmissionService,
	orgRepo *database.OrganizationRepository,
	invoiceRepo *database.InvoiceRepository,
	submissionRepo *database.SubmissionRepository,
	auditRepo *database.AuditRepository,
	apiKeyRepo *database.APIKeyRepository,
	inngestClient *workflows.InngestClient,
	logger *logrus.Logger,
) *API {
	return &API{
		zatcaService:      zatcaService,
		onboardingService: onboardingService,
		submissionService: submissionService,
		orgRepo:           orgRepo,
		invoiceRepo:       invoiceRepo,
		submissionRepo:    submissionRepo,
		auditRepo:         auditRepo,
		apiKeyRepo:        apiKeyRepo,
		inngestClient:     inngestClient,
		logger:            logger,
	}
}

// CreateOrganization da de alta una organización emisora
func (api *API) CreateOrganization(c *gin.Context) {
	var req models.CreateOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid request format", []models.ErrorDetail{
			{Field: "body", Issue: err.Error()},
		}))
		return
	}

	if !services.ValidateVATNumber(req.VATNumber) {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid VAT number", []models.ErrorDetail{
			{Field: "vat_number", Issue: "must be 15 digits starting with 3"},
		}))
		return
	}

	existing, err := api.orgRepo.GetByVATNumber(req.VATNumber)
	if err != nil {
		api.logger.WithError(err).Error("Error checking organization VAT number")
		c.JSON(http.StatusInternalServerError, models.NewInternalError("Error creating organization"))
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, models.NewConflictError("Organization with this VAT number already exists"))
		return
	}

	now := time.Now()
	org := &models.Organization{
		ID:               uuid.New(),
		Name:             req.Name,
		VATNumber:        req.VATNumber,
		UnitName:         req.UnitName,
		Address:          req.Address,
		City:             req.City,
		Country:          req.Country,
		Industry:         req.Industry,
		Email:            req.Email,
		OnboardingStatus: models.OnboardingNotConfigured,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := api.orgRepo.Create(org); err != nil {
		api.logger.WithError(err).Error("Error creating organization")
		c.JSON(http.StatusInternalServerError, models.NewInternalError("Error creating organization"))
		return
	}

	c.JSON(http.StatusCreated, models.OrganizationResponse{ID: org.ID})
}

// CreateAPIKey crea una nueva API key para la organización autenticada
func (api *API) CreateAPIKey(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	var req models.CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid request format", []models.ErrorDetail{
			{Field: "body", Issue: err.Error()},
		}))
		return
	}

	apiKeyModel, plainKey, err := api.apiKeyRepo.Create(org.ID, req.Name, req.RateLimitPerMin)
	if err != nil {
		api.logger.WithError(err).Error("Error creating API key")
		c.JSON(http.StatusInternalServerError, models.NewInternalError("Error creating API key"))
		return
	}

	c.JSON(http.StatusCreated, models.CreateAPIKeyResponse{
		ID:              apiKeyModel.ID,
		Name:            apiKeyModel.Name,
		APIKey:          plainKey,
		RateLimitPerMin: apiKeyModel.RateLimitPerMin,
	})
}

// CreateInvoice da de alta una factura con sus líneas
func (api *API) CreateInvoice(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	var req models.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid request format", []models.ErrorDetail{
			{Field: "body", Issue: err.Error()},
		}))
		return
	}

	invoice, err := api.zatcaService.CreateInvoice(org, &req)
	if err != nil {
		api.respondError(c, err, "Error creating invoice")
		return
	}

	c.JSON(http.StatusCreated, invoice)
}

// GetInvoice obtiene una factura por ID
func (api *API) GetInvoice(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	id, ok := api.parseIDParam(c)
	if !ok {
		return
	}

	invoice, err := api.invoiceRepo.GetByID(id)
	if err != nil {
		api.respondError(c, err, "Error retrieving invoice")
		return
	}

	if invoice.OrganizationID != org.ID {
		c.JSON(http.StatusForbidden, models.NewForbiddenError("Access denied to this invoice"))
		return
	}

	c.JSON(http.StatusOK, invoice)
}

// ListInvoices obtiene las facturas de la organización con paginación
func (api *API) ListInvoices(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	invoices, total, err := api.invoiceRepo.GetByOrganizationID(org.ID, page, pageSize)
	if err != nil {
		api.logger.WithError(err).Error("Error listing invoices")
		c.JSON(http.StatusInternalServerError, models.NewInternalError("Error retrieving invoices"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":     invoices,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

// ProcessInvoice ejecuta el pipeline de cumplimiento sobre una factura
func (api *API) ProcessInvoice(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	id, ok := api.parseIDParam(c)
	if !ok {
		return
	}

	response, err := api.zatcaService.ProcessInvoice(c.Request.Context(), org, id)
	if err != nil {
		api.respondError(c, err, "Error processing invoice")
		return
	}

	c.JSON(http.StatusOK, response)
}

// GetInvoiceQR obtiene el payload QR de una factura
func (api *API) GetInvoiceQR(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	id, ok := api.parseIDParam(c)
	if !ok {
		return
	}

	qr, err := api.zatcaService.GetOrGenerateQR(c.Request.Context(), org, id)
	if err != nil {
		api.respondError(c, err, "Error generating QR code")
		return
	}

	c.JSON(http.StatusOK, gin.H{"qr_code": qr})
}

// GetInvoiceXML obtiene el XML canónico de una factura
func (api *API) GetInvoiceXML(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	id, ok := api.parseIDParam(c)
	if !ok {
		return
	}

	xml, err := api.zatcaService.InvoiceXML(c.Request.Context(), org, id)
	if err != nil {
		api.respondError(c, err, "Error generating invoice XML")
		return
	}

	c.Data(http.StatusOK, "application/xml", []byte(xml))
}

// SubmitInvoice envía una factura procesada a la autoridad
func (api *API) SubmitInvoice(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	id, ok := api.parseIDParam(c)
	if !ok {
		return
	}

	var req models.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid request format", []models.ErrorDetail{
			{Field: "body", Issue: err.Error()},
		}))
		return
	}

	invoice, err := api.invoiceRepo.GetByID(id)
	if err != nil {
		api.respondError(c, err, "Error retrieving invoice")
		return
	}
	if invoice.OrganizationID != org.ID {
		c.JSON(http.StatusForbidden, models.NewForbiddenError("Access denied to this invoice"))
		return
	}

	response, err := api.submissionService.Submit(c.Request.Context(), org, invoice, req.UseSandbox)
	if err != nil {
		api.respondError(c, err, "Error submitting invoice")
		return
	}

	// Un fallo de transporte encola un reintento asíncrono
	if !response.Success && api.inngestClient != nil && hasTransportFailure(response) {
		if err := api.inngestClient.EmitSubmissionRetry(c.Request.Context(), workflows.SubmissionRetryInput{
			OrganizationID: org.ID.String(),
			InvoiceID:      invoice.ID.String(),
			UseSandbox:     req.UseSandbox,
		}); err != nil {
			api.logger.Warnf("Error queueing submission retry: %v", err)
		}
	}

	c.JSON(http.StatusOK, response)
}

// ListSubmissions obtiene el historial de envíos de una factura
func (api *API) ListSubmissions(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	id, ok := api.parseIDParam(c)
	if !ok {
		return
	}

	invoice, err := api.invoiceRepo.GetByID(id)
	if err != nil {
		api.respondError(c, err, "Error retrieving invoice")
		return
	}
	if invoice.OrganizationID != org.ID {
		c.JSON(http.StatusForbidden, models.NewForbiddenError("Access denied to this invoice"))
		return
	}

	subs, err := api.submissionRepo.GetByInvoiceID(id)
	if err != nil {
		api.logger.WithError(err).Error("Error listing submissions")
		c.JSON(http.StatusInternalServerError, models.NewInternalError("Error retrieving submissions"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": subs})
}

// ValidateVAT valida el formato de un número VAT
func (api *API) ValidateVAT(c *gin.Context) {
	vatNumber := c.Param("number")
	c.JSON(http.StatusOK, api.zatcaService.ValidateVAT(vatNumber))
}

// DecodeQR decodifica un payload TLV para inspección
func (api *API) DecodeQR(c *gin.Context) {
	var req struct {
		Payload string `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid request format", []models.ErrorDetail{
			{Field: "payload", Issue: "required"},
		}))
		return
	}

	fields, err := api.zatcaService.DecodeQR(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid QR payload", []models.ErrorDetail{
			{Field: "payload", Issue: err.Error()},
		}))
		return
	}

	c.JSON(http.StatusOK, gin.H{"fields": fields})
}

// GenerateCSR genera el par de claves y el CSR de la organización
func (api *API) GenerateCSR(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	response, err := api.onboardingService.GenerateCSR(c.Request.Context(), org.ID)
	if err != nil {
		api.respondError(c, err, "Error generating CSR")
		return
	}

	c.JSON(http.StatusCreated, response)
}

// ComplianceCheck ejecuta el compliance check con el OTP del portal
func (api *API) ComplianceCheck(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	var req models.ComplianceCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid request format", []models.ErrorDetail{
			{Field: "otp", Issue: "required"},
		}))
		return
	}

	useSandbox := c.DefaultQuery("sandbox", "true") == "true"

	if err := api.onboardingService.ComplianceCheck(c.Request.Context(), org.ID, req.OTP, useSandbox); err != nil {
		api.respondError(c, err, "Error running compliance check")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.OnboardingComplianceVerified})
}

// RequestProductionCSID solicita las credenciales de producción
func (api *API) RequestProductionCSID(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	useSandbox := c.DefaultQuery("sandbox", "true") == "true"

	if err := api.onboardingService.RequestProductionCSID(c.Request.Context(), org.ID, useSandbox); err != nil {
		api.respondError(c, err, "Error requesting production CSID")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.OnboardingProductionReady})
}

// RenewCredentials renueva las credenciales de producción
func (api *API) RenewCredentials(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	var req models.ComplianceCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid request format", []models.ErrorDetail{
			{Field: "otp", Issue: "required"},
		}))
		return
	}

	useSandbox := c.DefaultQuery("sandbox", "false") == "true"

	if err := api.onboardingService.RenewCredentials(c.Request.Context(), org.ID, req.OTP, useSandbox); err != nil {
		api.respondError(c, err, "Error renewing credentials")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "renewed"})
}

// OnboardingStatus obtiene el estado de onboarding de la organización
func (api *API) OnboardingStatus(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	response, err := api.onboardingService.Status(org.ID)
	if err != nil {
		api.respondError(c, err, "Error retrieving onboarding status")
		return
	}

	c.JSON(http.StatusOK, response)
}

// GetAuditLog obtiene el historial de auditoría de la organización
func (api *API) GetAuditLog(c *gin.Context) {
	org, ok := api.organizationFromContext(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	logs, err := api.auditRepo.GetByOrganizationID(org.ID, limit)
	if err != nil {
		api.logger.WithError(err).Error("Error retrieving audit log")
		c.JSON(http.StatusInternalServerError, models.NewInternalError("Error retrieving audit log"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": logs})
}

// AuthMiddleware valida la API key y carga la organización en el contexto
func (api *API) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, models.NewUnauthorizedError("API key required"))
			c.Abort()
			return
		}

		apiKeyModel, err := api.apiKeyRepo.GetByHash(database.HashAPIKey(apiKey))
		if err != nil {
			c.JSON(http.StatusUnauthorized, models.NewUnauthorizedError("Invalid API key"))
			c.Abort()
			return
		}

		org, err := api.orgRepo.GetByID(apiKeyModel.OrganizationID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, models.NewUnauthorizedError("Invalid API key"))
			c.Abort()
			return
		}

		if err := api.apiKeyRepo.UpdateLastUsed(apiKeyModel.ID); err != nil {
			api.logger.Warnf("Error updating API key last used: %v", err)
		}

		c.Set("organization", org)
		c.Next()
	}
}

// organizationFromContext obtiene la organización cargada por el middleware
func (api *API) organizationFromContext(c *gin.Context) (*models.Organization, bool) {
	value, exists := c.Get("organization")
	if !exists {
		c.JSON(http.StatusUnauthorized, models.NewUnauthorizedError("API key required"))
		return nil, false
	}
	org, ok := value.(*models.Organization)
	if !ok {
		c.JSON(http.StatusInternalServerError, models.NewInternalError("Invalid authentication context"))
		return nil, false
	}
	return org, true
}

func (api *API) parseIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Invalid invoice ID", []models.ErrorDetail{
			{Field: "id", Issue: "Must be a valid UUID"},
		}))
		return uuid.Nil, false
	}
	return id, true
}

// respondError mapea errores de dominio a respuestas HTTP
func (api *API) respondError(c *gin.Context, err error, logMessage string) {
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, models.NewValidationErrorResponse("Validation failed", []models.ErrorDetail{
			{Field: validationErr.Field, Issue: validationErr.Issue},
		}))
		return
	}

	var chainErr *models.ChainIntegrityError
	if errors.As(err, &chainErr) {
		c.JSON(http.StatusConflict, models.NewConflictError("Invoice chain conflict, retry the operation"))
		return
	}

	var authorityErr *models.AuthorityError
	if errors.As(err, &authorityErr) {
		details := make([]models.ErrorDetail, 0, len(authorityErr.Messages))
		for _, msg := range authorityErr.Messages {
			details = append(details, models.ErrorDetail{Field: msg.Code, Issue: msg.Message})
		}
		c.JSON(http.StatusUnprocessableEntity, models.NewValidationErrorResponse(
			"Authority rejected the request", details))
		return
	}

	var transportErr *models.TransportError
	if errors.As(err, &transportErr) {
		c.JSON(http.StatusBadGateway, models.NewErrorResponse(models.ErrorCodeInternal,
			"Authority gateway unreachable"))
		return
	}

	if errors.Is(err, services.ErrOnboardingInProgress) {
		c.JSON(http.StatusConflict, models.NewConflictError("Another onboarding step is in progress"))
		return
	}

	if strings.Contains(err.Error(), "not found") {
		c.JSON(http.StatusNotFound, models.NewNotFoundError("Resource not found"))
		return
	}

	api.logger.WithError(err).Error(logMessage)
	c.JSON(http.StatusInternalServerError, models.NewInternalError(logMessage))
}

func hasTransportFailure(resp *models.SubmitResponse) bool {
	if resp.ValidationResults == nil {
		return false
	}
	for _, msg := range resp.ValidationResults.ErrorMessages {
		if msg.Category == "TRANSPORT" {
			return true
		}
	}
	return false
}
