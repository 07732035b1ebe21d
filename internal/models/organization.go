package models

import (
	"time"

	"github.com/google/uuid"
)

// OnboardingStatus representa el estado del registro ante la autoridad.
// La progresión es estrictamente lineal: no hay salto directo a producción.
type OnboardingStatus string

const (
	OnboardingNotConfigured      OnboardingStatus = "NOT_CONFIGURED"
	OnboardingCSRGenerated       OnboardingStatus = "CSR_GENERATED"
	OnboardingComplianceVerified OnboardingStatus = "COMPLIANCE_VERIFIED"
	OnboardingProductionReady    OnboardingStatus = "PRODUCTION_READY"
)

// Organization representa un emisor (tenant) con su identidad fiscal
// y el estado de sus credenciales ZATCA
type Organization struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	VATNumber string    `json:"vat_number" db:"vat_number"`
	UnitName  string    `json:"unit_name" db:"unit_name"`
	Address   *string   `json:"address,omitempty" db:"address"`
	City      string    `json:"city" db:"city"`
	Country   string    `json:"country" db:"country"`
	Industry  string    `json:"industry" db:"industry"`
	Email     string    `json:"email" db:"email"`

	// Estado de onboarding ZATCA. La clave privada se genera una sola vez;
	// si se pierde, la organización debe regenerar y re-registrarse.
	OnboardingStatus    OnboardingStatus `json:"onboarding_status" db:"onboarding_status"`
	ZATCAPrivateKey     *string          `json:"-" db:"zatca_private_key"`
	ZATCACSR            *string          `json:"-" db:"zatca_csr"`
	ComplianceRequestID *string          `json:"-" db:"compliance_request_id"`

	// Credenciales sandbox y producción: juegos distintos, nunca se mezclan
	SandboxToken     *string `json:"-" db:"sandbox_token"`
	SandboxSecret    *string `json:"-" db:"sandbox_secret"`
	ProductionToken  *string `json:"-" db:"production_token"`
	ProductionSecret *string `json:"-" db:"production_secret"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AuthorityCredentials son las credenciales con las que se autentica
// una submission ante la autoridad
type AuthorityCredentials struct {
	CertificateSerialNumber string
	Certificate             string
	PrivateKey              string
	Secret                  string
}

// CredentialsFor retorna las credenciales del ambiente indicado, o nil si
// la organización todavía no completó el paso de onboarding correspondiente
func (o *Organization) CredentialsFor(useSandbox bool) *AuthorityCredentials {
	token, secret := o.ProductionToken, o.ProductionSecret
	if useSandbox {
		token, secret = o.SandboxToken, o.SandboxSecret
	}
	if token == nil || secret == nil || o.ZATCAPrivateKey == nil {
		return nil
	}
	return &AuthorityCredentials{
		CertificateSerialNumber: *token,
		Certificate:             *token,
		PrivateKey:              *o.ZATCAPrivateKey,
		Secret:                  *secret,
	}
}

// CSRIdentity es la identidad que se codifica en el Certificate Signing Request
type CSRIdentity struct {
	CommonName             string `json:"common_name" binding:"required"`
	SerialNumber           string `json:"serial_number" binding:"required"`
	OrganizationIdentifier string `json:"organization_identifier" binding:"required"`
	OrganizationUnitName   string `json:"organization_unit_name" binding:"required"`
	CountryName            string `json:"country_name" binding:"required"`
	InvoiceType            string `json:"invoice_type" binding:"required"`
	Location               string `json:"location" binding:"required"`
	Industry               string `json:"industry" binding:"required"`
}

// CreateOrganizationRequest representa el alta de una organización
type CreateOrganizationRequest struct {
	Name      string  `json:"name" binding:"required"`
	VATNumber string  `json:"vat_number" binding:"required"`
	UnitName  string  `json:"unit_name" binding:"required"`
	Address   *string `json:"address"`
	City      string  `json:"city" binding:"required"`
	Country   string  `json:"country" binding:"required"`
	Industry  string  `json:"industry" binding:"required"`
	Email     string  `json:"email" binding:"required,email"`
}

// OrganizationResponse representa la respuesta al crear una organización
type OrganizationResponse struct {
	ID uuid.UUID `json:"id"`
}

// APIKey representa una clave de API para integración
type APIKey struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	OrganizationID  uuid.UUID  `json:"organization_id" db:"organization_id"`
	Name            string     `json:"name" db:"name"`
	KeyHash         string     `json:"key_hash" db:"key_hash"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	RateLimitPerMin int        `json:"rate_limit_per_min" db:"rate_limit_per_min"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// CreateAPIKeyRequest representa el request para crear una API key
type CreateAPIKeyRequest struct {
	Name            string `json:"name" binding:"required"`
	RateLimitPerMin int    `json:"rate_limit_per_min" binding:"required,min=1,max=10000"`
}

// CreateAPIKeyResponse representa la respuesta al crear una API key
type CreateAPIKeyResponse struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	APIKey          string    `json:"api_key"`
	RateLimitPerMin int       `json:"rate_limit_per_min"`
}

// GenerateCSRResponse representa la respuesta al generar el CSR.
// La clave privada se retorna exactamente una vez.
type GenerateCSRResponse struct {
	CSR        string `json:"csr"`
	PrivateKey string `json:"private_key"`
}

// ComplianceCheckRequest representa el request del paso de compliance.
// El OTP lo obtiene un humano fuera de banda en el portal de la autoridad.
type ComplianceCheckRequest struct {
	OTP string `json:"otp" binding:"required"`
}

// OnboardingStatusResponse representa el estado de onboarding expuesto al caller
type OnboardingStatusResponse struct {
	Status            OnboardingStatus `json:"status"`
	HasSandboxCSID    bool             `json:"has_sandbox_csid"`
	HasProductionCSID bool             `json:"has_production_csid"`
}
