package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrOnboardingInProgress indica que otro proceso ya está ejecutando un
// paso de onboarding para la misma organización
var ErrOnboardingInProgress = errors.New("onboarding step already in progress for organization")

// OrganizationStore es la vista del repositorio de organizaciones que
// necesita el onboarding. Cada método de escritura toca solo los campos
// de su paso.
type OrganizationStore interface {
	GetByID(id uuid.UUID) (*models.Organization, error)
	SaveCSR(id uuid.UUID, privateKeyPEM, csrPEM string) error
	SaveComplianceCredentials(id uuid.UUID, requestID, token, secret string) error
	SaveProductionCredentials(id uuid.UUID, token, secret string) error
	RenewProductionCredentials(id uuid.UUID, token, secret string) error
}

// AuthorityGateway es la vista del cliente de la autoridad que usan los
// servicios. Los tests la implementan contra httptest o stubs.
type AuthorityGateway interface {
	ComplianceCheck(ctx context.Context, csrPEM, otp string, useSandbox bool) (*models.CSIDResponse, error)
	ProductionCSID(ctx context.Context, creds *models.AuthorityCredentials, complianceRequestID string, useSandbox bool) (*models.CSIDResponse, error)
	RenewProductionCSID(ctx context.Context, creds *models.AuthorityCredentials, csrPEM, otp string, useSandbox bool) (*models.CSIDResponse, error)
	SubmitClearance(ctx context.Context, creds *models.AuthorityCredentials, invoiceHash, invoiceUUID, signedXML string, useSandbox bool) (*models.AuthorityResponse, error)
	SubmitReporting(ctx context.Context, creds *models.AuthorityCredentials, invoiceHash, invoiceUUID, signedXML string, useSandbox bool) (*models.AuthorityResponse, error)
}

// AuditTrail registra transiciones de estado del motor de cumplimiento
type AuditTrail interface {
	Record(organizationID uuid.UUID, action models.AuditAction, entity, entityID, detail string) error
}

// Locker es un lock distribuido de corta vida por organización
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// OnboardingService ejecuta el registro ante la autoridad:
// NOT_CONFIGURED -> CSR_GENERATED -> COMPLIANCE_VERIFIED -> PRODUCTION_READY.
// La progresión es estrictamente lineal y cada paso fallido deja el
// estado exactamente donde estaba.
type OnboardingService struct {
	orgs      OrganizationStore
	authority AuthorityGateway
	signing   *SigningService
	audit     AuditTrail
	locker    Locker
	logger    *logrus.Logger
}

// NewOnboardingService crea una nueva instancia del servicio
func NewOnboardingService(orgs OrganizationStore, authority AuthorityGateway, signing *SigningService, audit AuditTrail, locker Locker, logger *logrus.Logger) *OnboardingService {
	return &OnboardingService{
		orgs:      orgs,
		authority: authority,
		signing:   signing,
		audit:     audit,
		locker:    locker,
		logger:    logger,
	}
}

const onboardingLockTTL = 30 * time.Second

func (s *OnboardingService) withLock(ctx context.Context, organizationID uuid.UUID, fn func() error) error {
	key := fmt.Sprintf("onboarding:%s", organizationID)
	token := uuid.New().String()

	acquired, err := s.locker.AcquireLock(ctx, key, token, onboardingLockTTL)
	if err != nil {
		return fmt.Errorf("error acquiring onboarding lock: %w", err)
	}
	if !acquired {
		return ErrOnboardingInProgress
	}
	defer func() {
		if err := s.locker.ReleaseLock(ctx, key, token); err != nil {
			s.logger.WithField("organization_id", organizationID).Warnf("Error releasing onboarding lock: %v", err)
		}
	}()

	return fn()
}

// GenerateCSR genera el par de claves y el CSR de la organización.
// La clave privada se retorna en la respuesta exactamente una vez.
func (s *OnboardingService) GenerateCSR(ctx context.Context, organizationID uuid.UUID) (*models.GenerateCSRResponse, error) {
	var resp *models.GenerateCSRResponse

	err := s.withLock(ctx, organizationID, func() error {
		org, err := s.orgs.GetByID(organizationID)
		if err != nil {
			return err
		}

		if org.OnboardingStatus != models.OnboardingNotConfigured && org.OnboardingStatus != models.OnboardingCSRGenerated {
			return models.NewFieldValidationError("onboarding_status",
				fmt.Sprintf("cannot generate CSR in state %s", org.OnboardingStatus))
		}

		privateKeyPEM, err := s.signing.GenerateKeyPair()
		if err != nil {
			return err
		}

		identity := &models.CSRIdentity{
			CommonName:             org.Name,
			SerialNumber:           fmt.Sprintf("1-%s|2-1.0|3-%s", org.UnitName, org.ID),
			OrganizationIdentifier: org.VATNumber,
			OrganizationUnitName:   org.UnitName,
			CountryName:            org.Country,
			InvoiceType:            "1100",
			Location:               org.City,
			Industry:               org.Industry,
		}

		csrPEM, err := s.signing.GenerateCSR(privateKeyPEM, identity)
		if err != nil {
			return err
		}

		if err := s.orgs.SaveCSR(organizationID, privateKeyPEM, csrPEM); err != nil {
			return err
		}

		if err := s.audit.Record(organizationID, models.AuditActionCSRGenerated, "organization", organizationID.String(), "key pair and CSR generated"); err != nil {
			s.logger.Warnf("Error recording audit entry: %v", err)
		}

		s.logger.WithField("organization_id", organizationID).Info("CSR generated for organization")

		resp = &models.GenerateCSRResponse{
			CSR:        csrPEM,
			PrivateKey: privateKeyPEM,
		}
		return nil
	})

	return resp, err
}

// ComplianceCheck envía el CSR con el OTP del portal. Si la autoridad lo
// acepta, las credenciales sandbox quedan persistidas y el estado avanza.
// Un OTP rechazado deja a la organización en CSR_GENERATED.
func (s *OnboardingService) ComplianceCheck(ctx context.Context, organizationID uuid.UUID, otp string, useSandbox bool) error {
	return s.withLock(ctx, organizationID, func() error {
		org, err := s.orgs.GetByID(organizationID)
		if err != nil {
			return err
		}

		if org.OnboardingStatus != models.OnboardingCSRGenerated {
			return models.NewFieldValidationError("onboarding_status",
				fmt.Sprintf("compliance check requires CSR_GENERATED, current state is %s", org.OnboardingStatus))
		}
		if org.ZATCACSR == nil {
			return models.NewFieldValidationError("csr", "organization has no stored CSR")
		}

		csid, err := s.authority.ComplianceCheck(ctx, *org.ZATCACSR, otp, useSandbox)
		if err != nil {
			return err
		}

		if err := s.orgs.SaveComplianceCredentials(organizationID, csid.RequestID, csid.BinarySecurityToken, csid.Secret); err != nil {
			return err
		}

		if err := s.audit.Record(organizationID, models.AuditActionCompliancePassed, "organization", organizationID.String(), "compliance CSID issued"); err != nil {
			s.logger.Warnf("Error recording audit entry: %v", err)
		}

		s.logger.WithField("organization_id", organizationID).Info("Compliance check passed")
		return nil
	})
}

// RequestProductionCSID intercambia el compliance request ID por
// credenciales de producción y marca la organización lista para emitir
func (s *OnboardingService) RequestProductionCSID(ctx context.Context, organizationID uuid.UUID, useSandbox bool) error {
	return s.withLock(ctx, organizationID, func() error {
		org, err := s.orgs.GetByID(organizationID)
		if err != nil {
			return err
		}

		if org.OnboardingStatus != models.OnboardingComplianceVerified {
			return models.NewFieldValidationError("onboarding_status",
				fmt.Sprintf("production CSID requires COMPLIANCE_VERIFIED, current state is %s", org.OnboardingStatus))
		}
		if org.ComplianceRequestID == nil {
			return models.NewFieldValidationError("compliance_request_id", "organization has no compliance request ID")
		}

		creds := org.CredentialsFor(true)
		if creds == nil {
			return models.NewFieldValidationError("credentials", "organization has no sandbox credentials")
		}

		csid, err := s.authority.ProductionCSID(ctx, creds, *org.ComplianceRequestID, useSandbox)
		if err != nil {
			return err
		}

		if err := s.orgs.SaveProductionCredentials(organizationID, csid.BinarySecurityToken, csid.Secret); err != nil {
			return err
		}

		if err := s.audit.Record(organizationID, models.AuditActionProductionReady, "organization", organizationID.String(), "production CSID issued"); err != nil {
			s.logger.Warnf("Error recording audit entry: %v", err)
		}

		s.logger.WithField("organization_id", organizationID).Info("Organization is production ready")
		return nil
	})
}

// RenewCredentials renueva las credenciales de producción con un CSR
// nuevo firmado con la clave existente. El estado de onboarding no cambia.
func (s *OnboardingService) RenewCredentials(ctx context.Context, organizationID uuid.UUID, otp string, useSandbox bool) error {
	return s.withLock(ctx, organizationID, func() error {
		org, err := s.orgs.GetByID(organizationID)
		if err != nil {
			return err
		}

		if org.OnboardingStatus != models.OnboardingProductionReady {
			return models.NewFieldValidationError("onboarding_status",
				fmt.Sprintf("renewal requires PRODUCTION_READY, current state is %s", org.OnboardingStatus))
		}

		creds := org.CredentialsFor(false)
		if creds == nil {
			return models.NewFieldValidationError("credentials", "organization has no production credentials")
		}

		identity := &models.CSRIdentity{
			CommonName:             org.Name,
			SerialNumber:           fmt.Sprintf("1-%s|2-1.0|3-%s", org.UnitName, org.ID),
			OrganizationIdentifier: org.VATNumber,
			OrganizationUnitName:   org.UnitName,
			CountryName:            org.Country,
			InvoiceType:            "1100",
			Location:               org.City,
			Industry:               org.Industry,
		}

		csrPEM, err := s.signing.GenerateCSR(creds.PrivateKey, identity)
		if err != nil {
			return err
		}

		csid, err := s.authority.RenewProductionCSID(ctx, creds, csrPEM, otp, useSandbox)
		if err != nil {
			return err
		}

		if err := s.orgs.RenewProductionCredentials(organizationID, csid.BinarySecurityToken, csid.Secret); err != nil {
			return err
		}

		if err := s.audit.Record(organizationID, models.AuditActionCredentialsRenewed, "organization", organizationID.String(), "production credentials renewed"); err != nil {
			s.logger.Warnf("Error recording audit entry: %v", err)
		}

		s.logger.WithField("organization_id", organizationID).Info("Production credentials renewed")
		return nil
	})
}

// Status retorna el estado de onboarding de la organización sin exponer
// ninguna credencial
func (s *OnboardingService) Status(organizationID uuid.UUID) (*models.OnboardingStatusResponse, error) {
	org, err := s.orgs.GetByID(organizationID)
	if err != nil {
		return nil, err
	}

	return &models.OnboardingStatusResponse{
		Status:            org.OnboardingStatus,
		HasSandboxCSID:    org.SandboxToken != nil && org.SandboxSecret != nil,
		HasProductionCSID: org.ProductionToken != nil && org.ProductionSecret != nil,
	}, nil
}
