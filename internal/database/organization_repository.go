package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// OrganizationRepository maneja las operaciones de base de datos para Organization
type OrganizationRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewOrganizationRepository crea una nueva instancia del repositorio
func NewOrganizationRepository(db *DB, logger *logrus.Logger) *OrganizationRepository {
	return &OrganizationRepository{
		db:     db,
		logger: logger,
	}
}

const organizationColumns = `
	id, name, vat_number, unit_name, address, city, country, industry, email,
	onboarding_status, zatca_private_key, zatca_csr, compliance_request_id,
	sandbox_token, sandbox_secret, production_token, production_secret,
	created_at, updated_at
`

// Create crea una nueva organización
func (r *OrganizationRepository) Create(org *models.Organization) error {
	query := `
		INSERT INTO organizations (
			id, name, vat_number, unit_name, address, city, country, industry, email,
			onboarding_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err := r.db.ExecWithTimeout(query,
		org.ID, org.Name, org.VATNumber, org.UnitName, org.Address,
		org.City, org.Country, org.Industry, org.Email,
		models.OnboardingNotConfigured, org.CreatedAt, org.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("error inserting organization: %w", err)
	}

	return nil
}

// GetByID obtiene una organización por ID
func (r *OrganizationRepository) GetByID(id uuid.UUID) (*models.Organization, error) {
	query := fmt.Sprintf(`SELECT %s FROM organizations WHERE id = $1`, organizationColumns)

	var org models.Organization
	err := r.db.QueryRowWithTimeout(query, id).Scan(
		&org.ID, &org.Name, &org.VATNumber, &org.UnitName, &org.Address,
		&org.City, &org.Country, &org.Industry, &org.Email,
		&org.OnboardingStatus, &org.ZATCAPrivateKey, &org.ZATCACSR, &org.ComplianceRequestID,
		&org.SandboxToken, &org.SandboxSecret, &org.ProductionToken, &org.ProductionSecret,
		&org.CreatedAt, &org.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("organization not found: %s", id)
		}
		return nil, fmt.Errorf("error querying organization: %w", err)
	}

	return &org, nil
}

// GetByVATNumber obtiene una organización por número VAT
func (r *OrganizationRepository) GetByVATNumber(vatNumber string) (*models.Organization, error) {
	query := fmt.Sprintf(`SELECT %s FROM organizations WHERE vat_number = $1`, organizationColumns)

	var org models.Organization
	err := r.db.QueryRowWithTimeout(query, vatNumber).Scan(
		&org.ID, &org.Name, &org.VATNumber, &org.UnitName, &org.Address,
		&org.City, &org.Country, &org.Industry, &org.Email,
		&org.OnboardingStatus, &org.ZATCAPrivateKey, &org.ZATCACSR, &org.ComplianceRequestID,
		&org.SandboxToken, &org.SandboxSecret, &org.ProductionToken, &org.ProductionSecret,
		&org.CreatedAt, &org.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error querying organization by VAT number: %w", err)
	}

	return &org, nil
}

// SaveCSR persiste el par de claves y el CSR generado, y avanza el estado
// de onboarding. Solo escribe los campos de este paso.
func (r *OrganizationRepository) SaveCSR(id uuid.UUID, privateKeyPEM, csrPEM string) error {
	query := `
		UPDATE organizations
		SET zatca_private_key = $1, zatca_csr = $2, onboarding_status = $3, updated_at = $4
		WHERE id = $5
	`

	result, err := r.db.ExecWithTimeout(query,
		privateKeyPEM, csrPEM, models.OnboardingCSRGenerated, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("error saving CSR: %w", err)
	}

	return requireRowsAffected(result, "organization", id.String())
}

// SaveComplianceCredentials persiste las credenciales sandbox emitidas tras
// el compliance check y avanza el estado de onboarding
func (r *OrganizationRepository) SaveComplianceCredentials(id uuid.UUID, requestID, token, secret string) error {
	query := `
		UPDATE organizations
		SET compliance_request_id = $1, sandbox_token = $2, sandbox_secret = $3,
		    onboarding_status = $4, updated_at = $5
		WHERE id = $6
	`

	result, err := r.db.ExecWithTimeout(query,
		requestID, token, secret, models.OnboardingComplianceVerified, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("error saving compliance credentials: %w", err)
	}

	return requireRowsAffected(result, "organization", id.String())
}

// SaveProductionCredentials persiste las credenciales de producción y marca
// la organización como lista para emitir
func (r *OrganizationRepository) SaveProductionCredentials(id uuid.UUID, token, secret string) error {
	query := `
		UPDATE organizations
		SET production_token = $1, production_secret = $2, onboarding_status = $3, updated_at = $4
		WHERE id = $5
	`

	result, err := r.db.ExecWithTimeout(query,
		token, secret, models.OnboardingProductionReady, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("error saving production credentials: %w", err)
	}

	return requireRowsAffected(result, "organization", id.String())
}

// RenewProductionCredentials reemplaza las credenciales de producción sin
// tocar el estado de onboarding
func (r *OrganizationRepository) RenewProductionCredentials(id uuid.UUID, token, secret string) error {
	query := `
		UPDATE organizations
		SET production_token = $1, production_secret = $2, updated_at = $3
		WHERE id = $4 AND onboarding_status = $5
	`

	result, err := r.db.ExecWithTimeout(query,
		token, secret, time.Now(), id, models.OnboardingProductionReady,
	)
	if err != nil {
		return fmt.Errorf("error renewing production credentials: %w", err)
	}

	return requireRowsAffected(result, "organization", id.String())
}

func requireRowsAffected(result sql.Result, entity, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
