package database

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// SubmissionRepository maneja las operaciones de base de datos para Submission
type SubmissionRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewSubmissionRepository crea una nueva instancia del repositorio
func NewSubmissionRepository(db *DB, logger *logrus.Logger) *SubmissionRepository {
	return &SubmissionRepository{
		db:     db,
		logger: logger,
	}
}

// Create registra un intento de envío. El par {invoice_uuid, invoice_hash}
// tiene un índice único: un reintento del mismo par actualiza el registro
// existente en lugar de duplicarlo.
func (r *SubmissionRepository) Create(sub *models.Submission) error {
	query := `
		INSERT INTO submissions (
			id, invoice_id, organization_id, invoice_uuid, invoice_hash,
			submission_type, sandbox, outcome, response_body, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (invoice_uuid, invoice_hash)
		DO UPDATE SET outcome = EXCLUDED.outcome, response_body = EXCLUDED.response_body
	`

	_, err := r.db.ExecWithTimeout(query,
		sub.ID, sub.InvoiceID, sub.OrganizationID, sub.InvoiceUUID, sub.InvoiceHash,
		sub.Type, sub.Sandbox, sub.Outcome, sub.ResponseBody, sub.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("error recording submission: %w", err)
	}

	return nil
}

// GetByInvoicePair obtiene una submission por el par {uuid, hash}
func (r *SubmissionRepository) GetByInvoicePair(invoiceUUID, invoiceHash string) (*models.Submission, error) {
	query := `
		SELECT id, invoice_id, organization_id, invoice_uuid, invoice_hash,
		       submission_type, sandbox, outcome, response_body, created_at
		FROM submissions
		WHERE invoice_uuid = $1 AND invoice_hash = $2
	`

	var sub models.Submission
	err := r.db.QueryRowWithTimeout(query, invoiceUUID, invoiceHash).Scan(
		&sub.ID, &sub.InvoiceID, &sub.OrganizationID, &sub.InvoiceUUID, &sub.InvoiceHash,
		&sub.Type, &sub.Sandbox, &sub.Outcome, &sub.ResponseBody, &sub.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error querying submission: %w", err)
	}

	return &sub, nil
}

// GetByInvoiceID obtiene las submissions de una factura, más reciente primero
func (r *SubmissionRepository) GetByInvoiceID(invoiceID uuid.UUID) ([]models.Submission, error) {
	query := `
		SELECT id, invoice_id, organization_id, invoice_uuid, invoice_hash,
		       submission_type, sandbox, outcome, response_body, created_at
		FROM submissions
		WHERE invoice_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryWithTimeout(query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("error querying submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		var sub models.Submission
		err := rows.Scan(
			&sub.ID, &sub.InvoiceID, &sub.OrganizationID, &sub.InvoiceUUID, &sub.InvoiceHash,
			&sub.Type, &sub.Sandbox, &sub.Outcome, &sub.ResponseBody, &sub.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning submission: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, nil
}
