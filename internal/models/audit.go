package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction representa el tipo de acción auditada
type AuditAction string

const (
	AuditActionCSRGenerated       AuditAction = "ZATCA_CSR_GENERATED"
	AuditActionCompliancePassed   AuditAction = "ZATCA_COMPLIANCE_PASSED"
	AuditActionProductionReady    AuditAction = "ZATCA_PRODUCTION_READY"
	AuditActionCredentialsRenewed AuditAction = "ZATCA_CREDENTIALS_RENEWED"
	AuditActionInvoiceProcessed   AuditAction = "ZATCA_INVOICE_PROCESSED"
	AuditActionSubmissionAttempt  AuditAction = "ZATCA_SUBMISSION_ATTEMPTED"
)

// AuditLog representa una entrada del log de auditoría.
// Cada transición de estado del motor de cumplimiento queda registrada.
type AuditLog struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	OrganizationID uuid.UUID   `json:"organization_id" db:"organization_id"`
	Action         AuditAction `json:"action" db:"action"`
	Entity         string      `json:"entity" db:"entity"`
	EntityID       string      `json:"entity_id" db:"entity_id"`
	Detail         string      `json:"detail" db:"detail"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}
