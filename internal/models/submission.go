package models

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionType representa el tipo de envío a la autoridad
type SubmissionType string

const (
	// SubmissionClearance es la validación previa a la emisión (B2C)
	SubmissionClearance SubmissionType = "clearance"
	// SubmissionReporting es el reporte posterior a la emisión (B2B)
	SubmissionReporting SubmissionType = "reporting"
)

// AuthorityOutcome etiqueta el resultado de una interacción con la autoridad,
// de modo que los callers lo puedan matchear exhaustivamente
type AuthorityOutcome string

const (
	OutcomeCleared          AuthorityOutcome = "CLEARED"
	OutcomeReported         AuthorityOutcome = "REPORTED"
	OutcomeRejected         AuthorityOutcome = "REJECTED"
	OutcomeTransportFailure AuthorityOutcome = "TRANSPORT_FAILURE"
)

// ValidationMessage representa un mensaje individual de validación de la autoridad
type ValidationMessage struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Status   string `json:"status"`
}

// ValidationResults agrupa los mensajes de validación de una respuesta
type ValidationResults struct {
	Status          string              `json:"status"`
	InfoMessages    []ValidationMessage `json:"infoMessages,omitempty"`
	WarningMessages []ValidationMessage `json:"warningMessages,omitempty"`
	ErrorMessages   []ValidationMessage `json:"errorMessages,omitempty"`
}

// AuthorityResponse representa la respuesta de la autoridad a una submission
type AuthorityResponse struct {
	Outcome           AuthorityOutcome   `json:"outcome"`
	ReportingStatus   *string            `json:"reportingStatus,omitempty"`
	ClearanceStatus   *string            `json:"clearanceStatus,omitempty"`
	ValidationResults *ValidationResults `json:"validationResults,omitempty"`
	ClearedInvoice    *string            `json:"clearedInvoice,omitempty"`
	QRCodeData        *string            `json:"qrCodeData,omitempty"`
}

// HasErrors retorna true si la autoridad reportó errores de validación
func (r *AuthorityResponse) HasErrors() bool {
	return r.ValidationResults != nil && len(r.ValidationResults.ErrorMessages) > 0
}

// CSIDResponse representa las credenciales emitidas por la autoridad
// tras un compliance check o la solicitud de CSID de producción
type CSIDResponse struct {
	RequestID           string `json:"requestID"`
	BinarySecurityToken string `json:"binarySecurityToken"`
	Secret              string `json:"secret"`
}

// Submission representa un intento de envío registrado.
// El par {invoice_uuid, invoice_hash} es único: reintentar el mismo par
// no debe producir dos registros distintos.
type Submission struct {
	ID             uuid.UUID        `json:"id" db:"id"`
	InvoiceID      uuid.UUID        `json:"invoice_id" db:"invoice_id"`
	OrganizationID uuid.UUID        `json:"organization_id" db:"organization_id"`
	InvoiceUUID    string           `json:"invoice_uuid" db:"invoice_uuid"`
	InvoiceHash    string           `json:"invoice_hash" db:"invoice_hash"`
	Type           SubmissionType   `json:"submission_type" db:"submission_type"`
	Sandbox        bool             `json:"sandbox" db:"sandbox"`
	Outcome        AuthorityOutcome `json:"outcome" db:"outcome"`
	ResponseBody   *string          `json:"response_body,omitempty" db:"response_body"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// SubmitRequest representa el request para enviar una factura a la autoridad
type SubmitRequest struct {
	UseSandbox bool `json:"use_sandbox"`
}

// SubmitResponse representa el resultado de una submission.
// Siempre tiene la forma {success, ...}: los fallos de transporte se reportan
// aquí mismo, nunca como panic/error sin estructura hacia el caller.
type SubmitResponse struct {
	Success           bool               `json:"success"`
	SubmissionType    SubmissionType     `json:"submission_type"`
	ValidationResults *ValidationResults `json:"validation_results,omitempty"`
	ClearedInvoice    *string            `json:"cleared_invoice,omitempty"`
	QRCodeData        *string            `json:"qr_code_data,omitempty"`
}
