package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceTypeCode representa el código de tipo de factura según UBL 2.1
type InvoiceTypeCode string

const (
	// InvoiceTypeStandard es la factura fiscal estándar (B2B)
	InvoiceTypeStandard InvoiceTypeCode = "0100000"
	// InvoiceTypeSimplified es la factura simplificada (B2C)
	InvoiceTypeSimplified InvoiceTypeCode = "0200000"
	// InvoiceTypeStandardDebit es la nota de débito estándar
	InvoiceTypeStandardDebit InvoiceTypeCode = "0100100"
	// InvoiceTypeStandardCredit es la nota de crédito estándar
	InvoiceTypeStandardCredit InvoiceTypeCode = "0100200"
	// InvoiceTypeSimplifiedDebit es la nota de débito simplificada
	InvoiceTypeSimplifiedDebit InvoiceTypeCode = "0200100"
	// InvoiceTypeSimplifiedCredit es la nota de crédito simplificada
	InvoiceTypeSimplifiedCredit InvoiceTypeCode = "0200200"
)

// ComplianceStatus representa el estado de cumplimiento de una factura
type ComplianceStatus string

const (
	ComplianceStatusPending   ComplianceStatus = "PENDING"
	ComplianceStatusProcessed ComplianceStatus = "PROCESSED"
	ComplianceStatusCleared   ComplianceStatus = "CLEARED"
	ComplianceStatusReported  ComplianceStatus = "REPORTED"
	ComplianceStatusRejected  ComplianceStatus = "REJECTED"
	ComplianceStatusFailed    ComplianceStatus = "SUBMISSION_FAILED"
)

// ChainSentinel es el hash previo de la primera factura de una organización
const ChainSentinel = "FIRST_INVOICE"

// Invoice representa la vista de cumplimiento de una factura.
// Una vez autorizada por la autoridad el registro es inmutable.
type Invoice struct {
	ID             uuid.UUID        `json:"id" db:"id"`
	OrganizationID uuid.UUID        `json:"organization_id" db:"organization_id"`

	// Identificación del documento
	InvoiceNumber string     `json:"invoice_number" db:"invoice_number"`
	IssueDate     time.Time  `json:"issue_date" db:"issue_date"`
	DueDate       *time.Time `json:"due_date,omitempty" db:"due_date"`

	// Snapshot del comprador (no una referencia viva al catálogo de clientes)
	BuyerName    string  `json:"buyer_name" db:"buyer_name"`
	BuyerVAT     *string `json:"buyer_vat,omitempty" db:"buyer_vat"`
	BuyerAddress *string `json:"buyer_address,omitempty" db:"buyer_address"`

	// Totales calculados (punto fijo, 2 decimales)
	Subtotal  decimal.Decimal `json:"subtotal" db:"subtotal"`
	VATAmount decimal.Decimal `json:"vat_amount" db:"vat_amount"`
	Total     decimal.Decimal `json:"total" db:"total"`

	// Bundle ZATCA derivado (todo-o-nada: nunca se persiste a medias)
	ZATCAUUID     *string          `json:"zatca_uuid,omitempty" db:"zatca_uuid"`
	ZATCAHash     *string          `json:"zatca_hash,omitempty" db:"zatca_hash"`
	ZATCAPrevHash *string          `json:"zatca_prev_hash,omitempty" db:"zatca_prev_hash"`
	ZATCAXML      *string          `json:"zatca_xml,omitempty" db:"zatca_xml"`
	ZATCAQR       *string          `json:"zatca_qr,omitempty" db:"zatca_qr"`
	ZATCAStatus   ComplianceStatus `json:"zatca_status" db:"zatca_status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Relaciones (populadas en consultas)
	Items []InvoiceItem `json:"items,omitempty"`
}

// InvoiceItem representa una línea de la factura
type InvoiceItem struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	InvoiceID   uuid.UUID       `json:"invoice_id" db:"invoice_id"`
	LineNo      int             `json:"line_no" db:"line_no"`
	Description string          `json:"description" db:"description"`
	Quantity    decimal.Decimal `json:"quantity" db:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// InvoiceCore son los campos que participan en el hash canónico.
// El orden y el formato están congelados: cambiarlos rompe la compatibilidad
// con facturas ya emitidas y requiere versionar la cadena.
type InvoiceCore struct {
	InvoiceNumber string
	IssueDate     time.Time
	Total         decimal.Decimal
	VATAmount     decimal.Decimal
	SellerVAT     string
	BuyerVAT      *string
}

// ZATCABundle es la representación derivada que se persiste junto a la factura
type ZATCABundle struct {
	UUID         string  `json:"uuid"`
	ContentHash  string  `json:"content_hash"`
	PreviousHash string  `json:"previous_hash"`
	CanonicalXML string  `json:"canonical_xml"`
	QRPayload    string  `json:"qr_payload"`
	Signature    *string `json:"signature,omitempty"`
}

// ProcessInvoiceResponse representa la respuesta al procesar una factura
type ProcessInvoiceResponse struct {
	UUID              string `json:"uuid"`
	Hash              string `json:"hash"`
	QRCode            string `json:"qr_code"`
	XML               string `json:"xml"`
	RequiresClearance bool   `json:"requires_clearance"`
}

// CreateInvoiceItemRequest representa una línea en el alta de factura
type CreateInvoiceItemRequest struct {
	Description string          `json:"description" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	UnitPrice   decimal.Decimal `json:"unit_price" binding:"required"`
}

// CreateInvoiceRequest representa el alta de una factura. Si no trae
// número, el servicio asigna uno de la secuencia de la organización.
type CreateInvoiceRequest struct {
	InvoiceNumber string                     `json:"invoice_number"`
	IssueDate     time.Time                  `json:"issue_date" binding:"required"`
	DueDate       *time.Time                 `json:"due_date"`
	BuyerName     string                     `json:"buyer_name" binding:"required"`
	BuyerVAT      *string                    `json:"buyer_vat"`
	BuyerAddress  *string                    `json:"buyer_address"`
	Items         []CreateInvoiceItemRequest `json:"items" binding:"required,min=1"`
}

// QRField representa un campo decodificado del payload TLV del código QR
type QRField struct {
	Tag   byte   `json:"tag"`
	Value string `json:"value"`
}

// VATValidationResponse representa la respuesta de validación de número VAT
type VATValidationResponse struct {
	VATNumber string `json:"vat_number"`
	IsValid   bool   `json:"is_valid"`
}
