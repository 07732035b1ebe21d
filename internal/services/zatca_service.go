package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// chainLinkAttempts es cuántas veces se reintenta el encadenado cuando
// otro proceso avanzó el head entre la lectura y el commit
const chainLinkAttempts = 3

// InvoiceStore es la vista del repositorio de facturas que usa el
// pipeline de procesamiento
type InvoiceStore interface {
	Create(invoice *models.Invoice, items []models.InvoiceItem) error
	GetByID(id uuid.UUID) (*models.Invoice, error)
	GetByInvoiceNumber(organizationID uuid.UUID, invoiceNumber string) (*models.Invoice, error)
	NextInvoiceSequence(organizationID uuid.UUID, year int) (int, error)
}

// Archiver persiste copias del XML y el QR en almacenamiento externo.
// Es best-effort: un fallo de archivo no invalida el procesamiento.
type Archiver interface {
	ArchiveInvoiceXML(ctx context.Context, organizationID, invoiceID uuid.UUID, xml string) (string, error)
	ArchiveQRPayload(ctx context.Context, organizationID, invoiceID uuid.UUID, payload string) (string, error)
}

// ZATCAService orquesta el pipeline de cumplimiento de una factura:
// validación, hash canónico, encadenado, XML UBL y código QR.
type ZATCAService struct {
	encoder   *EncoderService
	hashchain *HashChainService
	invoices  InvoiceStore
	audit     AuditTrail
	archiver  Archiver
	logger    *logrus.Logger
}

// NewZATCAService crea una nueva instancia del servicio
func NewZATCAService(encoder *EncoderService, hashchain *HashChainService, invoices InvoiceStore, audit AuditTrail, archiver Archiver, logger *logrus.Logger) *ZATCAService {
	return &ZATCAService{
		encoder:   encoder,
		hashchain: hashchain,
		invoices:  invoices,
		audit:     audit,
		archiver:  archiver,
		logger:    logger,
	}
}

// CreateInvoice da de alta una factura con sus líneas, calculando los
// totales con aritmética de punto fijo. El IVA se calcula sobre el
// subtotal a la tasa estándar y se redondea a dos decimales.
func (s *ZATCAService) CreateInvoice(org *models.Organization, req *models.CreateInvoiceRequest) (*models.Invoice, error) {
	invoiceNumber := req.InvoiceNumber
	if invoiceNumber == "" {
		year := req.IssueDate.UTC().Year()
		seq, err := s.invoices.NextInvoiceSequence(org.ID, year)
		if err != nil {
			return nil, err
		}
		invoiceNumber = fmt.Sprintf("INV-%s-%d-%06d", shortOrgID(org.ID), year, seq)
	} else {
		existing, err := s.invoices.GetByInvoiceNumber(org.ID, invoiceNumber)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, models.NewFieldValidationError("invoice_number", "invoice number already exists for organization")
		}
	}

	now := time.Now()
	invoice := &models.Invoice{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		InvoiceNumber:  invoiceNumber,
		IssueDate:      req.IssueDate,
		DueDate:        req.DueDate,
		BuyerName:      req.BuyerName,
		BuyerVAT:       req.BuyerVAT,
		BuyerAddress:   req.BuyerAddress,
		ZATCAStatus:    models.ComplianceStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var items []models.InvoiceItem
	for i, line := range req.Items {
		amount := line.Quantity.Mul(line.UnitPrice).Round(2)
		items = append(items, models.InvoiceItem{
			ID:          uuid.New(),
			InvoiceID:   invoice.ID,
			LineNo:      i + 1,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Amount:      amount,
			CreatedAt:   now,
		})
		invoice.Subtotal = invoice.Subtotal.Add(amount)
	}

	invoice.VATAmount = invoice.Subtotal.Mul(VATRate).Round(2)
	invoice.Total = invoice.Subtotal.Add(invoice.VATAmount)
	invoice.Items = items

	if err := s.encoder.ValidateInvoice(org, invoice); err != nil {
		return nil, err
	}

	if err := s.invoices.Create(invoice, items); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"invoice_id":      invoice.ID,
		"invoice_number":  invoiceNumber,
	}).Info("Invoice created")

	return invoice, nil
}

// ProcessInvoice ejecuta el pipeline de cumplimiento: valida, calcula el
// hash canónico, encadena, genera XML y QR, y persiste el bundle completo
// en una sola transacción. Reprocesar una factura ya procesada retorna el
// bundle existente sin tocar la cadena.
func (s *ZATCAService) ProcessInvoice(ctx context.Context, org *models.Organization, invoiceID uuid.UUID) (*models.ProcessInvoiceResponse, error) {
	invoice, err := s.invoices.GetByID(invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.OrganizationID != org.ID {
		return nil, models.NewFieldValidationError("invoice_id", "invoice does not belong to organization")
	}

	// Idempotencia: el bundle ya derivado es inmutable
	if invoice.ZATCAUUID != nil && invoice.ZATCAHash != nil {
		return &models.ProcessInvoiceResponse{
			UUID:              *invoice.ZATCAUUID,
			Hash:              *invoice.ZATCAHash,
			QRCode:            derefOrEmpty(invoice.ZATCAQR),
			XML:               derefOrEmpty(invoice.ZATCAXML),
			RequiresClearance: RequiresClearance(invoice),
		}, nil
	}

	if err := s.encoder.ValidateInvoice(org, invoice); err != nil {
		return nil, err
	}

	invoiceUUID := uuid.New().String()

	core := &models.InvoiceCore{
		InvoiceNumber: invoice.InvoiceNumber,
		IssueDate:     invoice.IssueDate,
		Total:         invoice.Total,
		VATAmount:     invoice.VATAmount,
		SellerVAT:     org.VATNumber,
		BuyerVAT:      invoice.BuyerVAT,
	}
	hash := s.hashchain.ComputeHash(core)

	qrPayload, err := s.encoder.QRPayload(org, invoice)
	if err != nil {
		return nil, err
	}

	var bundle *models.ZATCABundle
	var chainErr *models.ChainIntegrityError
	for attempt := 1; attempt <= chainLinkAttempts; attempt++ {
		prevHash, err := s.hashchain.PreviousHash(org.ID)
		if err != nil {
			return nil, err
		}

		xml, err := s.encoder.CanonicalXML(org, invoice, invoiceUUID, prevHash, qrPayload)
		if err != nil {
			return nil, err
		}

		bundle = &models.ZATCABundle{
			UUID:         invoiceUUID,
			ContentHash:  hash,
			PreviousHash: prevHash,
			CanonicalXML: xml,
			QRPayload:    qrPayload,
		}

		err = s.hashchain.Link(invoice.ID, org.ID, bundle, prevHash)
		if err == nil {
			chainErr = nil
			break
		}
		if !errors.As(err, &chainErr) {
			return nil, err
		}

		s.logger.WithFields(logrus.Fields{
			"organization_id": org.ID,
			"invoice_id":      invoice.ID,
			"attempt":         attempt,
		}).Warn("Chain head moved concurrently, re-linking invoice")
	}
	if chainErr != nil {
		return nil, chainErr
	}

	if err := s.audit.Record(org.ID, models.AuditActionInvoiceProcessed, "invoice", invoice.ID.String(), hash); err != nil {
		s.logger.Warnf("Error recording audit entry: %v", err)
	}

	s.archive(ctx, org.ID, invoice.ID, bundle)

	return &models.ProcessInvoiceResponse{
		UUID:              bundle.UUID,
		Hash:              bundle.ContentHash,
		QRCode:            bundle.QRPayload,
		XML:               bundle.CanonicalXML,
		RequiresClearance: RequiresClearance(invoice),
	}, nil
}

// GetOrGenerateQR retorna el payload QR de la factura, procesándola si
// todavía no tiene bundle
func (s *ZATCAService) GetOrGenerateQR(ctx context.Context, org *models.Organization, invoiceID uuid.UUID) (string, error) {
	invoice, err := s.invoices.GetByID(invoiceID)
	if err != nil {
		return "", err
	}
	if invoice.OrganizationID != org.ID {
		return "", models.NewFieldValidationError("invoice_id", "invoice does not belong to organization")
	}

	if invoice.ZATCAQR != nil && *invoice.ZATCAQR != "" {
		return *invoice.ZATCAQR, nil
	}

	resp, err := s.ProcessInvoice(ctx, org, invoiceID)
	if err != nil {
		return "", err
	}
	return resp.QRCode, nil
}

// InvoiceXML retorna el XML canónico de la factura, procesándola si
// todavía no tiene bundle
func (s *ZATCAService) InvoiceXML(ctx context.Context, org *models.Organization, invoiceID uuid.UUID) (string, error) {
	invoice, err := s.invoices.GetByID(invoiceID)
	if err != nil {
		return "", err
	}
	if invoice.OrganizationID != org.ID {
		return "", models.NewFieldValidationError("invoice_id", "invoice does not belong to organization")
	}

	if invoice.ZATCAXML != nil && *invoice.ZATCAXML != "" {
		return *invoice.ZATCAXML, nil
	}

	resp, err := s.ProcessInvoice(ctx, org, invoiceID)
	if err != nil {
		return "", err
	}
	return resp.XML, nil
}

// ValidateVAT valida el formato de un número VAT
func (s *ZATCAService) ValidateVAT(vatNumber string) *models.VATValidationResponse {
	return &models.VATValidationResponse{
		VATNumber: vatNumber,
		IsValid:   ValidateVATNumber(vatNumber),
	}
}

// DecodeQR decodifica un payload TLV para inspección
func (s *ZATCAService) DecodeQR(payload string) ([]models.QRField, error) {
	return DecodeTLV(payload)
}

func (s *ZATCAService) archive(ctx context.Context, organizationID, invoiceID uuid.UUID, bundle *models.ZATCABundle) {
	if s.archiver == nil {
		return
	}
	if _, err := s.archiver.ArchiveInvoiceXML(ctx, organizationID, invoiceID, bundle.CanonicalXML); err != nil {
		s.logger.WithField("invoice_id", invoiceID).Warnf("Error archiving invoice XML: %v", err)
	}
	if _, err := s.archiver.ArchiveQRPayload(ctx, organizationID, invoiceID, bundle.QRPayload); err != nil {
		s.logger.WithField("invoice_id", invoiceID).Warnf("Error archiving QR payload: %v", err)
	}
}

func shortOrgID(id uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
