package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// clearanceThreshold es el monto bajo el cual toda factura requiere
// clearance previa aunque tenga comprador identificado
var clearanceThreshold = decimal.NewFromInt(1000)

// SubmissionStore registra los intentos de envío a la autoridad
type SubmissionStore interface {
	Create(sub *models.Submission) error
	GetByInvoicePair(invoiceUUID, invoiceHash string) (*models.Submission, error)
}

// InvoiceStatusStore actualiza el estado de cumplimiento de una factura
type InvoiceStatusStore interface {
	UpdateStatus(id uuid.UUID, status models.ComplianceStatus) error
}

// Notifier envía notificaciones del resultado de una submission
type Notifier interface {
	NotifySubmissionResult(org *models.Organization, invoice *models.Invoice, outcome models.AuthorityOutcome) error
}

// SubmissionService decide la ruta de envío de cada factura y ejecuta
// la interacción con la autoridad. El resultado siempre tiene la forma
// {success, ...}: un fallo de transporte se reporta estructurado, nunca
// escapa como panic ni error sin forma.
type SubmissionService struct {
	authority   AuthorityGateway
	signing     *SigningService
	submissions SubmissionStore
	invoices    InvoiceStatusStore
	audit       AuditTrail
	notifier    Notifier
	logger      *logrus.Logger
}

// NewSubmissionService crea una nueva instancia del servicio
func NewSubmissionService(authority AuthorityGateway, signing *SigningService, submissions SubmissionStore, invoices InvoiceStatusStore, audit AuditTrail, notifier Notifier, logger *logrus.Logger) *SubmissionService {
	return &SubmissionService{
		authority:   authority,
		signing:     signing,
		submissions: submissions,
		invoices:    invoices,
		audit:       audit,
		notifier:    notifier,
		logger:      logger,
	}
}

// RequiresClearance determina si la factura va por clearance (validación
// previa a la emisión) o por reporting (reporte posterior). Sin VAT del
// comprador o bajo el umbral, va por clearance.
func RequiresClearance(invoice *models.Invoice) bool {
	if invoice.BuyerVAT == nil || *invoice.BuyerVAT == "" {
		return true
	}
	return invoice.Total.LessThan(clearanceThreshold)
}

// Submit envía la factura procesada a la autoridad por la ruta que le
// corresponde. La factura debe tener su bundle derivado completo.
func (s *SubmissionService) Submit(ctx context.Context, org *models.Organization, invoice *models.Invoice, useSandbox bool) (*models.SubmitResponse, error) {
	if invoice.ZATCAUUID == nil || invoice.ZATCAHash == nil || invoice.ZATCAXML == nil {
		return nil, models.NewFieldValidationError("invoice", "invoice has not been processed for compliance")
	}

	// Una submission ya aceptada para el par {uuid, hash} es definitiva:
	// el tipo se decidió una vez y la autoridad no se vuelve a contactar
	prior, err := s.submissions.GetByInvoicePair(*invoice.ZATCAUUID, *invoice.ZATCAHash)
	if err != nil {
		return nil, fmt.Errorf("error looking up prior submission: %w", err)
	}
	if prior != nil && (prior.Outcome == models.OutcomeCleared || prior.Outcome == models.OutcomeReported) {
		s.logger.WithFields(logrus.Fields{
			"invoice_id": invoice.ID,
			"outcome":    prior.Outcome,
		}).Info("Submission already accepted, returning recorded result")
		return priorResponse(prior), nil
	}

	creds := org.CredentialsFor(useSandbox)
	if creds == nil {
		return nil, models.NewFieldValidationError("credentials",
			"organization has no credentials for the requested environment")
	}

	// La firma cubre el documento XML completo, no solo el hash de
	// contenido: alterar cualquier elemento del documento la invalida
	xmlDigest := DocumentDigest(*invoice.ZATCAXML)
	signature, err := s.signing.SignDigest(xmlDigest, creds.PrivateKey)
	if err != nil {
		return nil, err
	}

	signedXML, err := s.signing.EmbedSignature(*invoice.ZATCAXML, xmlDigest, signature, creds.Certificate)
	if err != nil {
		return nil, err
	}

	subType := models.SubmissionReporting
	if RequiresClearance(invoice) {
		subType = models.SubmissionClearance
	}

	var resp *models.AuthorityResponse
	if subType == models.SubmissionClearance {
		resp, err = s.authority.SubmitClearance(ctx, creds, *invoice.ZATCAHash, *invoice.ZATCAUUID, signedXML, useSandbox)
	} else {
		resp, err = s.authority.SubmitReporting(ctx, creds, *invoice.ZATCAHash, *invoice.ZATCAUUID, signedXML, useSandbox)
	}

	if err != nil {
		var transportErr *models.TransportError
		if errors.As(err, &transportErr) {
			return s.handleTransportFailure(org, invoice, subType, useSandbox, transportErr)
		}
		var authorityErr *models.AuthorityError
		if errors.As(err, &authorityErr) {
			return s.handleRejection(org, invoice, subType, useSandbox, &models.AuthorityResponse{
				Outcome: models.OutcomeRejected,
				ValidationResults: &models.ValidationResults{
					Status:        "ERROR",
					ErrorMessages: authorityErr.Messages,
				},
			})
		}
		return nil, err
	}

	if resp.Outcome == models.OutcomeRejected {
		return s.handleRejection(org, invoice, subType, useSandbox, resp)
	}

	return s.handleAccepted(org, invoice, subType, useSandbox, resp)
}

// priorResponse reconstruye la respuesta de una submission ya aceptada
func priorResponse(prior *models.Submission) *models.SubmitResponse {
	resp := &models.SubmitResponse{
		Success:        true,
		SubmissionType: prior.Type,
	}
	if prior.ResponseBody != nil {
		var results models.ValidationResults
		if json.Unmarshal([]byte(*prior.ResponseBody), &results) == nil {
			resp.ValidationResults = &results
		}
	}
	return resp
}

func (s *SubmissionService) handleAccepted(org *models.Organization, invoice *models.Invoice, subType models.SubmissionType, sandbox bool, resp *models.AuthorityResponse) (*models.SubmitResponse, error) {
	status := models.ComplianceStatusReported
	if subType == models.SubmissionClearance {
		status = models.ComplianceStatusCleared
	}

	s.recordSubmission(org, invoice, subType, sandbox, resp.Outcome, resp)

	if err := s.invoices.UpdateStatus(invoice.ID, status); err != nil {
		s.logger.WithField("invoice_id", invoice.ID).Errorf("Error updating invoice status: %v", err)
	}

	s.notify(org, invoice, resp.Outcome)

	return &models.SubmitResponse{
		Success:           true,
		SubmissionType:    subType,
		ValidationResults: resp.ValidationResults,
		ClearedInvoice:    resp.ClearedInvoice,
		QRCodeData:        resp.QRCodeData,
	}, nil
}

func (s *SubmissionService) handleRejection(org *models.Organization, invoice *models.Invoice, subType models.SubmissionType, sandbox bool, resp *models.AuthorityResponse) (*models.SubmitResponse, error) {
	s.recordSubmission(org, invoice, subType, sandbox, models.OutcomeRejected, resp)

	if err := s.invoices.UpdateStatus(invoice.ID, models.ComplianceStatusRejected); err != nil {
		s.logger.WithField("invoice_id", invoice.ID).Errorf("Error updating invoice status: %v", err)
	}

	s.notify(org, invoice, models.OutcomeRejected)

	return &models.SubmitResponse{
		Success:           false,
		SubmissionType:    subType,
		ValidationResults: resp.ValidationResults,
	}, nil
}

func (s *SubmissionService) handleTransportFailure(org *models.Organization, invoice *models.Invoice, subType models.SubmissionType, sandbox bool, transportErr *models.TransportError) (*models.SubmitResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"invoice_id":      invoice.ID,
		"submission_type": subType,
	}).Warnf("Authority unreachable: %v", transportErr)

	s.recordSubmission(org, invoice, subType, sandbox, models.OutcomeTransportFailure, nil)

	if err := s.invoices.UpdateStatus(invoice.ID, models.ComplianceStatusFailed); err != nil {
		s.logger.WithField("invoice_id", invoice.ID).Errorf("Error updating invoice status: %v", err)
	}

	// El fallo de transporte se presenta con la misma forma que un rechazo,
	// con un mensaje sintético distinguible por categoría
	return &models.SubmitResponse{
		Success:        false,
		SubmissionType: subType,
		ValidationResults: &models.ValidationResults{
			Status: "ERROR",
			ErrorMessages: []models.ValidationMessage{
				{
					Type:     "ERROR",
					Code:     "transport-failure",
					Category: "TRANSPORT",
					Message:  "authority gateway unreachable, submission can be retried",
					Status:   "ERROR",
				},
			},
		},
	}, nil
}

func (s *SubmissionService) recordSubmission(org *models.Organization, invoice *models.Invoice, subType models.SubmissionType, sandbox bool, outcome models.AuthorityOutcome, resp *models.AuthorityResponse) {
	var responseBody *string
	if resp != nil && resp.ValidationResults != nil {
		if raw, err := json.Marshal(resp.ValidationResults); err == nil {
			body := string(raw)
			responseBody = &body
		}
	}

	sub := &models.Submission{
		ID:             uuid.New(),
		InvoiceID:      invoice.ID,
		OrganizationID: org.ID,
		InvoiceUUID:    *invoice.ZATCAUUID,
		InvoiceHash:    *invoice.ZATCAHash,
		Type:           subType,
		Sandbox:        sandbox,
		Outcome:        outcome,
		ResponseBody:   responseBody,
		CreatedAt:      time.Now(),
	}

	if err := s.submissions.Create(sub); err != nil {
		s.logger.WithField("invoice_id", invoice.ID).Errorf("Error recording submission: %v", err)
	}

	if err := s.audit.Record(org.ID, models.AuditActionSubmissionAttempt, "invoice", invoice.ID.String(), string(outcome)); err != nil {
		s.logger.Warnf("Error recording audit entry: %v", err)
	}
}

func (s *SubmissionService) notify(org *models.Organization, invoice *models.Invoice, outcome models.AuthorityOutcome) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifySubmissionResult(org, invoice, outcome); err != nil {
		s.logger.WithField("invoice_id", invoice.ID).Warnf("Error sending submission notification: %v", err)
	}
}
