package workflows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/database"
	"github.com/hypernova-labs/zatca-service/internal/services"
	"github.com/inngest/inngestgo"
	"github.com/sirupsen/logrus"
)

// SubmissionWorkflow reintenta submissions que fallaron por transporte.
// Los rechazos de la autoridad no se reintentan: requieren corrección.
type SubmissionWorkflow struct {
	submissions *services.SubmissionService
	orgRepo     *database.OrganizationRepository
	invoiceRepo *database.InvoiceRepository
	logger      *logrus.Logger
}

// NewSubmissionWorkflow crea una nueva instancia del workflow
func NewSubmissionWorkflow(submissions *services.SubmissionService, orgRepo *database.OrganizationRepository, invoiceRepo *database.InvoiceRepository, logger *logrus.Logger) *SubmissionWorkflow {
	return &SubmissionWorkflow{
		submissions: submissions,
		orgRepo:     orgRepo,
		invoiceRepo: invoiceRepo,
		logger:      logger,
	}
}

// SubmissionRetryInput representa el input del workflow de reintento
type SubmissionRetryInput struct {
	OrganizationID string `json:"organization_id"`
	InvoiceID      string `json:"invoice_id"`
	UseSandbox     bool   `json:"use_sandbox"`
}

// Register registra el workflow en el cliente de Inngest
func (w *SubmissionWorkflow) Register(client inngestgo.Client) error {
	_, err := inngestgo.CreateFunction(
		client,
		inngestgo.FunctionOpts{
			ID:   "retry-failed-submission",
			Name: "Retry failed authority submission",
		},
		inngestgo.EventTrigger(EventSubmissionRetry, nil),
		w.Handle,
	)
	return err
}

// Handle reejecuta la submission. La idempotencia por par {uuid, hash}
// garantiza que un reintento duplicado no produzca registros dobles.
func (w *SubmissionWorkflow) Handle(ctx context.Context, input inngestgo.Input[SubmissionRetryInput]) (any, error) {
	organizationID, err := uuid.Parse(input.Event.Data.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("invalid organization ID in retry event: %w", err)
	}
	invoiceID, err := uuid.Parse(input.Event.Data.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice ID in retry event: %w", err)
	}

	org, err := w.orgRepo.GetByID(organizationID)
	if err != nil {
		return nil, err
	}

	invoice, err := w.invoiceRepo.GetByID(invoiceID)
	if err != nil {
		return nil, err
	}

	resp, err := w.submissions.Submit(ctx, org, invoice, input.Event.Data.UseSandbox)
	if err != nil {
		return nil, err
	}

	w.logger.WithFields(logrus.Fields{
		"invoice_id": invoiceID,
		"success":    resp.Success,
	}).Info("Submission retry completed")

	// Un nuevo fallo de transporte retorna error para que Inngest
	// programe el siguiente reintento con backoff
	if !resp.Success && resp.ValidationResults != nil {
		for _, msg := range resp.ValidationResults.ErrorMessages {
			if msg.Category == "TRANSPORT" {
				return nil, fmt.Errorf("authority still unreachable for invoice %s", invoiceID)
			}
		}
	}

	return resp, nil
}
