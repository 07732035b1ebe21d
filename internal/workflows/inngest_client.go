package workflows

import (
	"context"
	"fmt"

	"github.com/hypernova-labs/zatca-service/internal/config"
	"github.com/inngest/inngestgo"
	"github.com/sirupsen/logrus"
)

// EventSubmissionRetry es el evento que dispara el reintento de una
// submission que falló por transporte
const EventSubmissionRetry = "zatca/submission.retry"

// InngestClient maneja la configuración y registro de workflows
type InngestClient struct {
	client inngestgo.Client
	logger *logrus.Logger
}

// NewInngestClient crea una nueva instancia del cliente
func NewInngestClient(cfg *config.Config, logger *logrus.Logger) (*InngestClient, error) {
	if cfg.Inngest.EventKey == "" {
		return nil, fmt.Errorf("INNGEST_EVENT_KEY not configured")
	}

	if cfg.Inngest.SigningKey == "" {
		return nil, fmt.Errorf("INNGEST_SIGNING_KEY not configured")
	}

	client, err := inngestgo.NewClient(inngestgo.ClientOpts{
		EventKey:   &cfg.Inngest.EventKey,
		SigningKey: &cfg.Inngest.SigningKey,
		AppID:      cfg.Inngest.AppID,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Inngest client: %w", err)
	}

	return &InngestClient{
		client: client,
		logger: logger,
	}, nil
}

// RegisterWorkflows registra todos los workflows con Inngest
func (c *InngestClient) RegisterWorkflows(submissionWorkflow *SubmissionWorkflow) error {
	c.logger.Info("Registering workflows with Inngest")

	if err := submissionWorkflow.Register(c.client); err != nil {
		return fmt.Errorf("error registering submission workflow: %w", err)
	}

	return nil
}

// EmitSubmissionRetry encola el reintento de una submission fallida
func (c *InngestClient) EmitSubmissionRetry(ctx context.Context, input SubmissionRetryInput) error {
	_, err := c.client.Send(ctx, inngestgo.Event{
		Name: EventSubmissionRetry,
		Data: map[string]interface{}{
			"organization_id": input.OrganizationID,
			"invoice_id":      input.InvoiceID,
			"use_sandbox":     input.UseSandbox,
		},
	})
	if err != nil {
		return fmt.Errorf("error sending submission retry event: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"invoice_id": input.InvoiceID,
	}).Info("Submission retry event queued")

	return nil
}

// GetClient retorna el cliente de Inngest
func (c *InngestClient) GetClient() inngestgo.Client {
	return c.client
}
