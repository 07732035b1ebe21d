package email

import (
	"fmt"

	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/resend/resend-go/v2"
	"github.com/sirupsen/logrus"
)

// ResendService maneja el envío de notificaciones usando Resend API
type ResendService struct {
	client    *resend.Client
	fromEmail string
	logger    *logrus.Logger
}

// NewResendService crea una nueva instancia de ResendService
func NewResendService(apiKey, fromEmail string, logger *logrus.Logger) *ResendService {
	return &ResendService{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		logger:    logger,
	}
}

// NotifySubmissionResult notifica a la organización el resultado de una
// submission ante la autoridad. Los rechazos son urgentes: la factura no
// es legalmente válida hasta resolverlos.
func (s *ResendService) NotifySubmissionResult(org *models.Organization, invoice *models.Invoice, outcome models.AuthorityOutcome) error {
	var subject, headline, body string

	switch outcome {
	case models.OutcomeCleared:
		subject = fmt.Sprintf("Factura %s autorizada por la autoridad", invoice.InvoiceNumber)
		headline = "Factura autorizada"
		body = "La autoridad fiscal autorizó la factura. Ya puede entregarse al comprador."
	case models.OutcomeReported:
		subject = fmt.Sprintf("Factura %s reportada a la autoridad", invoice.InvoiceNumber)
		headline = "Factura reportada"
		body = "La factura fue reportada dentro de la ventana legal."
	case models.OutcomeRejected:
		subject = fmt.Sprintf("Factura %s RECHAZADA por la autoridad", invoice.InvoiceNumber)
		headline = "Factura rechazada"
		body = "La autoridad fiscal rechazó la factura. Revise los errores de validación en el panel y vuelva a enviarla. La factura no es legalmente válida hasta resolverlos."
	default:
		subject = fmt.Sprintf("Factura %s: fallo de comunicación con la autoridad", invoice.InvoiceNumber)
		headline = "Envío pendiente de reintento"
		body = "No fue posible contactar a la autoridad fiscal. El envío se reintentará automáticamente."
	}

	htmlContent := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 8px; }
        .content { padding: 20px; }
        .footer { margin-top: 30px; padding: 20px; background-color: #f8f9fa; border-radius: 8px; font-size: 14px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>%s</h1>
            <p>Factura: %s</p>
        </div>
        <div class="content">
            <h2>Hola %s,</h2>
            <p>%s</p>
            <ul>
                <li><strong>Número:</strong> %s</li>
                <li><strong>Comprador:</strong> %s</li>
                <li><strong>Total:</strong> %s SAR</li>
            </ul>
        </div>
        <div class="footer">
            <p>Este es un email automático del motor de cumplimiento fiscal.</p>
        </div>
    </div>
</body>
</html>`,
		headline,
		headline,
		invoice.InvoiceNumber,
		org.Name,
		body,
		invoice.InvoiceNumber,
		invoice.BuyerName,
		invoice.Total.StringFixed(2),
	)

	request := &resend.SendEmailRequest{
		From:    s.fromEmail,
		To:      []string{org.Email},
		Subject: subject,
		Html:    htmlContent,
	}

	result, err := s.client.Emails.Send(request)
	if err != nil {
		return fmt.Errorf("error sending email via Resend: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"email_id":   result.Id,
		"to":         org.Email,
		"invoice_id": invoice.ID,
		"outcome":    outcome,
	}).Info("Submission notification sent")

	return nil
}
