package authority

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hypernova-labs/zatca-service/internal/config"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// Client es el cliente HTTP hacia la pasarela de la autoridad fiscal.
// Toda interacción lleva timeout explícito y las credenciales jamás se
// escriben en logs ni en mensajes de error.
type Client struct {
	cfg        *config.AuthorityConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient crea un nuevo cliente de la autoridad
func NewClient(cfg *config.AuthorityConfig, logger *logrus.Logger) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// invoicePayload es el cuerpo que la autoridad espera en clearance y reporting
type invoicePayload struct {
	InvoiceHash string `json:"invoiceHash"`
	UUID        string `json:"uuid"`
	Invoice     string `json:"invoice"`
}

// csrPayload es el cuerpo de las solicitudes de CSID
type csrPayload struct {
	CSR string `json:"csr"`
}

type productionCSIDPayload struct {
	ComplianceRequestID string `json:"compliance_request_id"`
}

// rawAuthorityResponse es la forma literal del JSON de la autoridad
type rawAuthorityResponse struct {
	ValidationResults *models.ValidationResults `json:"validationResults"`
	ReportingStatus   *string                   `json:"reportingStatus"`
	ClearanceStatus   *string                   `json:"clearanceStatus"`
	ClearedInvoice    *string                   `json:"clearedInvoice"`
	QRCodeData        *string                   `json:"qrSellertStatus"`
}

// ComplianceCheck envía el CSR con el OTP del portal y retorna las
// credenciales sandbox (compliance CSID)
func (c *Client) ComplianceCheck(ctx context.Context, csrPEM, otp string, useSandbox bool) (*models.CSIDResponse, error) {
	url := c.cfg.BaseURL(useSandbox) + "/compliance"

	body, err := json.Marshal(csrPayload{
		CSR: base64.StdEncoding.EncodeToString([]byte(csrPEM)),
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling compliance request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error building compliance request: %w", err)
	}
	c.setCommonHeaders(req)
	req.Header.Set("OTP", otp)

	return c.doCSIDRequest(req, "compliance check")
}

// ProductionCSID intercambia el compliance request ID por credenciales de
// producción. Requiere las credenciales sandbox para autenticarse.
func (c *Client) ProductionCSID(ctx context.Context, creds *models.AuthorityCredentials, complianceRequestID string, useSandbox bool) (*models.CSIDResponse, error) {
	url := c.cfg.BaseURL(useSandbox) + "/production/csids"

	body, err := json.Marshal(productionCSIDPayload{ComplianceRequestID: complianceRequestID})
	if err != nil {
		return nil, fmt.Errorf("error marshaling production CSID request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error building production CSID request: %w", err)
	}
	c.setCommonHeaders(req)
	c.setBasicAuth(req, creds)

	return c.doCSIDRequest(req, "production CSID")
}

// RenewProductionCSID renueva las credenciales de producción con un CSR
// nuevo y un OTP del portal
func (c *Client) RenewProductionCSID(ctx context.Context, creds *models.AuthorityCredentials, csrPEM, otp string, useSandbox bool) (*models.CSIDResponse, error) {
	url := c.cfg.BaseURL(useSandbox) + "/production/csids"

	body, err := json.Marshal(csrPayload{
		CSR: base64.StdEncoding.EncodeToString([]byte(csrPEM)),
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling renewal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error building renewal request: %w", err)
	}
	c.setCommonHeaders(req)
	c.setBasicAuth(req, creds)
	req.Header.Set("OTP", otp)

	return c.doCSIDRequest(req, "CSID renewal")
}

// SubmitClearance envía la factura para validación previa a la emisión.
// La factura no es legalmente válida hasta que la autoridad la autoriza.
func (c *Client) SubmitClearance(ctx context.Context, creds *models.AuthorityCredentials, invoiceHash, invoiceUUID, signedXML string, useSandbox bool) (*models.AuthorityResponse, error) {
	return c.submit(ctx, creds, invoiceHash, invoiceUUID, signedXML, models.SubmissionClearance, useSandbox)
}

// SubmitReporting reporta la factura ya emitida dentro de la ventana legal
func (c *Client) SubmitReporting(ctx context.Context, creds *models.AuthorityCredentials, invoiceHash, invoiceUUID, signedXML string, useSandbox bool) (*models.AuthorityResponse, error) {
	return c.submit(ctx, creds, invoiceHash, invoiceUUID, signedXML, models.SubmissionReporting, useSandbox)
}

func (c *Client) submit(ctx context.Context, creds *models.AuthorityCredentials, invoiceHash, invoiceUUID, signedXML string, subType models.SubmissionType, useSandbox bool) (*models.AuthorityResponse, error) {
	var path, clearanceStatus string
	if subType == models.SubmissionClearance {
		path, clearanceStatus = "/invoices/clearance/single", "1"
	} else {
		path, clearanceStatus = "/invoices/reporting/single", "0"
	}
	url := c.cfg.BaseURL(useSandbox) + path

	body, err := json.Marshal(invoicePayload{
		InvoiceHash: invoiceHash,
		UUID:        invoiceUUID,
		Invoice:     base64.StdEncoding.EncodeToString([]byte(signedXML)),
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling invoice payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error building submission request: %w", err)
	}
	c.setCommonHeaders(req)
	c.setBasicAuth(req, creds)
	req.Header.Set("Clearance-Status", clearanceStatus)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransportError{Op: string(subType) + " submission", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransportError{Op: string(subType) + " response read", Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"submission_type": subType,
		"status_code":     resp.StatusCode,
		"invoice_uuid":    invoiceUUID,
	}).Info("Authority submission completed")

	var raw rawAuthorityResponse
	if err := json.Unmarshal(respBody, &raw); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &models.AuthorityError{
				StatusCode: resp.StatusCode,
				Message:    string(respBody),
			}
		}
		return nil, fmt.Errorf("error parsing authority response: %w", err)
	}

	result := &models.AuthorityResponse{
		ReportingStatus:   raw.ReportingStatus,
		ClearanceStatus:   raw.ClearanceStatus,
		ValidationResults: raw.ValidationResults,
		ClearedInvoice:    raw.ClearedInvoice,
		QRCodeData:        raw.QRCodeData,
	}

	// El status HTTP solo no decide: cualquier errorMessage es rechazo
	if result.HasErrors() || resp.StatusCode >= 400 {
		result.Outcome = models.OutcomeRejected
		return result, nil
	}

	if subType == models.SubmissionClearance {
		result.Outcome = models.OutcomeCleared
	} else {
		result.Outcome = models.OutcomeReported
	}

	return result, nil
}

func (c *Client) doCSIDRequest(req *http.Request, op string) (*models.CSIDResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransportError{Op: op + " response read", Err: err}
	}

	if resp.StatusCode >= 400 {
		var raw rawAuthorityResponse
		authErr := &models.AuthorityError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, &raw) == nil && raw.ValidationResults != nil {
			authErr.Messages = raw.ValidationResults.ErrorMessages
			authErr.Message = raw.ValidationResults.Status
		}
		if authErr.Message == "" {
			authErr.Message = string(respBody)
		}
		return nil, authErr
	}

	var csid models.CSIDResponse
	if err := json.Unmarshal(respBody, &csid); err != nil {
		return nil, fmt.Errorf("error parsing %s response: %w", op, err)
	}

	if csid.BinarySecurityToken == "" || csid.Secret == "" {
		return nil, &models.AuthorityError{
			StatusCode: resp.StatusCode,
			Message:    "authority response missing security token or secret",
		}
	}

	c.logger.WithField("operation", op).Info("Authority credential request succeeded")

	return &csid, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Version", "V2")
	req.Header.Set("Accept-Language", "en")
}

func (c *Client) setBasicAuth(req *http.Request, creds *models.AuthorityCredentials) {
	req.SetBasicAuth(creds.CertificateSerialNumber, creds.Secret)
}
