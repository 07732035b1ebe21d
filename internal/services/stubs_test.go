package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOrganization() *models.Organization {
	address := "King Fahd Road"
	return &models.Organization{
		ID:               uuid.New(),
		Name:             "Desert Widgets LLC",
		VATNumber:        "300000000000003",
		UnitName:         "Main Branch",
		Address:          &address,
		City:             "Riyadh",
		Country:          "SA",
		Industry:         "Retail",
		Email:            "billing@desertwidgets.example",
		OnboardingStatus: models.OnboardingNotConfigured,
	}
}

func testInvoice(orgID uuid.UUID) *models.Invoice {
	return &models.Invoice{
		ID:             uuid.New(),
		OrganizationID: orgID,
		InvoiceNumber:  "INV-001",
		IssueDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		BuyerName:      "Cash Customer",
		Subtotal:       decimal.RequireFromString("100.00"),
		VATAmount:      decimal.RequireFromString("15.00"),
		Total:          decimal.RequireFromString("115.00"),
		ZATCAStatus:    models.ComplianceStatusPending,
		Items: []models.InvoiceItem{
			{
				LineNo:      1,
				Description: "Widget",
				Quantity:    decimal.RequireFromString("2"),
				UnitPrice:   decimal.RequireFromString("50.00"),
				Amount:      decimal.RequireFromString("100.00"),
			},
		},
	}
}

func strPtr(s string) *string { return &s }

// stubInvoiceRepo implementa InvoiceStore, ChainStore e InvoiceStatusStore
// en memoria
type stubInvoiceRepo struct {
	invoices     map[uuid.UUID]*models.Invoice
	seq          int
	head         map[uuid.UUID]string
	bundles      []*models.ZATCABundle
	linkFailures int
	getHeadErr   error
}

func newStubInvoiceRepo() *stubInvoiceRepo {
	return &stubInvoiceRepo{
		invoices: make(map[uuid.UUID]*models.Invoice),
		head:     make(map[uuid.UUID]string),
	}
}

func (r *stubInvoiceRepo) Create(invoice *models.Invoice, items []models.InvoiceItem) error {
	r.invoices[invoice.ID] = invoice
	return nil
}

func (r *stubInvoiceRepo) GetByID(id uuid.UUID) (*models.Invoice, error) {
	invoice, ok := r.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice not found: %s", id)
	}
	return invoice, nil
}

func (r *stubInvoiceRepo) GetByInvoiceNumber(organizationID uuid.UUID, invoiceNumber string) (*models.Invoice, error) {
	for _, invoice := range r.invoices {
		if invoice.OrganizationID == organizationID && invoice.InvoiceNumber == invoiceNumber {
			return invoice, nil
		}
	}
	return nil, nil
}

func (r *stubInvoiceRepo) NextInvoiceSequence(organizationID uuid.UUID, year int) (int, error) {
	r.seq++
	return r.seq, nil
}

func (r *stubInvoiceRepo) GetChainHead(organizationID uuid.UUID) (string, bool, error) {
	if r.getHeadErr != nil {
		return "", false, r.getHeadErr
	}
	head, ok := r.head[organizationID]
	return head, ok, nil
}

func (r *stubInvoiceRepo) SaveBundleAndAdvanceChain(invoiceID, organizationID uuid.UUID, bundle *models.ZATCABundle, expectedPrev string) error {
	if r.linkFailures > 0 {
		r.linkFailures--
		// Simula un escritor concurrente que movió el head
		r.head[organizationID] = strings.Repeat("a", 64)
		return &models.ChainIntegrityError{
			OrganizationID: organizationID,
			Reason:         "chain head advanced concurrently, invoice must be re-linked",
		}
	}

	current, ok := r.head[organizationID]
	if !ok {
		if expectedPrev != models.ChainSentinel {
			return &models.ChainIntegrityError{
				OrganizationID: organizationID,
				Reason:         "no chain head exists but previous hash is not the first-invoice sentinel",
			}
		}
	} else if current != expectedPrev {
		return &models.ChainIntegrityError{
			OrganizationID: organizationID,
			Reason:         "chain head advanced concurrently, invoice must be re-linked",
		}
	}

	r.head[organizationID] = bundle.ContentHash
	r.bundles = append(r.bundles, bundle)

	if invoice, ok := r.invoices[invoiceID]; ok {
		u, h, p := bundle.UUID, bundle.ContentHash, bundle.PreviousHash
		x, q := bundle.CanonicalXML, bundle.QRPayload
		invoice.ZATCAUUID = &u
		invoice.ZATCAHash = &h
		invoice.ZATCAPrevHash = &p
		invoice.ZATCAXML = &x
		invoice.ZATCAQR = &q
		invoice.ZATCAStatus = models.ComplianceStatusProcessed
	}

	return nil
}

func (r *stubInvoiceRepo) UpdateStatus(id uuid.UUID, status models.ComplianceStatus) error {
	invoice, ok := r.invoices[id]
	if !ok {
		return fmt.Errorf("invoice not found: %s", id)
	}
	invoice.ZATCAStatus = status
	return nil
}

// stubOrgStore implementa OrganizationStore en memoria
type stubOrgStore struct {
	org *models.Organization
}

func (s *stubOrgStore) GetByID(id uuid.UUID) (*models.Organization, error) {
	if s.org == nil || s.org.ID != id {
		return nil, fmt.Errorf("organization not found: %s", id)
	}
	return s.org, nil
}

func (s *stubOrgStore) SaveCSR(id uuid.UUID, privateKeyPEM, csrPEM string) error {
	s.org.ZATCAPrivateKey = &privateKeyPEM
	s.org.ZATCACSR = &csrPEM
	s.org.OnboardingStatus = models.OnboardingCSRGenerated
	return nil
}

func (s *stubOrgStore) SaveComplianceCredentials(id uuid.UUID, requestID, token, secret string) error {
	s.org.ComplianceRequestID = &requestID
	s.org.SandboxToken = &token
	s.org.SandboxSecret = &secret
	s.org.OnboardingStatus = models.OnboardingComplianceVerified
	return nil
}

func (s *stubOrgStore) SaveProductionCredentials(id uuid.UUID, token, secret string) error {
	s.org.ProductionToken = &token
	s.org.ProductionSecret = &secret
	s.org.OnboardingStatus = models.OnboardingProductionReady
	return nil
}

func (s *stubOrgStore) RenewProductionCredentials(id uuid.UUID, token, secret string) error {
	s.org.ProductionToken = &token
	s.org.ProductionSecret = &secret
	return nil
}

// stubGateway implementa AuthorityGateway con respuestas programables
type stubGateway struct {
	complianceResp *models.CSIDResponse
	complianceErr  error
	prodResp       *models.CSIDResponse
	prodErr        error
	renewResp      *models.CSIDResponse
	renewErr       error
	submitResp     *models.AuthorityResponse
	submitErr      error
	lastSubmitType models.SubmissionType
	submitCalls    int
}

func (g *stubGateway) ComplianceCheck(ctx context.Context, csrPEM, otp string, useSandbox bool) (*models.CSIDResponse, error) {
	return g.complianceResp, g.complianceErr
}

func (g *stubGateway) ProductionCSID(ctx context.Context, creds *models.AuthorityCredentials, complianceRequestID string, useSandbox bool) (*models.CSIDResponse, error) {
	return g.prodResp, g.prodErr
}

func (g *stubGateway) RenewProductionCSID(ctx context.Context, creds *models.AuthorityCredentials, csrPEM, otp string, useSandbox bool) (*models.CSIDResponse, error) {
	return g.renewResp, g.renewErr
}

func (g *stubGateway) SubmitClearance(ctx context.Context, creds *models.AuthorityCredentials, invoiceHash, invoiceUUID, signedXML string, useSandbox bool) (*models.AuthorityResponse, error) {
	g.lastSubmitType = models.SubmissionClearance
	g.submitCalls++
	return g.submitResp, g.submitErr
}

func (g *stubGateway) SubmitReporting(ctx context.Context, creds *models.AuthorityCredentials, invoiceHash, invoiceUUID, signedXML string, useSandbox bool) (*models.AuthorityResponse, error) {
	g.lastSubmitType = models.SubmissionReporting
	g.submitCalls++
	return g.submitResp, g.submitErr
}

// stubAudit implementa AuditTrail registrando las acciones
type stubAudit struct {
	actions []models.AuditAction
}

func (a *stubAudit) Record(organizationID uuid.UUID, action models.AuditAction, entity, entityID, detail string) error {
	a.actions = append(a.actions, action)
	return nil
}

// stubLocker implementa Locker en memoria
type stubLocker struct {
	held    map[string]string
	denyAll bool
}

func (l *stubLocker) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if l.denyAll {
		return false, nil
	}
	if l.held == nil {
		l.held = make(map[string]string)
	}
	if _, taken := l.held[key]; taken {
		return false, nil
	}
	l.held[key] = token
	return true, nil
}

func (l *stubLocker) ReleaseLock(ctx context.Context, key, token string) error {
	delete(l.held, key)
	return nil
}

// stubSubmissionStore implementa SubmissionStore con idempotencia por par
type stubSubmissionStore struct {
	subs map[string]*models.Submission
}

func newStubSubmissionStore() *stubSubmissionStore {
	return &stubSubmissionStore{subs: make(map[string]*models.Submission)}
}

func (s *stubSubmissionStore) Create(sub *models.Submission) error {
	key := sub.InvoiceUUID + "|" + sub.InvoiceHash
	s.subs[key] = sub
	return nil
}

func (s *stubSubmissionStore) GetByInvoicePair(invoiceUUID, invoiceHash string) (*models.Submission, error) {
	return s.subs[invoiceUUID+"|"+invoiceHash], nil
}
