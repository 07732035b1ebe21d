package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/shopspring/decimal"
)

type zatcaFixture struct {
	svc   *ZATCAService
	repo  *stubInvoiceRepo
	audit *stubAudit
	org   *models.Organization
}

func newZATCAFixture(t *testing.T) *zatcaFixture {
	t.Helper()

	repo := newStubInvoiceRepo()
	audit := &stubAudit{}
	encoder := NewEncoderService(testLogger())
	hashchain := NewHashChainService(repo, testLogger())

	return &zatcaFixture{
		svc:   NewZATCAService(encoder, hashchain, repo, audit, nil, testLogger()),
		repo:  repo,
		audit: audit,
		org:   testOrganization(),
	}
}

func TestCreateInvoiceTotals(t *testing.T) {
	f := newZATCAFixture(t)

	req := &models.CreateInvoiceRequest{
		InvoiceNumber: "INV-100",
		IssueDate:     time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		BuyerName:     "Cash Customer",
		Items: []models.CreateInvoiceItemRequest{
			{Description: "Widget", Quantity: decimal.RequireFromString("3"), UnitPrice: decimal.RequireFromString("33.50")},
			{Description: "Gadget", Quantity: decimal.RequireFromString("1"), UnitPrice: decimal.RequireFromString("49.50")},
		},
	}

	invoice, err := f.svc.CreateInvoice(f.org, req)
	if err != nil {
		t.Fatalf("CreateInvoice returned error: %v", err)
	}

	if got := FormatAmount(invoice.Subtotal); got != "150.00" {
		t.Errorf("subtotal = %s, want 150.00", got)
	}
	if got := FormatAmount(invoice.VATAmount); got != "22.50" {
		t.Errorf("VAT = %s, want 22.50", got)
	}
	if got := FormatAmount(invoice.Total); got != "172.50" {
		t.Errorf("total = %s, want 172.50", got)
	}
	if len(invoice.Items) != 2 || invoice.Items[0].LineNo != 1 || invoice.Items[1].LineNo != 2 {
		t.Error("invoice lines are not numbered sequentially from 1")
	}
	if invoice.ZATCAStatus != models.ComplianceStatusPending {
		t.Errorf("status = %s, want PENDING", invoice.ZATCAStatus)
	}
}

func TestCreateInvoiceAutoNumbering(t *testing.T) {
	f := newZATCAFixture(t)

	req := &models.CreateInvoiceRequest{
		IssueDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		BuyerName: "Cash Customer",
		Items: []models.CreateInvoiceItemRequest{
			{Description: "Widget", Quantity: decimal.RequireFromString("1"), UnitPrice: decimal.RequireFromString("100.00")},
		},
	}

	invoice, err := f.svc.CreateInvoice(f.org, req)
	if err != nil {
		t.Fatalf("CreateInvoice returned error: %v", err)
	}

	if !strings.HasPrefix(invoice.InvoiceNumber, "INV-") {
		t.Fatalf("generated number %q has no INV- prefix", invoice.InvoiceNumber)
	}
	if !strings.Contains(invoice.InvoiceNumber, "-2024-") {
		t.Fatalf("generated number %q does not carry the issue year", invoice.InvoiceNumber)
	}
	if !strings.HasSuffix(invoice.InvoiceNumber, "-000001") {
		t.Fatalf("generated number %q does not end with the first sequence", invoice.InvoiceNumber)
	}
}

func TestCreateInvoiceDuplicateNumber(t *testing.T) {
	f := newZATCAFixture(t)

	req := &models.CreateInvoiceRequest{
		InvoiceNumber: "INV-100",
		IssueDate:     time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		BuyerName:     "Cash Customer",
		Items: []models.CreateInvoiceItemRequest{
			{Description: "Widget", Quantity: decimal.RequireFromString("1"), UnitPrice: decimal.RequireFromString("100.00")},
		},
	}

	if _, err := f.svc.CreateInvoice(f.org, req); err != nil {
		t.Fatalf("CreateInvoice returned error: %v", err)
	}
	if _, err := f.svc.CreateInvoice(f.org, req); err == nil {
		t.Fatal("expected error for duplicate invoice number")
	}
}

func TestProcessInvoiceFirstInChain(t *testing.T) {
	f := newZATCAFixture(t)
	invoice := testInvoice(f.org.ID)
	f.repo.invoices[invoice.ID] = invoice

	resp, err := f.svc.ProcessInvoice(context.Background(), f.org, invoice.ID)
	if err != nil {
		t.Fatalf("ProcessInvoice returned error: %v", err)
	}

	if resp.UUID == "" || resp.Hash == "" || resp.QRCode == "" || resp.XML == "" {
		t.Fatal("process response must carry the full derived bundle")
	}
	if !resp.RequiresClearance {
		t.Fatal("simplified invoice must require clearance")
	}

	if len(f.repo.bundles) != 1 {
		t.Fatalf("persisted bundles = %d, want 1", len(f.repo.bundles))
	}
	bundle := f.repo.bundles[0]
	if bundle.PreviousHash != models.ChainSentinel {
		t.Fatalf("first invoice previous hash = %s, want sentinel", bundle.PreviousHash)
	}
	if f.repo.head[f.org.ID] != bundle.ContentHash {
		t.Fatal("chain head was not advanced to the invoice hash")
	}
	if invoice.ZATCAStatus != models.ComplianceStatusProcessed {
		t.Fatalf("invoice status = %s, want PROCESSED", invoice.ZATCAStatus)
	}
}

func TestProcessInvoiceChainsToPrevious(t *testing.T) {
	f := newZATCAFixture(t)

	first := testInvoice(f.org.ID)
	f.repo.invoices[first.ID] = first
	firstResp, err := f.svc.ProcessInvoice(context.Background(), f.org, first.ID)
	if err != nil {
		t.Fatalf("ProcessInvoice returned error: %v", err)
	}

	second := testInvoice(f.org.ID)
	second.InvoiceNumber = "INV-002"
	f.repo.invoices[second.ID] = second
	if _, err := f.svc.ProcessInvoice(context.Background(), f.org, second.ID); err != nil {
		t.Fatalf("ProcessInvoice returned error: %v", err)
	}

	if len(f.repo.bundles) != 2 {
		t.Fatalf("persisted bundles = %d, want 2", len(f.repo.bundles))
	}
	if f.repo.bundles[1].PreviousHash != firstResp.Hash {
		t.Fatalf("second invoice chains to %s, want %s", f.repo.bundles[1].PreviousHash, firstResp.Hash)
	}
}

func TestProcessInvoiceIdempotent(t *testing.T) {
	f := newZATCAFixture(t)
	invoice := testInvoice(f.org.ID)
	f.repo.invoices[invoice.ID] = invoice

	first, err := f.svc.ProcessInvoice(context.Background(), f.org, invoice.ID)
	if err != nil {
		t.Fatalf("ProcessInvoice returned error: %v", err)
	}

	second, err := f.svc.ProcessInvoice(context.Background(), f.org, invoice.ID)
	if err != nil {
		t.Fatalf("reprocessing returned error: %v", err)
	}

	if first.UUID != second.UUID || first.Hash != second.Hash {
		t.Fatal("reprocessing must return the existing bundle")
	}
	if len(f.repo.bundles) != 1 {
		t.Fatalf("reprocessing persisted a new bundle, total %d", len(f.repo.bundles))
	}
}

func TestProcessInvoiceRelinksAfterConcurrentAdvance(t *testing.T) {
	f := newZATCAFixture(t)
	invoice := testInvoice(f.org.ID)
	f.repo.invoices[invoice.ID] = invoice
	f.repo.linkFailures = 1

	resp, err := f.svc.ProcessInvoice(context.Background(), f.org, invoice.ID)
	if err != nil {
		t.Fatalf("ProcessInvoice returned error after chain conflict: %v", err)
	}

	if len(f.repo.bundles) != 1 {
		t.Fatalf("persisted bundles = %d, want 1", len(f.repo.bundles))
	}
	// El reintento debe encadenarse al nuevo head, no al que leyó primero
	if f.repo.bundles[0].PreviousHash != strings.Repeat("a", 64) {
		t.Fatalf("relinked previous hash = %s, want the advanced head", f.repo.bundles[0].PreviousHash)
	}
	if !strings.Contains(resp.XML, "<cbc:ID>INV-001</cbc:ID>") {
		t.Fatal("relinked XML does not carry the invoice number")
	}
}

func TestProcessInvoiceOwnershipCheck(t *testing.T) {
	f := newZATCAFixture(t)
	invoice := testInvoice(uuid.New())
	f.repo.invoices[invoice.ID] = invoice

	_, err := f.svc.ProcessInvoice(context.Background(), f.org, invoice.ID)
	if err == nil {
		t.Fatal("expected error for invoice belonging to another organization")
	}
}

func TestGetOrGenerateQRProcessesOnDemand(t *testing.T) {
	f := newZATCAFixture(t)
	invoice := testInvoice(f.org.ID)
	f.repo.invoices[invoice.ID] = invoice

	qr, err := f.svc.GetOrGenerateQR(context.Background(), f.org, invoice.ID)
	if err != nil {
		t.Fatalf("GetOrGenerateQR returned error: %v", err)
	}
	if qr == "" {
		t.Fatal("QR payload is empty")
	}

	fields, err := DecodeTLV(qr)
	if err != nil {
		t.Fatalf("QR payload does not decode: %v", err)
	}
	if len(fields) != 5 {
		t.Fatalf("QR payload has %d fields, want 5", len(fields))
	}
}

func TestInvoiceXMLReturnsStoredDocument(t *testing.T) {
	f := newZATCAFixture(t)
	invoice := testInvoice(f.org.ID)
	f.repo.invoices[invoice.ID] = invoice

	first, err := f.svc.InvoiceXML(context.Background(), f.org, invoice.ID)
	if err != nil {
		t.Fatalf("InvoiceXML returned error: %v", err)
	}

	second, err := f.svc.InvoiceXML(context.Background(), f.org, invoice.ID)
	if err != nil {
		t.Fatalf("InvoiceXML returned error: %v", err)
	}
	if first != second {
		t.Fatal("stored XML must be returned unchanged")
	}
}

func TestDecodeQRRoundTrip(t *testing.T) {
	f := newZATCAFixture(t)

	payload, err := EncodeTLV([]models.QRField{{Tag: 1, Value: "Desert Widgets LLC"}})
	if err != nil {
		t.Fatalf("EncodeTLV returned error: %v", err)
	}

	fields, err := f.svc.DecodeQR(payload)
	if err != nil {
		t.Fatalf("DecodeQR returned error: %v", err)
	}
	if len(fields) != 1 || fields[0].Value != "Desert Widgets LLC" {
		t.Fatal("decoded fields do not match the encoded payload")
	}
}
