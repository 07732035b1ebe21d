package services

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	"github.com/beevik/etree"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Namespaces UBL 2.1
const (
	nsInvoice = "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
	nsCAC     = "urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2"
	nsCBC     = "urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2"
	nsExt     = "urn:oasis:names:specification:ubl:schema:xsd:CommonExtensionComponents-2"
)

// VATRate es la tasa de IVA estándar del reino
var VATRate = decimal.NewFromFloat(0.15)

var vatNumberPattern = regexp.MustCompile(`^3\d{14}$`)

// EncoderService genera las representaciones canónicas de una factura:
// XML UBL 2.1 y payload TLV del código QR. La misma factura produce
// byte a byte el mismo documento en cada invocación.
type EncoderService struct {
	logger *logrus.Logger
}

// NewEncoderService crea una nueva instancia del servicio
func NewEncoderService(logger *logrus.Logger) *EncoderService {
	return &EncoderService{logger: logger}
}

// FormatAmount formatea un monto con exactamente dos decimales
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatTimestamp formatea un instante en ISO-8601 UTC sin milisegundos
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ValidateVATNumber verifica el formato de un número VAT saudí:
// 15 dígitos comenzando en 3
func ValidateVATNumber(vat string) bool {
	return vatNumberPattern.MatchString(vat)
}

// ValidateInvoice verifica que la factura y la organización tengan los
// campos mínimos para generar un documento fiscal. Se rechaza antes de
// cualquier trabajo criptográfico.
func (s *EncoderService) ValidateInvoice(org *models.Organization, invoice *models.Invoice) error {
	if invoice.InvoiceNumber == "" {
		return models.NewFieldValidationError("invoice_number", "must not be empty")
	}
	if invoice.IssueDate.IsZero() {
		return models.NewFieldValidationError("issue_date", "must be set")
	}
	if org.Name == "" {
		return models.NewFieldValidationError("organization.name", "must not be empty")
	}
	if !ValidateVATNumber(org.VATNumber) {
		return models.NewFieldValidationError("organization.vat_number", "must be 15 digits starting with 3")
	}
	if invoice.BuyerVAT != nil && !ValidateVATNumber(*invoice.BuyerVAT) {
		return models.NewFieldValidationError("buyer_vat", "must be 15 digits starting with 3")
	}
	if invoice.Total.IsNegative() || invoice.VATAmount.IsNegative() {
		return models.NewFieldValidationError("total", "amounts must not be negative")
	}
	if !invoice.Subtotal.Add(invoice.VATAmount).Equal(invoice.Total) {
		return models.NewFieldValidationError("total", "subtotal plus VAT must equal total")
	}
	return nil
}

// TypeCodeFor determina el código de tipo de documento según el comprador:
// factura estándar (B2B) si hay VAT del comprador, simplificada (B2C) si no
func TypeCodeFor(invoice *models.Invoice) models.InvoiceTypeCode {
	if invoice.BuyerVAT != nil && *invoice.BuyerVAT != "" {
		return models.InvoiceTypeStandard
	}
	return models.InvoiceTypeSimplified
}

// CanonicalXML genera el documento UBL 2.1 canónico de la factura.
// invoiceUUID y previousHash vienen del pipeline de procesamiento; el QR
// se embebe como referencia adicional cuando ya está disponible.
func (s *EncoderService) CanonicalXML(org *models.Organization, invoice *models.Invoice, invoiceUUID, previousHash, qrPayload string) (string, error) {
	if invoiceUUID == "" {
		return "", models.NewFieldValidationError("uuid", "must be set before encoding")
	}
	if previousHash == "" {
		return "", models.NewFieldValidationError("previous_hash", "must be set before encoding")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("Invoice")
	root.CreateAttr("xmlns", nsInvoice)
	root.CreateAttr("xmlns:cac", nsCAC)
	root.CreateAttr("xmlns:cbc", nsCBC)
	root.CreateAttr("xmlns:ext", nsExt)

	root.CreateElement("cbc:ProfileID").SetText("reporting:1.0")
	root.CreateElement("cbc:ID").SetText(invoice.InvoiceNumber)
	root.CreateElement("cbc:UUID").SetText(invoiceUUID)

	issueDate := invoice.IssueDate.UTC()
	root.CreateElement("cbc:IssueDate").SetText(issueDate.Format("2006-01-02"))
	root.CreateElement("cbc:IssueTime").SetText(issueDate.Format("15:04:05"))

	if invoice.DueDate != nil {
		root.CreateElement("cbc:DueDate").SetText(invoice.DueDate.UTC().Format("2006-01-02"))
	}

	typeCode := root.CreateElement("cbc:InvoiceTypeCode")
	typeCode.CreateAttr("name", string(TypeCodeFor(invoice)))
	typeCode.SetText("388")

	root.CreateElement("cbc:DocumentCurrencyCode").SetText("SAR")
	root.CreateElement("cbc:TaxCurrencyCode").SetText("SAR")

	// ICV: el hash de la factura anterior de la cadena, en Base64
	icvRef := root.CreateElement("cac:AdditionalDocumentReference")
	icvRef.CreateElement("cbc:ID").SetText("ICV")
	icvAttachment := icvRef.CreateElement("cac:Attachment")
	icvObject := icvAttachment.CreateElement("cbc:EmbeddedDocumentBinaryObject")
	icvObject.CreateAttr("mimeCode", "text/plain")
	icvObject.SetText(base64.StdEncoding.EncodeToString([]byte(previousHash)))

	if qrPayload != "" {
		qrRef := root.CreateElement("cac:AdditionalDocumentReference")
		qrRef.CreateElement("cbc:ID").SetText("QR")
		qrAttachment := qrRef.CreateElement("cac:Attachment")
		qrObject := qrAttachment.CreateElement("cbc:EmbeddedDocumentBinaryObject")
		qrObject.CreateAttr("mimeCode", "text/plain")
		qrObject.SetText(qrPayload)
	}

	s.appendSupplierParty(root, org)
	s.appendCustomerParty(root, invoice)

	taxTotal := root.CreateElement("cac:TaxTotal")
	taxAmount := taxTotal.CreateElement("cbc:TaxAmount")
	taxAmount.CreateAttr("currencyID", "SAR")
	taxAmount.SetText(FormatAmount(invoice.VATAmount))

	taxSubtotal := taxTotal.CreateElement("cac:TaxSubtotal")
	taxableAmount := taxSubtotal.CreateElement("cbc:TaxableAmount")
	taxableAmount.CreateAttr("currencyID", "SAR")
	taxableAmount.SetText(FormatAmount(invoice.Subtotal))
	subtotalAmount := taxSubtotal.CreateElement("cbc:TaxAmount")
	subtotalAmount.CreateAttr("currencyID", "SAR")
	subtotalAmount.SetText(FormatAmount(invoice.VATAmount))
	taxCategory := taxSubtotal.CreateElement("cac:TaxCategory")
	taxCategory.CreateElement("cbc:ID").SetText("S")
	taxCategory.CreateElement("cbc:Percent").SetText(FormatAmount(VATRate.Mul(decimal.NewFromInt(100))))
	taxCategory.CreateElement("cac:TaxScheme").CreateElement("cbc:ID").SetText("VAT")

	monetary := root.CreateElement("cac:LegalMonetaryTotal")
	for _, el := range []struct{ name, value string }{
		{"cbc:LineExtensionAmount", FormatAmount(invoice.Subtotal)},
		{"cbc:TaxExclusiveAmount", FormatAmount(invoice.Subtotal)},
		{"cbc:TaxInclusiveAmount", FormatAmount(invoice.Total)},
		{"cbc:PayableAmount", FormatAmount(invoice.Total)},
	} {
		amount := monetary.CreateElement(el.name)
		amount.CreateAttr("currencyID", "SAR")
		amount.SetText(el.value)
	}

	for _, item := range invoice.Items {
		s.appendInvoiceLine(root, &item)
	}

	doc.Indent(2)
	xml, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("error serializing invoice XML: %w", err)
	}

	return xml, nil
}

func (s *EncoderService) appendSupplierParty(root *etree.Element, org *models.Organization) {
	supplier := root.CreateElement("cac:AccountingSupplierParty")
	party := supplier.CreateElement("cac:Party")

	address := party.CreateElement("cac:PostalAddress")
	if org.Address != nil {
		address.CreateElement("cbc:StreetName").SetText(*org.Address)
	}
	address.CreateElement("cbc:CityName").SetText(org.City)
	address.CreateElement("cac:Country").CreateElement("cbc:IdentificationCode").SetText(org.Country)

	taxScheme := party.CreateElement("cac:PartyTaxScheme")
	taxScheme.CreateElement("cbc:CompanyID").SetText(org.VATNumber)
	taxScheme.CreateElement("cac:TaxScheme").CreateElement("cbc:ID").SetText("VAT")

	legal := party.CreateElement("cac:PartyLegalEntity")
	legal.CreateElement("cbc:RegistrationName").SetText(org.Name)
}

func (s *EncoderService) appendCustomerParty(root *etree.Element, invoice *models.Invoice) {
	customer := root.CreateElement("cac:AccountingCustomerParty")
	party := customer.CreateElement("cac:Party")

	if invoice.BuyerAddress != nil {
		address := party.CreateElement("cac:PostalAddress")
		address.CreateElement("cbc:StreetName").SetText(*invoice.BuyerAddress)
	}

	if invoice.BuyerVAT != nil && *invoice.BuyerVAT != "" {
		taxScheme := party.CreateElement("cac:PartyTaxScheme")
		taxScheme.CreateElement("cbc:CompanyID").SetText(*invoice.BuyerVAT)
		taxScheme.CreateElement("cac:TaxScheme").CreateElement("cbc:ID").SetText("VAT")
	}

	legal := party.CreateElement("cac:PartyLegalEntity")
	legal.CreateElement("cbc:RegistrationName").SetText(invoice.BuyerName)
}

func (s *EncoderService) appendInvoiceLine(root *etree.Element, item *models.InvoiceItem) {
	line := root.CreateElement("cac:InvoiceLine")
	line.CreateElement("cbc:ID").SetText(fmt.Sprintf("%d", item.LineNo))

	qty := line.CreateElement("cbc:InvoicedQuantity")
	qty.CreateAttr("unitCode", "PCE")
	qty.SetText(item.Quantity.String())

	amount := line.CreateElement("cbc:LineExtensionAmount")
	amount.CreateAttr("currencyID", "SAR")
	amount.SetText(FormatAmount(item.Amount))

	lineVAT := item.Amount.Mul(VATRate).Round(2)
	lineTax := line.CreateElement("cac:TaxTotal")
	lineTaxAmount := lineTax.CreateElement("cbc:TaxAmount")
	lineTaxAmount.CreateAttr("currencyID", "SAR")
	lineTaxAmount.SetText(FormatAmount(lineVAT))
	roundingAmount := lineTax.CreateElement("cbc:RoundingAmount")
	roundingAmount.CreateAttr("currencyID", "SAR")
	roundingAmount.SetText(FormatAmount(item.Amount.Add(lineVAT)))

	lineItem := line.CreateElement("cac:Item")
	lineItem.CreateElement("cbc:Name").SetText(item.Description)

	price := line.CreateElement("cac:Price")
	priceAmount := price.CreateElement("cbc:PriceAmount")
	priceAmount.CreateAttr("currencyID", "SAR")
	priceAmount.SetText(FormatAmount(item.UnitPrice))
}

// QRPayload genera el payload TLV Base64 del código QR fiscal.
// Tags: 1 nombre del vendedor, 2 VAT del vendedor, 3 timestamp,
// 4 total con IVA, 5 monto de IVA.
func (s *EncoderService) QRPayload(org *models.Organization, invoice *models.Invoice) (string, error) {
	fields := []models.QRField{
		{Tag: qrTagSellerName, Value: org.Name},
		{Tag: qrTagSellerVAT, Value: org.VATNumber},
		{Tag: qrTagTimestamp, Value: FormatTimestamp(invoice.IssueDate)},
		{Tag: qrTagTotal, Value: FormatAmount(invoice.Total)},
		{Tag: qrTagVATAmount, Value: FormatAmount(invoice.VATAmount)},
	}

	payload, err := EncodeTLV(fields)
	if err != nil {
		return "", fmt.Errorf("error encoding QR payload: %w", err)
	}

	return payload, nil
}
