package services

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"github.com/hypernova-labs/zatca-service/internal/models"
)

func testDigestHex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func testCSRIdentity() *models.CSRIdentity {
	return &models.CSRIdentity{
		CommonName:             "Desert Widgets LLC",
		SerialNumber:           "1-Main Branch|2-1.0|3-device-1",
		OrganizationIdentifier: "300000000000003",
		OrganizationUnitName:   "Main Branch",
		CountryName:            "SA",
		InvoiceType:            "1100",
		Location:               "Riyadh",
		Industry:               "Retail",
	}
}

func TestGenerateKeyPairParsesBack(t *testing.T) {
	svc := NewSigningService(testLogger())

	keyPEM, err := svc.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair returned error: %v", err)
	}

	key, err := svc.ParsePrivateKey(keyPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey returned error: %v", err)
	}
	if key.N.BitLen() != 2048 {
		t.Fatalf("key size = %d bits, want 2048", key.N.BitLen())
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	svc := NewSigningService(testLogger())

	_, err := svc.ParsePrivateKey("not a pem block")
	var signErr *models.SigningError
	if !errors.As(err, &signErr) {
		t.Fatalf("expected SigningError, got %v", err)
	}
}

func TestGenerateCSRWellFormed(t *testing.T) {
	svc := NewSigningService(testLogger())

	keyPEM, err := svc.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair returned error: %v", err)
	}

	csrPEM, err := svc.GenerateCSR(keyPEM, testCSRIdentity())
	if err != nil {
		t.Fatalf("GenerateCSR returned error: %v", err)
	}

	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatal("CSR is not a CERTIFICATE REQUEST PEM block")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("CSR does not parse: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		t.Fatalf("CSR signature is invalid: %v", err)
	}

	if csr.Subject.CommonName != "Desert Widgets LLC" {
		t.Errorf("subject CN = %q, want %q", csr.Subject.CommonName, "Desert Widgets LLC")
	}
	if len(csr.Subject.Organization) == 0 || csr.Subject.Organization[0] != "300000000000003" {
		t.Errorf("subject O = %v, want organization identifier", csr.Subject.Organization)
	}

	// El perfil de identidad viaja en la extensión subjectAltName
	var hasSAN bool
	for _, ext := range csr.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			hasSAN = true
		}
	}
	if !hasSAN {
		t.Error("CSR carries no subjectAltName extension")
	}
}

func TestSignAndVerifyDigest(t *testing.T) {
	svc := NewSigningService(testLogger())

	keyPEM, err := svc.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair returned error: %v", err)
	}

	digest := testDigestHex("canonical invoice content")
	signature, err := svc.SignDigest(digest, keyPEM)
	if err != nil {
		t.Fatalf("SignDigest returned error: %v", err)
	}
	if signature == "" {
		t.Fatal("SignDigest returned an empty signature")
	}

	if err := svc.VerifyDigest(digest, signature, keyPEM); err != nil {
		t.Fatalf("VerifyDigest rejected a valid signature: %v", err)
	}
}

func TestVerifyDigestRejectsTampering(t *testing.T) {
	svc := NewSigningService(testLogger())

	keyPEM, err := svc.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair returned error: %v", err)
	}

	digest := testDigestHex("canonical invoice content")
	signature, err := svc.SignDigest(digest, keyPEM)
	if err != nil {
		t.Fatalf("SignDigest returned error: %v", err)
	}

	tampered := testDigestHex("tampered invoice content")
	if err := svc.VerifyDigest(tampered, signature, keyPEM); err == nil {
		t.Fatal("VerifyDigest accepted a signature over a different digest")
	}
}

func TestSignDigestRejectsMalformedDigest(t *testing.T) {
	svc := NewSigningService(testLogger())

	keyPEM, err := svc.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair returned error: %v", err)
	}

	var signErr *models.SigningError

	_, err = svc.SignDigest("not hex", keyPEM)
	if !errors.As(err, &signErr) {
		t.Fatalf("expected SigningError for non-hex digest, got %v", err)
	}

	_, err = svc.SignDigest("abcd", keyPEM)
	if !errors.As(err, &signErr) {
		t.Fatalf("expected SigningError for short digest, got %v", err)
	}
}

func TestEmbedAndExtractSignature(t *testing.T) {
	svc := NewSigningService(testLogger())
	encoder := NewEncoderService(testLogger())

	org := testOrganization()
	invoice := testInvoice(org.ID)

	xml, err := encoder.CanonicalXML(org, invoice, "f47ac10b-58cc-4372-a567-0e02b2c3d479", models.ChainSentinel, "AQ==")
	if err != nil {
		t.Fatalf("CanonicalXML returned error: %v", err)
	}

	keyPEM, err := svc.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair returned error: %v", err)
	}

	digest := DocumentDigest(xml)
	signature, err := svc.SignDigest(digest, keyPEM)
	if err != nil {
		t.Fatalf("SignDigest returned error: %v", err)
	}

	signed, err := svc.EmbedSignature(xml, digest, signature, "issued-certificate")
	if err != nil {
		t.Fatalf("EmbedSignature returned error: %v", err)
	}

	if !strings.Contains(signed, "<ds:X509Certificate>issued-certificate</ds:X509Certificate>") {
		t.Error("signed document does not carry the certificate in ds:KeyInfo")
	}

	gotDigest, gotSignature, err := svc.ExtractSignature(signed)
	if err != nil {
		t.Fatalf("ExtractSignature returned error: %v", err)
	}
	if gotDigest != digest {
		t.Errorf("extracted digest = %s, want %s", gotDigest, digest)
	}
	if gotSignature != signature {
		t.Errorf("extracted signature does not match the embedded one")
	}

	if err := svc.VerifyDigest(gotDigest, gotSignature, keyPEM); err != nil {
		t.Fatalf("extracted signature does not verify: %v", err)
	}
}

func TestSignatureBindsWholeDocument(t *testing.T) {
	svc := NewSigningService(testLogger())
	encoder := NewEncoderService(testLogger())

	org := testOrganization()
	invoice := testInvoice(org.ID)

	xml, err := encoder.CanonicalXML(org, invoice, "f47ac10b-58cc-4372-a567-0e02b2c3d479", models.ChainSentinel, "AQ==")
	if err != nil {
		t.Fatalf("CanonicalXML returned error: %v", err)
	}

	keyPEM, err := svc.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair returned error: %v", err)
	}

	digest := DocumentDigest(xml)
	signature, err := svc.SignDigest(digest, keyPEM)
	if err != nil {
		t.Fatalf("SignDigest returned error: %v", err)
	}

	signed, err := svc.EmbedSignature(xml, digest, signature, "issued-certificate")
	if err != nil {
		t.Fatalf("EmbedSignature returned error: %v", err)
	}

	if err := svc.VerifyDocumentSignature(signed, keyPEM); err != nil {
		t.Fatalf("untampered document does not verify: %v", err)
	}

	// Cambiar una línea de la factura después de firmar debe invalidar
	// la verificación del documento
	tampered := strings.Replace(signed, "<cbc:Name>Widget</cbc:Name>", "<cbc:Name>Gold Bars</cbc:Name>", 1)
	if tampered == signed {
		t.Fatal("tampering did not change the document")
	}
	if err := svc.VerifyDocumentSignature(tampered, keyPEM); err == nil {
		t.Fatal("tampered document still verifies, signature does not bind the content")
	}
}

func TestExtractSignatureUnsignedDocument(t *testing.T) {
	svc := NewSigningService(testLogger())

	_, _, err := svc.ExtractSignature("<Invoice></Invoice>")
	var signErr *models.SigningError
	if !errors.As(err, &signErr) {
		t.Fatalf("expected SigningError for unsigned document, got %v", err)
	}
}
