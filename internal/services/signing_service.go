package services

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// OIDs del perfil de identidad que la autoridad exige en el SAN del CSR
var (
	oidSubjectAltName    = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidSurname           = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidUID               = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidTitle             = asn1.ObjectIdentifier{2, 5, 4, 12}
	oidRegisteredAddress = asn1.ObjectIdentifier{2, 5, 4, 26}
	oidBusinessCategory  = asn1.ObjectIdentifier{2, 5, 4, 15}
)

// SigningService maneja las primitivas criptográficas del motor: par de
// claves, CSR y firma digital. Las claves privadas nunca se loguean.
type SigningService struct {
	logger *logrus.Logger
}

// NewSigningService crea una nueva instancia del servicio
func NewSigningService(logger *logrus.Logger) *SigningService {
	return &SigningService{logger: logger}
}

// GenerateKeyPair genera un par de claves RSA-2048 y retorna la clave
// privada en PEM. La clave se entrega al caller una sola vez.
func (s *SigningService) GenerateKeyPair() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", &models.SigningError{Op: "key generation", Err: err}
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	return string(pem.EncodeToMemory(block)), nil
}

// ParsePrivateKey decodifica una clave privada RSA desde PEM
func (s *SigningService) ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, &models.SigningError{Op: "key parsing", Err: errors.New("no PEM block found")}
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, &models.SigningError{Op: "key parsing", Err: err}
	}

	return key, nil
}

// GenerateCSR construye un Certificate Signing Request PKCS#10 con la
// identidad de la organización. El perfil de la autoridad va en un SAN
// de tipo directoryName, no en el subject principal.
func (s *SigningService) GenerateCSR(privateKeyPEM string, identity *models.CSRIdentity) (string, error) {
	key, err := s.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	sanExt, err := buildDirNameSAN(identity)
	if err != nil {
		return "", &models.SigningError{Op: "CSR SAN encoding", Err: err}
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         identity.CommonName,
			Organization:       []string{identity.OrganizationIdentifier},
			OrganizationalUnit: []string{identity.OrganizationUnitName},
			Country:            []string{identity.CountryName},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
		ExtraExtensions:    []pkix.Extension{sanExt},
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return "", &models.SigningError{Op: "CSR creation", Err: err}
	}

	block := &pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: der,
	}

	return string(pem.EncodeToMemory(block)), nil
}

// buildDirNameSAN codifica el perfil de identidad como un GeneralName
// directoryName dentro de la extensión subjectAltName
func buildDirNameSAN(identity *models.CSRIdentity) (pkix.Extension, error) {
	rdn := pkix.RDNSequence{
		{pkix.AttributeTypeAndValue{Type: oidSurname, Value: identity.SerialNumber}},
		{pkix.AttributeTypeAndValue{Type: oidUID, Value: identity.OrganizationIdentifier}},
		{pkix.AttributeTypeAndValue{Type: oidTitle, Value: identity.InvoiceType}},
		{pkix.AttributeTypeAndValue{Type: oidRegisteredAddress, Value: identity.Location}},
		{pkix.AttributeTypeAndValue{Type: oidBusinessCategory, Value: identity.Industry}},
	}

	dirName, err := asn1.Marshal(rdn)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("error marshaling directory name: %w", err)
	}

	generalNames, err := asn1.Marshal([]asn1.RawValue{{
		Class:      asn1.ClassContextSpecific,
		Tag:        4,
		IsCompound: true,
		Bytes:      dirName,
	}})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("error marshaling general names: %w", err)
	}

	return pkix.Extension{
		Id:    oidSubjectAltName,
		Value: generalNames,
	}, nil
}

// DocumentDigest calcula el digest SHA-256 hex de un documento. Es el
// digest que se firma y el que viaja en el ds:Reference del XML firmado.
func DocumentDigest(doc string) string {
	sum := sha256.Sum256([]byte(doc))
	return hex.EncodeToString(sum[:])
}

// SignDigest firma un digest SHA-256 (en hex) con la clave privada de la
// organización. Un fallo retorna error: jamás una firma vacía presentada
// como exitosa.
func (s *SigningService) SignDigest(digestHex, privateKeyPEM string) (string, error) {
	key, err := s.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", &models.SigningError{Op: "digest decoding", Err: err}
	}
	if len(digest) != sha256.Size {
		return "", &models.SigningError{Op: "digest decoding", Err: fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))}
	}

	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return "", &models.SigningError{Op: "digest signing", Err: err}
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// VerifyDigest verifica una firma producida por SignDigest
func (s *SigningService) VerifyDigest(digestHex, signatureB64, privateKeyPEM string) error {
	key, err := s.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return err
	}

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return &models.SigningError{Op: "digest decoding", Err: err}
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return &models.SigningError{Op: "signature decoding", Err: err}
	}

	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest, signature); err != nil {
		return &models.SigningError{Op: "signature verification", Err: err}
	}

	return nil
}

// EmbedSignature inserta el bloque de firma en el documento UBL. El
// digest debe ser el del documento completo (DocumentDigest sobre el XML
// canónico): firmar cualquier otra cosa deja el documento alterable sin
// invalidar la firma. El certificado de la organización va en ds:KeyInfo.
func (s *SigningService) EmbedSignature(xmlStr, digestHex, signatureB64, certificate string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xmlStr); err != nil {
		return "", &models.SigningError{Op: "XML parsing", Err: err}
	}

	root := doc.Root()
	if root == nil {
		return "", &models.SigningError{Op: "XML parsing", Err: errors.New("document has no root element")}
	}

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", &models.SigningError{Op: "digest decoding", Err: err}
	}

	ext := etree.NewElement("ext:UBLExtensions")
	ublExt := ext.CreateElement("ext:UBLExtension")
	ublExt.CreateElement("ext:ExtensionURI").SetText("urn:oasis:names:specification:ubl:dsig:enveloped:xades")
	content := ublExt.CreateElement("ext:ExtensionContent")

	sig := content.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", "http://www.w3.org/2000/09/xmldsig#")
	sig.CreateAttr("Id", "signature")

	signedInfo := sig.CreateElement("ds:SignedInfo")
	canonMethod := signedInfo.CreateElement("ds:CanonicalizationMethod")
	canonMethod.CreateAttr("Algorithm", "http://www.w3.org/2006/12/xml-c14n11")
	sigMethod := signedInfo.CreateElement("ds:SignatureMethod")
	sigMethod.CreateAttr("Algorithm", "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256")

	reference := signedInfo.CreateElement("ds:Reference")
	reference.CreateAttr("Id", "invoiceSignedData")
	reference.CreateAttr("URI", "")
	digestMethod := reference.CreateElement("ds:DigestMethod")
	digestMethod.CreateAttr("Algorithm", "http://www.w3.org/2001/04/xmlenc#sha256")
	reference.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest))

	sig.CreateElement("ds:SignatureValue").SetText(signatureB64)

	if certificate != "" {
		keyInfo := sig.CreateElement("ds:KeyInfo")
		x509Data := keyInfo.CreateElement("ds:X509Data")
		x509Data.CreateElement("ds:X509Certificate").SetText(certificate)
	}

	root.InsertChildAt(0, ext)

	doc.Indent(2)
	signed, err := doc.WriteToString()
	if err != nil {
		return "", &models.SigningError{Op: "XML serialization", Err: err}
	}

	return signed, nil
}

// VerifyDocumentSignature verifica un documento firmado de punta a punta:
// valida la firma sobre el digest embebido y recomputa el digest del
// documento sin el bloque de firma. Cualquier alteración del contenido
// después de firmar hace fallar la verificación.
func (s *SigningService) VerifyDocumentSignature(signedXML, privateKeyPEM string) error {
	digestHex, signatureB64, err := s.ExtractSignature(signedXML)
	if err != nil {
		return err
	}

	if err := s.VerifyDigest(digestHex, signatureB64, privateKeyPEM); err != nil {
		return err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(signedXML); err != nil {
		return &models.SigningError{Op: "XML parsing", Err: err}
	}
	root := doc.Root()
	if root == nil {
		return &models.SigningError{Op: "XML parsing", Err: errors.New("document has no root element")}
	}

	ext := root.FindElement("ext:UBLExtensions")
	if ext == nil {
		return &models.SigningError{Op: "document verification", Err: errors.New("document carries no signature block")}
	}
	root.RemoveChild(ext)

	doc.Indent(2)
	stripped, err := doc.WriteToString()
	if err != nil {
		return &models.SigningError{Op: "XML serialization", Err: err}
	}

	if DocumentDigest(stripped) != digestHex {
		return &models.SigningError{Op: "document verification", Err: errors.New("document content does not match the signed digest")}
	}

	return nil
}

// ExtractSignature recupera el digest y la firma embebidos en un
// documento firmado, para verificación
func (s *SigningService) ExtractSignature(signedXML string) (digestHex, signatureB64 string, err error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(signedXML); err != nil {
		return "", "", &models.SigningError{Op: "XML parsing", Err: err}
	}

	digestEl := doc.FindElement("//ds:DigestValue")
	sigEl := doc.FindElement("//ds:SignatureValue")
	if digestEl == nil || sigEl == nil {
		return "", "", &models.SigningError{Op: "signature extraction", Err: errors.New("document carries no signature block")}
	}

	digest, err := base64.StdEncoding.DecodeString(digestEl.Text())
	if err != nil {
		return "", "", &models.SigningError{Op: "digest decoding", Err: err}
	}

	return hex.EncodeToString(digest), sigEl.Text(), nil
}
