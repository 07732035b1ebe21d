package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/database"
	"github.com/sirupsen/logrus"
)

// ArchiveService guarda copias de los artefactos de cumplimiento (XML
// canónico y payload QR) en almacenamiento externo. Un bundle persistido
// en base de datos es la fuente de verdad; el archivo es una copia para
// auditoría y descarga.
type ArchiveService struct {
	storage *database.SupabaseClient
	logger  *logrus.Logger
}

// NewArchiveService crea una nueva instancia del servicio
func NewArchiveService(storage *database.SupabaseClient, logger *logrus.Logger) *ArchiveService {
	return &ArchiveService{
		storage: storage,
		logger:  logger,
	}
}

// ArchiveInvoiceXML sube el XML canónico de la factura
func (s *ArchiveService) ArchiveInvoiceXML(ctx context.Context, organizationID, invoiceID uuid.UUID, xml string) (string, error) {
	fileName := fmt.Sprintf("organizations/%s/invoices/%s/invoice.xml", organizationID, invoiceID)

	url, err := s.storage.UploadFile(ctx, fileName, "application/xml", []byte(xml))
	if err != nil {
		return "", fmt.Errorf("error archiving invoice XML: %w", err)
	}

	return url, nil
}

// ArchiveQRPayload sube el payload TLV del código QR
func (s *ArchiveService) ArchiveQRPayload(ctx context.Context, organizationID, invoiceID uuid.UUID, payload string) (string, error) {
	fileName := fmt.Sprintf("organizations/%s/invoices/%s/qr.txt", organizationID, invoiceID)

	url, err := s.storage.UploadFile(ctx, fileName, "text/plain", []byte(payload))
	if err != nil {
		return "", fmt.Errorf("error archiving QR payload: %w", err)
	}

	return url, nil
}

// ArchivedInvoiceXML recupera el XML archivado de una factura
func (s *ArchiveService) ArchivedInvoiceXML(ctx context.Context, organizationID, invoiceID uuid.UUID) (string, error) {
	fileName := fmt.Sprintf("organizations/%s/invoices/%s/invoice.xml", organizationID, invoiceID)

	data, err := s.storage.DownloadFile(ctx, fileName)
	if err != nil {
		return "", fmt.Errorf("error retrieving archived invoice XML: %w", err)
	}

	return string(data), nil
}
