package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// ChainStore es el punto de serialización de la cadena de hashes.
// La implementación de base de datos hace el avance compare-and-advance
// bajo lock de fila; los tests usan stubs en memoria.
type ChainStore interface {
	GetChainHead(organizationID uuid.UUID) (string, bool, error)
	SaveBundleAndAdvanceChain(invoiceID, organizationID uuid.UUID, bundle *models.ZATCABundle, expectedPrev string) error
}

// HashChainService calcula el hash canónico de una factura y la encadena
// al historial de su organización. Cada organización tiene su propia
// cadena independiente.
type HashChainService struct {
	store  ChainStore
	logger *logrus.Logger
}

// NewHashChainService crea una nueva instancia del servicio
func NewHashChainService(store ChainStore, logger *logrus.Logger) *HashChainService {
	return &HashChainService{
		store:  store,
		logger: logger,
	}
}

// ComputeHash calcula el hash SHA-256 del contenido canónico de la factura.
// La cadena canónica está congelada: número|fecha ISO|total|IVA|VAT
// vendedor|VAT comprador (vacío si no hay). Cambiar el orden o el formato
// rompe los hashes de facturas ya emitidas.
func (s *HashChainService) ComputeHash(core *models.InvoiceCore) string {
	buyerVAT := ""
	if core.BuyerVAT != nil {
		buyerVAT = *core.BuyerVAT
	}

	canonical := strings.Join([]string{
		core.InvoiceNumber,
		FormatTimestamp(core.IssueDate),
		FormatAmount(core.Total),
		FormatAmount(core.VATAmount),
		core.SellerVAT,
		buyerVAT,
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// PreviousHash obtiene el hash al que debe encadenarse la próxima factura
// de la organización. Si la organización no tiene facturas retorna el
// centinela de primera factura. Si el store falla, el error se propaga:
// nunca se arranca una cadena nueva por no poder leer el head.
func (s *HashChainService) PreviousHash(organizationID uuid.UUID) (string, error) {
	head, found, err := s.store.GetChainHead(organizationID)
	if err != nil {
		return "", fmt.Errorf("error reading chain head for organization %s: %w", organizationID, err)
	}
	if !found {
		return models.ChainSentinel, nil
	}
	return head, nil
}

// Link persiste el bundle de la factura avanzando el head de la cadena.
// Si otro proceso avanzó el head desde que se leyó expectedPrev, el store
// retorna ChainIntegrityError y nada queda escrito: el caller debe
// recalcular desde PreviousHash.
func (s *HashChainService) Link(invoiceID, organizationID uuid.UUID, bundle *models.ZATCABundle, expectedPrev string) error {
	if err := s.store.SaveBundleAndAdvanceChain(invoiceID, organizationID, bundle, expectedPrev); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"organization_id": organizationID,
		"invoice_id":      invoiceID,
	}).Info("Invoice linked to hash chain")

	return nil
}
