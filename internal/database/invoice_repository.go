package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// InvoiceRepository maneja las operaciones de base de datos para Invoice
type InvoiceRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewInvoiceRepository crea una nueva instancia del repositorio
func NewInvoiceRepository(db *DB, logger *logrus.Logger) *InvoiceRepository {
	return &InvoiceRepository{
		db:     db,
		logger: logger,
	}
}

// Create crea una nueva factura con sus items
func (r *InvoiceRepository) Create(invoice *models.Invoice, items []models.InvoiceItem) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		query := `
			INSERT INTO invoices (
				id, organization_id, invoice_number, issue_date, due_date,
				buyer_name, buyer_vat, buyer_address,
				subtotal, vat_amount, total, zatca_status, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
			)
		`

		_, err := tx.Exec(query,
			invoice.ID, invoice.OrganizationID, invoice.InvoiceNumber,
			invoice.IssueDate, invoice.DueDate,
			invoice.BuyerName, invoice.BuyerVAT, invoice.BuyerAddress,
			invoice.Subtotal, invoice.VATAmount, invoice.Total,
			models.ComplianceStatusPending, invoice.CreatedAt, invoice.UpdatedAt,
		)

		if err != nil {
			return fmt.Errorf("error inserting invoice: %w", err)
		}

		for _, item := range items {
			itemQuery := `
				INSERT INTO invoice_items (
					id, invoice_id, line_no, description, qty, unit_price, amount, created_at
				) VALUES (
					$1, $2, $3, $4, $5, $6, $7, $8
				)
			`

			_, err := tx.Exec(itemQuery,
				item.ID, item.InvoiceID, item.LineNo, item.Description,
				item.Quantity, item.UnitPrice, item.Amount, item.CreatedAt,
			)

			if err != nil {
				return fmt.Errorf("error inserting invoice item: %w", err)
			}
		}

		return nil
	})
}

const invoiceColumns = `
	id, organization_id, invoice_number, issue_date, due_date,
	buyer_name, buyer_vat, buyer_address,
	subtotal, vat_amount, total,
	zatca_uuid, zatca_hash, zatca_prev_hash, zatca_xml, zatca_qr, zatca_status,
	created_at, updated_at
`

func scanInvoice(row interface{ Scan(...interface{}) error }) (*models.Invoice, error) {
	var invoice models.Invoice
	err := row.Scan(
		&invoice.ID, &invoice.OrganizationID, &invoice.InvoiceNumber,
		&invoice.IssueDate, &invoice.DueDate,
		&invoice.BuyerName, &invoice.BuyerVAT, &invoice.BuyerAddress,
		&invoice.Subtotal, &invoice.VATAmount, &invoice.Total,
		&invoice.ZATCAUUID, &invoice.ZATCAHash, &invoice.ZATCAPrevHash,
		&invoice.ZATCAXML, &invoice.ZATCAQR, &invoice.ZATCAStatus,
		&invoice.CreatedAt, &invoice.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// GetByID obtiene una factura por ID con sus items
func (r *InvoiceRepository) GetByID(id uuid.UUID) (*models.Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1`, invoiceColumns)

	invoice, err := scanInvoice(r.db.QueryRowWithTimeout(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("invoice not found: %s", id)
		}
		return nil, fmt.Errorf("error querying invoice: %w", err)
	}

	items, err := r.GetItemsByInvoiceID(id)
	if err != nil {
		r.logger.Warnf("Error getting items for invoice %s: %v", id, err)
	}
	invoice.Items = items

	return invoice, nil
}

// GetByInvoiceNumber obtiene una factura por número dentro de una organización
func (r *InvoiceRepository) GetByInvoiceNumber(organizationID uuid.UUID, invoiceNumber string) (*models.Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE organization_id = $1 AND invoice_number = $2`, invoiceColumns)

	invoice, err := scanInvoice(r.db.QueryRowWithTimeout(query, organizationID, invoiceNumber))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error querying invoice by number: %w", err)
	}

	return invoice, nil
}

// GetItemsByInvoiceID obtiene los items de una factura
func (r *InvoiceRepository) GetItemsByInvoiceID(invoiceID uuid.UUID) ([]models.InvoiceItem, error) {
	query := `
		SELECT id, invoice_id, line_no, description, qty, unit_price, amount, created_at
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY line_no
	`

	rows, err := r.db.QueryWithTimeout(query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("error querying invoice items: %w", err)
	}
	defer rows.Close()

	var items []models.InvoiceItem
	for rows.Next() {
		var item models.InvoiceItem
		err := rows.Scan(
			&item.ID, &item.InvoiceID, &item.LineNo, &item.Description,
			&item.Quantity, &item.UnitPrice, &item.Amount, &item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning invoice item: %w", err)
		}
		items = append(items, item)
	}

	return items, nil
}

// GetChainHead obtiene el hash de la última factura encadenada de una
// organización. Retorna found=false si la organización no tiene facturas.
func (r *InvoiceRepository) GetChainHead(organizationID uuid.UUID) (string, bool, error) {
	query := `SELECT head_hash FROM invoice_chain_heads WHERE organization_id = $1`

	var head string
	err := r.db.QueryRowWithTimeout(query, organizationID).Scan(&head)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("error querying chain head: %w", err)
	}

	return head, true, nil
}

// SaveBundleAndAdvanceChain persiste el bundle derivado de la factura y
// avanza el head de la cadena en una sola transacción. El avance es
// compare-and-advance: si otro proceso movió el head desde que se leyó
// expectedPrev, la transacción completa se revierte con ChainIntegrityError
// y ningún campo del bundle queda escrito.
func (r *InvoiceRepository) SaveBundleAndAdvanceChain(invoiceID, organizationID uuid.UUID, bundle *models.ZATCABundle, expectedPrev string) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		var head string
		err := tx.QueryRow(
			`SELECT head_hash FROM invoice_chain_heads WHERE organization_id = $1 FOR UPDATE`,
			organizationID,
		).Scan(&head)

		switch {
		case err == sql.ErrNoRows:
			if expectedPrev != models.ChainSentinel {
				return &models.ChainIntegrityError{
					OrganizationID: organizationID,
					Reason:         "no chain head exists but previous hash is not the first-invoice sentinel",
				}
			}
			_, err = tx.Exec(
				`INSERT INTO invoice_chain_heads (organization_id, head_hash, updated_at) VALUES ($1, $2, $3)`,
				organizationID, bundle.ContentHash, time.Now(),
			)
			if err != nil {
				return fmt.Errorf("error inserting chain head: %w", err)
			}
		case err != nil:
			return fmt.Errorf("error locking chain head: %w", err)
		default:
			if head != expectedPrev {
				return &models.ChainIntegrityError{
					OrganizationID: organizationID,
					Reason:         "chain head advanced concurrently, invoice must be re-linked",
				}
			}
			_, err = tx.Exec(
				`UPDATE invoice_chain_heads SET head_hash = $1, updated_at = $2 WHERE organization_id = $3`,
				bundle.ContentHash, time.Now(), organizationID,
			)
			if err != nil {
				return fmt.Errorf("error advancing chain head: %w", err)
			}
		}

		result, err := tx.Exec(`
			UPDATE invoices
			SET zatca_uuid = $1, zatca_hash = $2, zatca_prev_hash = $3,
			    zatca_xml = $4, zatca_qr = $5, zatca_status = $6, updated_at = $7
			WHERE id = $8
		`,
			bundle.UUID, bundle.ContentHash, bundle.PreviousHash,
			bundle.CanonicalXML, bundle.QRPayload, models.ComplianceStatusProcessed,
			time.Now(), invoiceID,
		)
		if err != nil {
			return fmt.Errorf("error saving invoice bundle: %w", err)
		}

		return requireRowsAffected(result, "invoice", invoiceID.String())
	})
}

// UpdateStatus actualiza el estado de cumplimiento de una factura
func (r *InvoiceRepository) UpdateStatus(id uuid.UUID, status models.ComplianceStatus) error {
	query := `
		UPDATE invoices
		SET zatca_status = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecWithTimeout(query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("error updating invoice status: %w", err)
	}

	return requireRowsAffected(result, "invoice", id.String())
}

// GetByOrganizationID obtiene facturas por organización con paginación
func (r *InvoiceRepository) GetByOrganizationID(organizationID uuid.UUID, page, pageSize int) ([]models.Invoice, int, error) {
	countQuery := `SELECT COUNT(*) FROM invoices WHERE organization_id = $1`
	var total int
	err := r.db.QueryRowWithTimeout(countQuery, organizationID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("error counting invoices: %w", err)
	}

	offset := (page - 1) * pageSize
	query := fmt.Sprintf(`
		SELECT %s FROM invoices
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, invoiceColumns)

	rows, err := r.db.QueryWithTimeout(query, organizationID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("error querying invoices: %w", err)
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("error scanning invoice: %w", err)
		}
		invoices = append(invoices, *invoice)
	}

	return invoices, total, nil
}

// NextInvoiceSequence obtiene el siguiente número de secuencia para la
// organización en el año dado. La secuencia es monotónica y sin huecos
// mientras la transacción que la consume haga commit.
func (r *InvoiceRepository) NextInvoiceSequence(organizationID uuid.UUID, year int) (int, error) {
	query := `
		INSERT INTO invoice_sequences (organization_id, year, last_seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (organization_id, year)
		DO UPDATE SET last_seq = invoice_sequences.last_seq + 1
		RETURNING last_seq
	`

	var seq int
	err := r.db.QueryRowWithTimeout(query, organizationID, year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("error getting next invoice sequence: %w", err)
	}

	return seq, nil
}
