package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// AuditRepository maneja las operaciones de base de datos para AuditLog
type AuditRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewAuditRepository crea una nueva instancia del repositorio
func NewAuditRepository(db *DB, logger *logrus.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Record registra una entrada de auditoría. El detalle nunca debe contener
// claves privadas ni secretos, solo identificadores y estados.
func (r *AuditRepository) Record(organizationID uuid.UUID, action models.AuditAction, entity, entityID, detail string) error {
	query := `
		INSERT INTO audit_logs (id, organization_id, action, entity, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecWithTimeout(query,
		uuid.New(), organizationID, action, entity, entityID, detail, time.Now(),
	)

	if err != nil {
		return fmt.Errorf("error recording audit log: %w", err)
	}

	return nil
}

// GetByOrganizationID obtiene el historial de auditoría de una organización
func (r *AuditRepository) GetByOrganizationID(organizationID uuid.UUID, limit int) ([]models.AuditLog, error) {
	query := `
		SELECT id, organization_id, action, entity, entity_id, detail, created_at
		FROM audit_logs
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryWithTimeout(query, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying audit logs: %w", err)
	}
	defer rows.Close()

	var logs []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		err := rows.Scan(
			&entry.ID, &entry.OrganizationID, &entry.Action,
			&entry.Entity, &entry.EntityID, &entry.Detail, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning audit log: %w", err)
		}
		logs = append(logs, entry)
	}

	return logs, nil
}
