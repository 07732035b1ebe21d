package database

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

// APIKeyRepository maneja las operaciones de base de datos para API Keys
type APIKeyRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewAPIKeyRepository crea una nueva instancia del repositorio
func NewAPIKeyRepository(db *DB, logger *logrus.Logger) *APIKeyRepository {
	return &APIKeyRepository{
		db:     db,
		logger: logger,
	}
}

// Create crea una nueva API key. La clave en claro se retorna exactamente
// una vez; solo el hash se persiste.
func (r *APIKeyRepository) Create(organizationID uuid.UUID, name string, rateLimit int) (*models.APIKey, string, error) {
	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("error generating API key: %w", err)
	}
	keyHash := HashAPIKey(apiKey)

	apiKeyModel := &models.APIKey{
		ID:              uuid.New(),
		OrganizationID:  organizationID,
		Name:            name,
		KeyHash:         keyHash,
		IsActive:        true,
		RateLimitPerMin: rateLimit,
		CreatedAt:       time.Now(),
	}

	query := `
		INSERT INTO api_keys (
			id, organization_id, name, key_hash, is_active, rate_limit_per_min, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err = r.db.ExecWithTimeout(query,
		apiKeyModel.ID, apiKeyModel.OrganizationID, apiKeyModel.Name,
		apiKeyModel.KeyHash, apiKeyModel.IsActive, apiKeyModel.RateLimitPerMin,
		apiKeyModel.CreatedAt,
	)

	if err != nil {
		return nil, "", fmt.Errorf("error creating API key: %w", err)
	}

	return apiKeyModel, apiKey, nil
}

// GetByHash obtiene una API key activa por su hash
func (r *APIKeyRepository) GetByHash(hash string) (*models.APIKey, error) {
	query := `
		SELECT id, organization_id, name, key_hash, is_active, rate_limit_per_min, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var apiKey models.APIKey
	err := r.db.QueryRowWithTimeout(query, hash).Scan(
		&apiKey.ID, &apiKey.OrganizationID, &apiKey.Name, &apiKey.KeyHash,
		&apiKey.IsActive, &apiKey.RateLimitPerMin, &apiKey.CreatedAt, &apiKey.LastUsedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("API key not found or inactive")
		}
		return nil, fmt.Errorf("error querying API key: %w", err)
	}

	return &apiKey, nil
}

// GetByOrganizationID obtiene todas las API keys de una organización
func (r *APIKeyRepository) GetByOrganizationID(organizationID uuid.UUID) ([]models.APIKey, error) {
	query := `
		SELECT id, organization_id, name, key_hash, is_active, rate_limit_per_min,
		       created_at, last_used_at
		FROM api_keys
		WHERE organization_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryWithTimeout(query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("error querying API keys: %w", err)
	}
	defer rows.Close()

	var apiKeys []models.APIKey
	for rows.Next() {
		var apiKey models.APIKey
		err := rows.Scan(
			&apiKey.ID, &apiKey.OrganizationID, &apiKey.Name, &apiKey.KeyHash,
			&apiKey.IsActive, &apiKey.RateLimitPerMin, &apiKey.CreatedAt, &apiKey.LastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning API key: %w", err)
		}
		apiKeys = append(apiKeys, apiKey)
	}

	return apiKeys, nil
}

// UpdateLastUsed actualiza la última vez que se usó la API key
func (r *APIKeyRepository) UpdateLastUsed(id uuid.UUID) error {
	query := `
		UPDATE api_keys
		SET last_used_at = $1
		WHERE id = $2
	`

	_, err := r.db.ExecWithTimeout(query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("error updating API key last used: %w", err)
	}

	return nil
}

// Deactivate desactiva una API key
func (r *APIKeyRepository) Deactivate(id uuid.UUID) error {
	query := `
		UPDATE api_keys
		SET is_active = false
		WHERE id = $1
	`

	result, err := r.db.ExecWithTimeout(query, id)
	if err != nil {
		return fmt.Errorf("error deactivating API key: %w", err)
	}

	return requireRowsAffected(result, "API key", id.String())
}

// generateAPIKey genera una API key de 32 bytes aleatorios en hex
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashAPIKey genera el hash SHA-256 de la API key
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("%x", hash)
}
