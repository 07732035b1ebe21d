package models

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError indica datos de factura u organización incompletos o
// malformados. Se detecta antes de cualquier trabajo criptográfico o de red.
type ValidationError struct {
	Field string
	Issue string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Issue)
}

// NewFieldValidationError crea un ValidationError para un campo concreto
func NewFieldValidationError(field, issue string) *ValidationError {
	return &ValidationError{Field: field, Issue: issue}
}

// ChainIntegrityError indica un eslabón faltante o inconsistente en la
// cadena de hashes de una organización. La cadena falla cerrada: nunca se
// arranca una cadena nueva en silencio.
type ChainIntegrityError struct {
	OrganizationID uuid.UUID
	Reason         string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("hash chain integrity violated for organization %s: %s", e.OrganizationID, e.Reason)
}

// SigningError indica un fallo en una primitiva criptográfica (clave o
// certificado malformado, error de firma). Nunca se retorna una firma
// vacía como si hubiera sido exitosa.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing operation %s failed: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// AuthorityError indica que la autoridad rechazó el request (OTP inválido,
// CSR rechazado, errores de validación). Conserva el mensaje original
// de la autoridad, literal, para diagnóstico del operador.
type AuthorityError struct {
	StatusCode int
	Message    string
	Messages   []ValidationMessage
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("authority rejected request (HTTP %d): %s", e.StatusCode, e.Message)
}

// TransportError indica un fallo de red o timeout alcanzando la autoridad.
// Siempre es reintentable y nunca se confunde con un rechazo de la autoridad.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
