package services

import (
	"encoding/base64"
	"fmt"

	"github.com/hypernova-labs/zatca-service/internal/models"
)

// Tags TLV del código QR fiscal
const (
	qrTagSellerName byte = 1
	qrTagSellerVAT  byte = 2
	qrTagTimestamp  byte = 3
	qrTagTotal      byte = 4
	qrTagVATAmount  byte = 5
)

// EncodeTLV serializa los campos como [tag:1][longitud:1][valor UTF-8] y
// retorna el resultado en Base64. La longitud se mide en bytes, no en
// caracteres: un valor que exceda 255 bytes es un error, nunca se trunca.
func EncodeTLV(fields []models.QRField) (string, error) {
	var buf []byte
	for _, f := range fields {
		value := []byte(f.Value)
		if len(value) > 255 {
			return "", fmt.Errorf("TLV tag %d value exceeds 255 bytes (%d bytes)", f.Tag, len(value))
		}
		buf = append(buf, f.Tag, byte(len(value)))
		buf = append(buf, value...)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeTLV parsea un payload Base64 TLV de vuelta a sus campos.
// Un payload truncado o malformado es un error, no un resultado parcial.
func DecodeTLV(payload string) ([]models.QRField, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("error decoding TLV payload: %w", err)
	}

	var fields []models.QRField
	for i := 0; i < len(raw); {
		if i+2 > len(raw) {
			return nil, fmt.Errorf("malformed TLV payload: truncated header at offset %d", i)
		}
		tag := raw[i]
		length := int(raw[i+1])
		i += 2
		if i+length > len(raw) {
			return nil, fmt.Errorf("malformed TLV payload: tag %d declares %d bytes but only %d remain", tag, length, len(raw)-i)
		}
		fields = append(fields, models.QRField{
			Tag:   tag,
			Value: string(raw[i : i+length]),
		})
		i += length
	}

	return fields, nil
}
