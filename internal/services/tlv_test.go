package services

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/hypernova-labs/zatca-service/internal/models"
)

func TestEncodeTLVRoundTrip(t *testing.T) {
	fields := []models.QRField{
		{Tag: qrTagSellerName, Value: "مؤسسة الاختبار"},
		{Tag: qrTagSellerVAT, Value: "300000000000003"},
		{Tag: qrTagTimestamp, Value: "2024-01-01T00:00:00Z"},
		{Tag: qrTagTotal, Value: "115.00"},
		{Tag: qrTagVATAmount, Value: "15.00"},
	}

	payload, err := EncodeTLV(fields)
	if err != nil {
		t.Fatalf("EncodeTLV returned error: %v", err)
	}

	decoded, err := DecodeTLV(payload)
	if err != nil {
		t.Fatalf("DecodeTLV returned error: %v", err)
	}

	if len(decoded) != len(fields) {
		t.Fatalf("decoded %d fields, want %d", len(decoded), len(fields))
	}
	for i, f := range fields {
		if decoded[i].Tag != f.Tag || decoded[i].Value != f.Value {
			t.Errorf("field %d = {%d %q}, want {%d %q}", i, decoded[i].Tag, decoded[i].Value, f.Tag, f.Value)
		}
	}
}

func TestEncodeTLVLengthIsBytesNotRunes(t *testing.T) {
	// 100 caracteres árabes ocupan 200 bytes en UTF-8
	value := strings.Repeat("م", 100)

	payload, err := EncodeTLV([]models.QRField{{Tag: qrTagSellerName, Value: value}})
	if err != nil {
		t.Fatalf("EncodeTLV returned error: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}
	if raw[1] != 200 {
		t.Fatalf("declared length = %d bytes, want 200", raw[1])
	}
}

func TestEncodeTLVValueTooLong(t *testing.T) {
	value := strings.Repeat("x", 256)

	_, err := EncodeTLV([]models.QRField{{Tag: qrTagSellerName, Value: value}})
	if err == nil {
		t.Fatal("expected error for value longer than 255 bytes")
	}
}

func TestDecodeTLVTruncatedPayload(t *testing.T) {
	// Tag 1 declara 10 bytes pero solo hay 2
	raw := []byte{1, 10, 'a', 'b'}
	payload := base64.StdEncoding.EncodeToString(raw)

	if _, err := DecodeTLV(payload); err == nil {
		t.Fatal("expected error for truncated TLV payload")
	}
}

func TestDecodeTLVTruncatedHeader(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1})

	if _, err := DecodeTLV(payload); err == nil {
		t.Fatal("expected error for truncated TLV header")
	}
}

func TestDecodeTLVInvalidBase64(t *testing.T) {
	if _, err := DecodeTLV("no es base64!!"); err == nil {
		t.Fatal("expected error for invalid base64 input")
	}
}
