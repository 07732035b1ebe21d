package authority

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hypernova-labs/zatca-service/internal/config"
	"github.com/hypernova-labs/zatca-service/internal/models"
	"github.com/sirupsen/logrus"
)

func testClient(serverURL string) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewClient(&config.AuthorityConfig{
		SandboxBaseURL:    serverURL,
		ProductionBaseURL: serverURL,
		Timeout:           5 * time.Second,
	}, logger)
}

func testCredentials() *models.AuthorityCredentials {
	return &models.AuthorityCredentials{
		CertificateSerialNumber: "binary-token",
		Certificate:             "binary-token",
		PrivateKey:              "unused-in-transport",
		Secret:                  "shared-secret",
	}
}

func TestComplianceCheckRequestShape(t *testing.T) {
	const csrPEM = "-----BEGIN CERTIFICATE REQUEST-----\nMIIB\n-----END CERTIFICATE REQUEST-----\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/compliance" {
			t.Errorf("request = %s %s, want POST /compliance", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("OTP"); got != "123456" {
			t.Errorf("OTP header = %q, want 123456", got)
		}
		if got := r.Header.Get("Accept-Version"); got != "V2" {
			t.Errorf("Accept-Version header = %q, want V2", got)
		}

		var payload struct {
			CSR string `json:"csr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("request body does not decode: %v", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.CSR)
		if err != nil || string(decoded) != csrPEM {
			t.Error("csr field is not the base64 of the PEM")
		}

		json.NewEncoder(w).Encode(map[string]string{
			"requestID":           "req-42",
			"binarySecurityToken": "issued-token",
			"secret":              "issued-secret",
		})
	}))
	defer server.Close()

	csid, err := testClient(server.URL).ComplianceCheck(context.Background(), csrPEM, "123456", true)
	if err != nil {
		t.Fatalf("ComplianceCheck returned error: %v", err)
	}
	if csid.RequestID != "req-42" || csid.BinarySecurityToken != "issued-token" || csid.Secret != "issued-secret" {
		t.Fatalf("unexpected CSID response: %+v", csid)
	}
}

func TestComplianceCheckRejectedOTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"validationResults": map[string]interface{}{
				"status": "ERROR",
				"errorMessages": []map[string]string{
					{"type": "ERROR", "code": "invalid-otp", "category": "OTP", "message": "OTP is not valid", "status": "ERROR"},
				},
			},
		})
	}))
	defer server.Close()

	_, err := testClient(server.URL).ComplianceCheck(context.Background(), "csr", "000000", true)

	var authErr *models.AuthorityError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorityError, got %v", err)
	}
	if authErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", authErr.StatusCode)
	}
	if len(authErr.Messages) != 1 || authErr.Messages[0].Code != "invalid-otp" {
		t.Errorf("validation messages were not parsed: %+v", authErr.Messages)
	}
}

func TestCSIDResponseMissingSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"binarySecurityToken": "issued-token",
		})
	}))
	defer server.Close()

	_, err := testClient(server.URL).ComplianceCheck(context.Background(), "csr", "123456", true)

	var authErr *models.AuthorityError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorityError for incomplete credentials, got %v", err)
	}
}

func TestProductionCSIDAuthentication(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/production/csids" {
			t.Errorf("request = %s %s, want POST /production/csids", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "binary-token" || pass != "shared-secret" {
			t.Error("basic auth does not carry token and secret")
		}

		var payload struct {
			ComplianceRequestID string `json:"compliance_request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ComplianceRequestID != "req-42" {
			t.Error("compliance request ID was not forwarded")
		}

		json.NewEncoder(w).Encode(map[string]string{
			"binarySecurityToken": "production-token",
			"secret":              "production-secret",
		})
	}))
	defer server.Close()

	csid, err := testClient(server.URL).ProductionCSID(context.Background(), testCredentials(), "req-42", false)
	if err != nil {
		t.Fatalf("ProductionCSID returned error: %v", err)
	}
	if csid.BinarySecurityToken != "production-token" {
		t.Fatalf("unexpected CSID response: %+v", csid)
	}
}

func TestRenewProductionCSIDUsesPatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/production/csids" {
			t.Errorf("request = %s %s, want PATCH /production/csids", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("OTP"); got != "654321" {
			t.Errorf("OTP header = %q, want 654321", got)
		}

		json.NewEncoder(w).Encode(map[string]string{
			"binarySecurityToken": "renewed-token",
			"secret":              "renewed-secret",
		})
	}))
	defer server.Close()

	csid, err := testClient(server.URL).RenewProductionCSID(context.Background(), testCredentials(), "csr", "654321", false)
	if err != nil {
		t.Fatalf("RenewProductionCSID returned error: %v", err)
	}
	if csid.Secret != "renewed-secret" {
		t.Fatalf("unexpected CSID response: %+v", csid)
	}
}

func TestSubmitClearanceHeadersAndOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoices/clearance/single" {
			t.Errorf("path = %s, want /invoices/clearance/single", r.URL.Path)
		}
		if got := r.Header.Get("Clearance-Status"); got != "1" {
			t.Errorf("Clearance-Status header = %q, want 1", got)
		}

		var payload struct {
			InvoiceHash string `json:"invoiceHash"`
			UUID        string `json:"uuid"`
			Invoice     string `json:"invoice"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("request body does not decode: %v", err)
		}
		if payload.InvoiceHash != "hash-1" || payload.UUID != "uuid-1" {
			t.Error("invoice hash or uuid was not forwarded")
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.Invoice)
		if err != nil || string(decoded) != "<Invoice/>" {
			t.Error("invoice field is not the base64 of the signed XML")
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"clearanceStatus": "CLEARED",
			"validationResults": map[string]interface{}{
				"status": "PASS",
			},
		})
	}))
	defer server.Close()

	resp, err := testClient(server.URL).SubmitClearance(context.Background(), testCredentials(), "hash-1", "uuid-1", "<Invoice/>", true)
	if err != nil {
		t.Fatalf("SubmitClearance returned error: %v", err)
	}
	if resp.Outcome != models.OutcomeCleared {
		t.Fatalf("outcome = %s, want CLEARED", resp.Outcome)
	}
}

func TestSubmitReportingOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoices/reporting/single" {
			t.Errorf("path = %s, want /invoices/reporting/single", r.URL.Path)
		}
		if got := r.Header.Get("Clearance-Status"); got != "0" {
			t.Errorf("Clearance-Status header = %q, want 0", got)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"reportingStatus": "REPORTED",
		})
	}))
	defer server.Close()

	resp, err := testClient(server.URL).SubmitReporting(context.Background(), testCredentials(), "hash-1", "uuid-1", "<Invoice/>", true)
	if err != nil {
		t.Fatalf("SubmitReporting returned error: %v", err)
	}
	if resp.Outcome != models.OutcomeReported {
		t.Fatalf("outcome = %s, want REPORTED", resp.Outcome)
	}
}

func TestSubmitErrorMessagesRejectEvenOn200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"clearanceStatus": "NOT_CLEARED",
			"validationResults": map[string]interface{}{
				"status": "ERROR",
				"errorMessages": []map[string]string{
					{"type": "ERROR", "code": "BR-KSA-26", "category": "KSA", "message": "invalid previous invoice hash", "status": "ERROR"},
				},
			},
		})
	}))
	defer server.Close()

	resp, err := testClient(server.URL).SubmitClearance(context.Background(), testCredentials(), "hash-1", "uuid-1", "<Invoice/>", true)
	if err != nil {
		t.Fatalf("SubmitClearance returned error: %v", err)
	}
	if resp.Outcome != models.OutcomeRejected {
		t.Fatalf("outcome = %s, want REJECTED when error messages are present", resp.Outcome)
	}
}

func TestSubmitRejectedOnHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"validationResults": map[string]interface{}{
				"status": "ERROR",
			},
		})
	}))
	defer server.Close()

	resp, err := testClient(server.URL).SubmitClearance(context.Background(), testCredentials(), "hash-1", "uuid-1", "<Invoice/>", true)
	if err != nil {
		t.Fatalf("SubmitClearance returned error: %v", err)
	}
	if resp.Outcome != models.OutcomeRejected {
		t.Fatalf("outcome = %s, want REJECTED on HTTP 422", resp.Outcome)
	}
}

func TestSubmitUnreachableAuthority(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := testClient(server.URL).SubmitClearance(context.Background(), testCredentials(), "hash-1", "uuid-1", "<Invoice/>", true)

	var transportErr *models.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError for unreachable authority, got %v", err)
	}
}

func TestCSIDUnreachableAuthority(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := testClient(server.URL).ComplianceCheck(context.Background(), "csr", "123456", true)

	var transportErr *models.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError for unreachable authority, got %v", err)
	}
}
