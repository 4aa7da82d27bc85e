// Package httpapi defines the JSON envelope shared by every HTTP surface:
// success bodies are plain JSON, failures follow
// {"error":{code, message, details?, resolution?, timestamp}}.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"trustmesh/payment"
)

// Stable machine-readable error codes.
const (
	CodeInvalidAccountID          = "INVALID_ACCOUNT_ID"
	CodeAccountNotFound           = "ACCOUNT_NOT_FOUND"
	CodeUnknownProduct            = "UNKNOWN_PRODUCT"
	CodePriceTooLow               = "PRICE_TOO_LOW"
	CodePaymentRequired           = "PAYMENT_REQUIRED"
	CodePaymentVerificationFailed = "PAYMENT_VERIFICATION_FAILED"
	CodeRateLimited               = "RATE_LIMITED"
	CodeMalformedRequest          = "MALFORMED_REQUEST"
	CodeServiceUnavailable        = "SERVICE_UNAVAILABLE"
	CodeInternal                  = "INTERNAL_ERROR"
	CodeUnauthorized              = "UNAUTHORIZED"
)

// ErrorBody is the inner error object. Payment carries the machine-readable
// requirements on 402 challenges and is omitted everywhere else.
type ErrorBody struct {
	Code       string                `json:"code"`
	Message    string                `json:"message"`
	Details    string                `json:"details,omitempty"`
	Resolution string                `json:"resolution,omitempty"`
	Payment    *payment.Requirements `json:"payment,omitempty"`
	Timestamp  int64                 `json:"timestamp"`
}

// Envelope wraps an ErrorBody on the wire.
type Envelope struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON serializes v with the given status. Encoding failures are logged;
// the status line has already been committed by then.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response failed", "error", err)
	}
}

// WriteError emits the standard error envelope.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	if body.Timestamp == 0 {
		body.Timestamp = time.Now().UnixMilli()
	}
	WriteJSON(w, status, Envelope{Error: body})
}

// WritePaymentChallenge emits the 402 challenge carrying the requirements and
// advertises the payment protocol.
func WritePaymentChallenge(w http.ResponseWriter, req payment.Requirements, message string) {
	w.Header().Set("Accepts-Payment", payment.AcceptsPaymentHeader)
	WriteError(w, http.StatusPaymentRequired, ErrorBody{
		Code:    CodePaymentRequired,
		Message: message,
		Payment: &req,
	})
}

// DecodeError reads an error envelope from a response body and reports its
// code and message. Bodies that do not parse yield the raw text as message.
func DecodeError(status int, body []byte) (code, message string) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return envelope.Error.Code, envelope.Error.Message
	}
	return fmt.Sprintf("HTTP_%d", status), string(body)
}

// ReadBody drains a response body with a sane cap.
func ReadBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}
