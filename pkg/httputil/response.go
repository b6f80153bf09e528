package httputil

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes returned in the error envelope.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodePaymentRequired = "payment_required"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
	CodeUnavailable     = "service_unavailable"
)

// APIError is the error payload inside the envelope.
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Param   string            `json:"param,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ErrorResponse is the envelope for all error responses.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ListResponse is the envelope for paginated collection responses.
type ListResponse struct {
	Data    interface{} `json:"data"`
	HasMore bool        `json:"has_more"`
	Total   int64       `json:"total,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorCode writes an error envelope with the given status, code, and message
func WriteErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: APIError{
		Code:    code,
		Message: message,
	}})
}

// WriteError writes an error envelope, deriving the code from the status
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorCode(w, status, codeForStatus(status), err.Error())
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusPaymentRequired:
		return CodePaymentRequired
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// WriteValidationError writes a 400 with the invalid_request code and the
// offending parameter name.
func WriteValidationError(w http.ResponseWriter, param, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse{Error: APIError{
		Code:    CodeInvalidRequest,
		Message: message,
		Param:   param,
	}})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusForbidden, CodeForbidden, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusNotFound, CodeNotFound, message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusConflict, CodeConflict, message)
}

// WritePaymentRequired writes a payment required error (402)
func WritePaymentRequired(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusPaymentRequired, CodePaymentRequired, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// WriteServiceUnavailable writes a service unavailable error (503)
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusServiceUnavailable, CodeUnavailable, message)
}

// WriteInternalError writes an internal server error (500). The underlying
// error text is not exposed to the client.
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteErrorCode(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteList writes a 200 with the collection envelope
func WriteList(w http.ResponseWriter, data interface{}, hasMore bool, total int64) error {
	return WriteJSON(w, http.StatusOK, ListResponse{
		Data:    data,
		HasMore: hasMore,
		Total:   total,
	})
}
