package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusAccepted, map[string]string{"message": "queued"}))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"message":"queued"}`, w.Body.String())
}

func TestWriteJSON_EncodingFailure(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]interface{}{"ch": make(chan int)})

	assert.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal", decodeError(t, w).Code)
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		code   string
		msg    string
	}{
		{"error", func(w http.ResponseWriter) { WriteError(w, http.StatusBadRequest, errors.New("test error")) }, http.StatusBadRequest, "bad_request", "test error"},
		{"message", func(w http.ResponseWriter) { WriteErrorMessage(w, http.StatusNotFound, "resource not found") }, http.StatusNotFound, "not_found", "resource not found"},
		{"validation", func(w http.ResponseWriter) { WriteValidationError(w, "invalid input") }, http.StatusBadRequest, "bad_request", "invalid input"},
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "malformed") }, http.StatusBadRequest, "bad_request", "malformed"},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "invalid credentials") }, http.StatusUnauthorized, "unauthorized", "invalid credentials"},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "access denied") }, http.StatusForbidden, "forbidden", "access denied"},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "user not found") }, http.StatusNotFound, "not_found", "user not found"},
		{"conflict", func(w http.ResponseWriter) { WriteConflict(w, "resource already exists") }, http.StatusConflict, "conflict", "resource already exists"},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "service unavailable") }, http.StatusServiceUnavailable, "unavailable", "service unavailable"},
		{"unmapped status", func(w http.ResponseWriter) { WriteErrorMessage(w, http.StatusTeapot, "short and stout") }, http.StatusTeapot, "http_418", "short and stout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.msg, body.Error)
		})
	}
}

func TestWriteInternalError_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalError(w, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
	assert.Equal(t, "internal server error", decodeError(t, w).Error)
}

func TestSuccessWriters(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"id": "123"}))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"id":"123"}`, w.Body.String())

	w = httptest.NewRecorder()
	require.NoError(t, WriteSuccess(w, []int{1, 2}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[1,2]`, w.Body.String())

	w = httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
