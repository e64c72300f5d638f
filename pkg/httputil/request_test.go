package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createThing struct {
	Name  string `json:"name" validate:"required,max=8"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		ok      bool
		status  int
		message string
	}{
		{name: "valid", body: `{"name":"widget","count":2}`, ok: true},
		{name: "malformed", body: `{name}`, status: http.StatusBadRequest, message: "invalid JSON"},
		{name: "empty", body: ``, status: http.StatusBadRequest, message: "request body is empty"},
		{name: "trailing value", body: `{"name":"a"} {"name":"b"}`, status: http.StatusBadRequest, message: "trailing data"},
		{name: "missing required", body: `{"count":1}`, status: http.StatusBadRequest, message: "createThing.Name failed required"},
		{name: "param in message", body: `{"name":"far-too-long"}`, status: http.StatusBadRequest, message: "failed max=8"},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", 64) + `"}`, limit: 16, status: http.StatusRequestEntityTooLarge, message: "exceeds 16 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/things", strings.NewReader(tt.body))
			if tt.limit > 0 {
				req.Body = http.MaxBytesReader(w, req.Body, tt.limit)
			}

			var dest createThing
			ok := DecodeAndValidate(w, req, &dest)
			require.Equal(t, tt.ok, ok, w.Body.String())
			if tt.ok {
				assert.Equal(t, "widget", dest.Name)
				return
			}
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, decodeError(t, w).Error, tt.message)
		})
	}
}

func TestValidate_NonStruct(t *testing.T) {
	assert.Error(t, Validate("not a struct"))
	assert.NoError(t, Validate(&createThing{Name: "ok"}))
}

func TestParsePathUUIDOrError(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name  string
		vars  map[string]string
		ok    bool
		error string
	}{
		{"valid", map[string]string{"id": id.String()}, true, ""},
		{"invalid", map[string]string{"id": "abc"}, false, "invalid uuid for id: abc"},
		{"missing", map[string]string{}, false, "missing path parameter: id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), tt.vars)
			w := httptest.NewRecorder()

			got, ok := ParsePathUUIDOrError(w, req, "id")
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, id, got)
				return
			}
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.error, decodeError(t, w).Error)
		})
	}
}

func TestParsePathStringOrError(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"kind": "seed"})
	val, ok := ParsePathStringOrError(httptest.NewRecorder(), req, "kind")
	assert.True(t, ok)
	assert.Equal(t, "seed", val)
}

func TestParseQueryUUID(t *testing.T) {
	id := uuid.New()

	got, err := ParseQueryUUID(httptest.NewRequest(http.MethodGet, "/?org="+id.String(), nil), "org")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, *got)

	got, err = ParseQueryUUID(httptest.NewRequest(http.MethodGet, "/", nil), "org")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseQueryUUID(httptest.NewRequest(http.MethodGet, "/?org=nope", nil), "org")
	assert.EqualError(t, err, "invalid uuid for query param org: nope")
}

func TestParseQueryBool(t *testing.T) {
	val, err := ParseQueryBool(httptest.NewRequest(http.MethodGet, "/?effective=true", nil), "effective", false)
	require.NoError(t, err)
	assert.True(t, val)

	val, err = ParseQueryBool(httptest.NewRequest(http.MethodGet, "/", nil), "effective", true)
	require.NoError(t, err)
	assert.True(t, val)

	_, err = ParseQueryBool(httptest.NewRequest(http.MethodGet, "/?effective=maybe", nil), "effective", false)
	assert.Error(t, err)
}

func BenchmarkDecodeAndValidate(b *testing.B) {
	body := []byte(`{"name":"bench","count":3}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/things", bytes.NewReader(body))
		var dest createThing
		DecodeAndValidate(httptest.NewRecorder(), req, &dest)
	}
}
