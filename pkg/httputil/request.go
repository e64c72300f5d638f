package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks `validate` struct tags and flattens failures into one error
func Validate(v interface{}) error {
	err := validate.Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fe.Namespace() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msgs[i] += "=" + fe.Param()
		}
	}
	return errors.New("validation failed: " + strings.Join(msgs, "; "))
}

// bodyError carries the status a decode failure should be reported with
type bodyError struct {
	status int
	msg    string
}

func (e *bodyError) Error() string { return e.msg }

// DecodeJSON reads exactly one JSON value from the body
func DecodeJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &bodyError{http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		case errors.Is(err, io.EOF):
			return &bodyError{http.StatusBadRequest, "request body is empty"}
		default:
			return &bodyError{http.StatusBadRequest, "invalid JSON: " + err.Error()}
		}
	}
	if dec.More() {
		return &bodyError{http.StatusBadRequest, "invalid JSON: trailing data after body"}
	}
	return nil
}

// DecodeAndValidate decodes then validates the body, writing a 400 or 413
// and returning false on failure
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := DecodeJSON(r, dest); err != nil {
		status := http.StatusBadRequest
		var be *bodyError
		if errors.As(err, &be) {
			status = be.status
		}
		WriteErrorMessage(w, status, err.Error())
		return false
	}
	if err := Validate(dest); err != nil {
		WriteValidationError(w, err.Error())
		return false
	}
	return true
}

// ParsePathStringOrError returns a required mux path variable, writing a 400 when absent
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val := mux.Vars(r)[key]
	if val == "" {
		WriteBadRequest(w, "missing path parameter: "+key)
		return "", false
	}
	return val, true
}

// ParsePathUUIDOrError parses a UUID mux path variable, writing a 400 on failure
func ParsePathUUIDOrError(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	raw, ok := ParsePathStringOrError(w, r, key)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteBadRequest(w, fmt.Sprintf("invalid uuid for %s: %s", key, raw))
		return uuid.Nil, false
	}
	return id, true
}

// ParseQueryBool returns def when the parameter is absent
func ParseQueryBool(r *http.Request, key string, def bool) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for query param %s: %s", key, raw)
	}
	return val, nil
}

// ParseQueryUUID returns nil when the parameter is absent
func ParseQueryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid uuid for query param %s: %s", key, raw)
	}
	return &id, nil
}
