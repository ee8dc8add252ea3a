/*
Package req provides helpers for HTTP request parsing and data binding.
*/
package req

import (
	"encoding/json"
	"net/http"
	"strings"

	"spachat/internal/pkg/errs"
)

// MaxJSONBodySize bounds the size of JSON request bodies.
const MaxJSONBodySize int64 = 64 << 10

// BindJSON decodes the JSON request body into dst, rejecting unknown fields and trailing data.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodySize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	return nil
}
