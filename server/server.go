// Package server contains the payload types and error reporting shared by the
// HTTP wrappers.
package server

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/colorlab/fault"
	log "github.com/sirupsen/logrus"
)

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a tagged union of the basic types the HTTP wrappers send.
// T selects which field is encoded.
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Float  float64
	Int    int
	String string
}

// EncodeAndRespond writes the payload as JSON in the single-field shape
// matching T, e.g. {"f64": 1.5}
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, "unknown payload type", http.StatusInternalServerError)
		return
	}
	RespondJSON(w, v)
}

// RespondJSON writes v as a JSON body with status 200
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encoding response")
	}
}

// StatusOf maps an error onto an HTTP status code by its fault kind
func StatusOf(err error) int {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case fault.Unsupported:
		return http.StatusNotImplemented
	case fault.NeedsCalibration:
		return http.StatusPreconditionFailed
	case fault.UserAbort:
		return http.StatusConflict
	case fault.CommsFailure:
		return http.StatusGatewayTimeout
	case fault.ProtocolError, fault.Misread:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Error replies with err's message and the status StatusOf chooses
func Error(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusOf(err))
}
