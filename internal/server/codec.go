package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"fassets/internal/assetmanager"
	"fassets/internal/attestation"
	"fassets/internal/corevault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// wei accepts a JSON number or a decimal string.
type wei struct{ *big.Int }

func (w *wei) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		w.Int = nil
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid amount %q", s)
	}
	w.Int = v
	return nil
}

// value returns the amount, or zero when absent.
func (w wei) value() *big.Int {
	if w.Int == nil {
		return new(big.Int)
	}
	return w.Int
}

type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("empty request body")
		}
		return badRequest("invalid json payload: %v", err)
	}
	return nil
}

func pathAddress(r *http.Request, name string) (common.Address, error) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("%s is not an address", name)
	}
	return common.HexToAddress(raw), nil
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, badRequest("invalid id")
	}
	return id, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("%s is not an address", field)
	}
	return common.HexToAddress(raw), nil
}

func requireProof[T any](field string, p *T) error {
	if p == nil {
		return badRequest("%s is required", field)
	}
	return nil
}

// statusFor maps an error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	var ae *apiError
	if errors.As(err, &ae) {
		switch ae.status {
		case http.StatusForbidden:
			return ae.status, "forbidden"
		case http.StatusNotFound:
			return ae.status, "not_found"
		}
		return ae.status, "bad_request"
	}
	if errors.Is(err, attestation.ErrRootNotAvailable) {
		return http.StatusServiceUnavailable, "root_not_available"
	}
	if e, ok := assetmanager.AsError(err); ok {
		if cause := e.Unwrap(); cause != nil && errors.Is(e, assetmanager.ErrInvalidProof) &&
			!errors.Is(cause, attestation.ErrInvalidProof) && !errors.Is(cause, attestation.ErrUnsupportedProofKind) {
			return http.StatusBadGateway, "verifier_unavailable"
		}
		switch e.Kind {
		case assetmanager.KindNotFound:
			return http.StatusNotFound, "not_found"
		case assetmanager.KindForbidden:
			return http.StatusForbidden, "forbidden"
		case assetmanager.KindProofMismatch:
			return http.StatusBadRequest, "proof_mismatch"
		default:
			return http.StatusConflict, "rejected"
		}
	}
	switch {
	case errors.Is(err, corevault.ErrUnknownEscrow), errors.Is(err, corevault.ErrRequestNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, corevault.ErrDuplicatePreimage), errors.Is(err, corevault.ErrRequestExists),
		errors.Is(err, corevault.ErrInsufficientFunds):
		return http.StatusConflict, "rejected"
	case errors.Is(err, attestation.ErrInvalidProof):
		return http.StatusBadRequest, "proof_mismatch"
	case errors.Is(err, corevault.ErrInvalidPayment), errors.Is(err, corevault.ErrDestinationNotAllowed),
		errors.Is(err, corevault.ErrZeroAmount):
		return http.StatusBadRequest, "rejected"
	}
	return http.StatusInternalServerError, "internal"
}
