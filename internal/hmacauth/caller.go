package hmacauth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HeaderCallerSignature carries a secp256k1 signature over the keccak256 hash of
// the canonical request. The key it recovers to must own the claimed caller
// address, so holding the shared secret is not enough to act for someone else.
const HeaderCallerSignature = "X-Caller-Signature"

var (
	ErrMissingCallerSignature = errors.New("missing caller signature")
	ErrCallerMismatch         = errors.New("caller signature does not match caller address")
)

// SignCaller signs r as the owner of key. It reuses the timestamp set by
// SignRequest and sets one from now otherwise. bound must match the verifier's.
func SignCaller(r *http.Request, key *ecdsa.PrivateKey, now time.Time, bound ...string) error {
	body, err := bufferBody(r)
	if err != nil {
		return err
	}
	ts := r.Header.Get(HeaderTimestamp)
	if ts == "" {
		ts = strconv.FormatInt(now.Unix(), 10)
		r.Header.Set(HeaderTimestamp, ts)
	}
	sig, err := crypto.Sign(crypto.Keccak256(canonical(ts, r, bound, body)), key)
	if err != nil {
		return fmt.Errorf("sign caller: %w", err)
	}
	r.Header.Set(HeaderCallerSignature, hex.EncodeToString(sig))
	return nil
}

// recoverCaller returns the address whose key signed msg.
func recoverCaller(r *http.Request, msg []byte) (common.Address, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(HeaderCallerSignature)), "0x")
	if raw == "" {
		return common.Address{}, ErrMissingCallerSignature
	}
	sig, err := hex.DecodeString(raw)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrCallerMismatch
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), sig)
	if err != nil {
		return common.Address{}, ErrCallerMismatch
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (v *Verifier) checkCaller(r *http.Request, msg []byte) error {
	claimed := strings.TrimSpace(r.Header.Get(v.CallerHeader))
	signer, err := recoverCaller(r, msg)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(claimed) || common.HexToAddress(claimed) != signer {
		return ErrCallerMismatch
	}
	return nil
}
