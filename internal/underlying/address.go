// Package underlying validates addresses on the underlying chain.
package underlying

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var ErrInvalidAddress = errors.New("invalid underlying address")

type Validator interface {
	Validate(address string) error
}

// AnyValidator accepts any non-empty address without whitespace.
type AnyValidator struct{}

func (AnyValidator) Validate(address string) error {
	if address == "" || strings.ContainsAny(address, " \t\r\n") {
		return ErrInvalidAddress
	}
	return nil
}

// BTCValidator accepts addresses encoded for one bitcoin network.
type BTCValidator struct {
	Params *chaincfg.Params
}

func (v BTCValidator) Validate(address string) error {
	decoded, err := btcutil.DecodeAddress(address, v.Params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(v.Params) {
		return fmt.Errorf("%w: not a %s address", ErrInvalidAddress, v.Params.Name)
	}
	return nil
}

// ForChain returns the validator for a configured chain name.
func ForChain(chain string) (Validator, error) {
	switch strings.ToLower(chain) {
	case "", "any":
		return AnyValidator{}, nil
	case "btc":
		return BTCValidator{Params: &chaincfg.MainNetParams}, nil
	case "testbtc":
		return BTCValidator{Params: &chaincfg.TestNet3Params}, nil
	case "regtestbtc":
		return BTCValidator{Params: &chaincfg.RegressionNetParams}, nil
	default:
		return nil, fmt.Errorf("unsupported underlying chain %q", chain)
	}
}
