package lifecycle

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tradeweave/relay/types"
)

// InsecureVerifier trusts the claimed owner of every order without checking
// signature material. It exists for development and tests; production wiring
// supplies a real scheme behind SignatureVerifier.
type InsecureVerifier struct{}

var _ SignatureVerifier = InsecureVerifier{}

func (InsecureVerifier) VerifyOrder(_ context.Context, order *types.Order) (string, error) {
	return order.UserID, nil
}

func (InsecureVerifier) VerifyCancel(context.Context, types.ChainID, string, json.RawMessage) (string, error) {
	return "", errors.New("signed cancellation requires a configured signature scheme")
}
