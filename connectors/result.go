package connectors

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ReignProtocol/ReignProtocol/wallet"
)

// Result is the {success, msg, ...payload} envelope returned to the frontend.
type Result map[string]any

// OK starts a successful envelope.
func OK() Result {
	return Result{"success": true}
}

// With adds a payload field.
func (r Result) With(key string, value any) Result {
	r[key] = value
	return r
}

// Fail builds a failed envelope carrying Message(err).
func Fail(err error) Result {
	return Result{"success": false, "msg": Message(err)}
}

// Success reports the envelope's success flag.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

var userFacing = []error{
	ErrEmptyForm,
	ErrNilOpportunity,
	ErrWalletNotInstalled,
	ErrWalletNotConnected,
}

// Message turns an error into the text shown to the user. Revert reasons and
// messages carried in JSON-RPC error data win over the error text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range userFacing {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, wallet.ErrNoWallet) {
		return "please connect your wallet!"
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if msg := dataMessage(dataErr.ErrorData()); msg != "" {
			return msg
		}
	}
	return err.Error()
}

func dataMessage(data any) string {
	switch v := data.(type) {
	case string:
		raw, err := hexutil.Decode(v)
		if err != nil {
			return strings.TrimSpace(v)
		}
		if reason, err := abi.UnpackRevert(raw); err == nil {
			return reason
		}
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}
