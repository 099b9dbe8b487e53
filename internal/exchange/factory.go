package exchange

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SupportedExchanges lists every venue with a concrete Adapter.
var SupportedExchanges = []string{
	"bybit",
	"bitget",
	"okx",
	"gate",
	"htx",
	"bingx",
}

// NewExchange constructs the Adapter for name. log may be nil in tests.
func NewExchange(name string, log *zap.SugaredLogger) (Adapter, error) {
	switch strings.ToLower(name) {
	case "bybit":
		return NewBybitAdapter(log), nil
	case "bitget":
		return NewBitgetAdapter(log), nil
	case "okx":
		return NewOKXAdapter(log), nil
	case "gate":
		return NewGateAdapter(log), nil
	case "htx":
		return NewHTXAdapter(log), nil
	case "bingx":
		return NewBingXAdapter(log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported reports whether name has a concrete Adapter.
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
