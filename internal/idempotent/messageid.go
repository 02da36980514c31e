package idempotent

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"tidemark/internal/exchange"
)

// MessageID extracts the id a repository stores for an exchange. An empty
// result means the exchange has no id.
type MessageID func(*exchange.Exchange) string

func Header(name string) MessageID {
	return func(ex *exchange.Exchange) string { return ex.Header(name) }
}

// JSONPath reads a gjson path from a JSON body.
func JSONPath(path string) MessageID {
	return func(ex *exchange.Exchange) string {
		if !gjson.ValidBytes(ex.Body) {
			return ""
		}
		return gjson.GetBytes(ex.Body, path).String()
	}
}

func ExchangeID() MessageID {
	return func(ex *exchange.Exchange) string { return ex.ID }
}

// ParseMessageID understands "header:<name>", "json:<path>" and "exchange-id".
func ParseMessageID(expr string) (MessageID, error) {
	expr = strings.TrimSpace(expr)
	kind, arg, _ := strings.Cut(expr, ":")
	switch strings.ToLower(kind) {
	case "header":
		if arg == "" {
			return nil, fmt.Errorf("message id %q: header name is required", expr)
		}
		return Header(arg), nil
	case "json", "jsonpath":
		if arg == "" {
			return nil, fmt.Errorf("message id %q: json path is required", expr)
		}
		return JSONPath(arg), nil
	case "exchange-id", "exchange":
		return ExchangeID(), nil
	default:
		return nil, fmt.Errorf("unknown message id expression %q", expr)
	}
}
