package futures_usdt

import (
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"

	"futures-worker/pkg/exchanges/common"
)

// Exchange codes meaning the order is unknown to the matching engine.
const (
	codeUnknownOrder  = -2011
	codeOrderNotExist = -2013
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps an HTTP failure onto the shared error classes.
func classify(op string, status int, body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Msg == "" {
		ae.Msg = strings.TrimSpace(string(body))
	}
	e := &common.ExchangeError{Op: op, Status: status, Code: ae.Code, Message: redact(ae.Msg, "")}

	switch {
	case ae.Code == codeUnknownOrder || ae.Code == codeOrderNotExist:
		e.Class = common.ErrNotFound
	case status == 401:
		e.Class = common.ErrAuth
	case status == 403:
		e.Class = common.ErrForbidden
	case status == 418 || status == 429:
		e.Class = common.ErrRateLimited
	case status >= 500:
		e.Class = common.ErrExchangeDown
	case status == 404:
		e.Class = common.ErrNotFound
	default:
		e.Class = common.ErrBadRequest
	}
	return e
}

// neverSent reports whether err happened before any byte reached the exchange.
func neverSent(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

var sensitiveParam = regexp.MustCompile(`(signature|timestamp|recvWindow)=[^&\s"]*`)

// redact strips signing material (and the API key when given) from s.
func redact(s, apiKey string) string {
	s = sensitiveParam.ReplaceAllString(s, "$1=***")
	if apiKey != "" {
		s = strings.ReplaceAll(s, apiKey, "***")
	}
	return s
}
