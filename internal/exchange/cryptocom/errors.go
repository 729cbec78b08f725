package cryptocom

import (
	"errors"
	"fmt"

	"cryptotrader/internal/core"
)

// APIError is a non-zero response code from the exchange.
type APIError struct {
	Code    int64
	Message string
	Method  string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exchange error %d on %s", e.Code, e.Method)
	}
	return fmt.Sprintf("exchange error %d on %s: %s", e.Code, e.Method, e.Message)
}

const (
	apiCodeUnauthorized    = 10002
	apiCodeIPIllegal       = 10003
	apiCodeBadRequest      = 10004
	apiCodeInvalidNonce    = 10007
	apiCodeDuplicateRecord = 20001
	apiCodeNegativeBalance = 20002
)

// wrapAPIError attaches the sentinel error kinds callers branch on, the same
// way code/message pairs are classified at the transport boundary elsewhere
// in the repo.
func wrapAPIError(method string, code int64, message string) error {
	apiErr := APIError{Code: code, Message: message, Method: method}
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	switch apiErr.Code {
	case apiCodeUnauthorized, apiCodeIPIllegal, apiCodeInvalidNonce:
		kinds = append(kinds, core.ErrAuthenticationFailed)
	case apiCodeDuplicateRecord:
		kinds = append(kinds, core.ErrDuplicateOrder)
	case apiCodeNegativeBalance:
		kinds = append(kinds, core.ErrInsufficientBalanceData)
	}
	if apiErr.Method == methodCreateOrder && !errorKindsContain(kinds, core.ErrDuplicateOrder) {
		kinds = append(kinds, core.ErrOrderRejected)
	}
	if apiErr.Method == methodAuth && !errorKindsContain(kinds, core.ErrAuthenticationFailed) {
		kinds = append(kinds, core.ErrAuthenticationFailed)
	}
	return kinds
}

func errorKindsContain(kinds []error, kind error) bool {
	for _, existing := range kinds {
		if existing == kind {
			return true
		}
	}
	return false
}

// AsAPIError unwraps the exchange error from a classified chain.
func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
