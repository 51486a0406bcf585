package apperrors

import (
	"errors"
	"fmt"
	"sync"
)

// Standardized gateway and ledger errors
var (
	ErrTimeout             = errors.New("request timed out")
	ErrConnectionLost      = errors.New("gateway connection lost")
	ErrPermissionDenied    = errors.New("no data permission for contract")
	ErrInsufficientMembers = errors.New("bundle requires at least two open positions")
	ErrPositionNotFound    = errors.New("open position not found")
	ErrBundleNotFound      = errors.New("bundle not found")
	ErrMalformedIdentity   = errors.New("malformed contract identity")
	ErrNotConnected        = errors.New("gateway not connected")
	ErrInvalidTag          = errors.New("invalid tag")
)

var codesMu sync.RWMutex

// permissionCodes are gateway error codes meaning the account lacks a data
// entitlement for the requested contract.
var permissionCodes = map[int]bool{
	354:   true,
	10089: true,
	10090: true,
	10091: true,
	10167: true,
	10168: true,
	10197: true,
}

// informationalCodes are notices the gateway reports on the error channel
// that do not indicate a failure (data farm connection status).
var informationalCodes = map[int]bool{
	2104: true,
	2106: true,
	2107: true,
	2108: true,
	2158: true,
}

// GatewayError is an error event reported by the gateway for a request id.
// ReqID is -1 for errors not tied to a request.
type GatewayError struct {
	ReqID   int64
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error: req_id=%d code=%d msg=%s", e.ReqID, e.Code, e.Message)
}

// Is maps gateway codes onto the sentinel taxonomy.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrConnectionLost:
		return IsConnectionCode(e.Code)
	case ErrPermissionDenied:
		return IsPermissionCode(e.Code)
	}
	return false
}

// IsConnectionCode reports whether the code signals that the link to the
// gateway is down.
func IsConnectionCode(code int) bool {
	return code >= 500 && code <= 599
}

// IsPermissionCode reports whether the code signals a missing entitlement.
func IsPermissionCode(code int) bool {
	codesMu.RLock()
	defer codesMu.RUnlock()
	return permissionCodes[code]
}

// RegisterPermissionCodes adds codes to the permission set
func RegisterPermissionCodes(codes ...int) {
	codesMu.Lock()
	defer codesMu.Unlock()
	for _, c := range codes {
		permissionCodes[c] = true
	}
}

// IsInformationalCode reports whether the code is a status notice.
func IsInformationalCode(code int) bool {
	return informationalCodes[code]
}
