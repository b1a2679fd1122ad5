package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/lakeformation/types"
	"github.com/aws/smithy-go"
)

// RetryError is returned once a transient failure outlived the retry budget.
type RetryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

var (
	codeInvalidInput  = (&types.InvalidInputException{}).ErrorCode()
	codeAlreadyExists = (&types.AlreadyExistsException{}).ErrorCode()
)

// IsTransient reports whether err is worth retrying: throttling, internal
// errors and principals that have not yet propagated to the service.
func IsTransient(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	return transientCode(ae.ErrorCode(), ae.ErrorMessage())
}

func transientCode(code, msg string) bool {
	switch code {
	case "ThrottlingException", "ThrottledException", "TooManyRequestsException",
		(&types.ConcurrentModificationException{}).ErrorCode(),
		(&types.InternalServiceException{}).ErrorCode(),
		(&types.OperationTimeoutException{}).ErrorCode():
		return true
	case codeInvalidInput:
		return strings.Contains(msg, "Invalid principal")
	}
	return false
}

// idempotentGrant reports a grant that failed only because it already holds.
func idempotentGrant(code string) bool { return code == codeAlreadyExists }

// idempotentRevoke reports a revoke of a permission that is not held.
func idempotentRevoke(code, msg string) bool {
	return code == codeInvalidInput && strings.Contains(msg, "No permissions revoked")
}

func apiError(err error) (code, msg string, ok bool) {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return "", "", false
	}
	return ae.ErrorCode(), ae.ErrorMessage(), true
}
