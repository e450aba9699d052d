package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/picklr-io/ec2-cli/internal/cloud"
)

var (
	unauthorizedCodes = []string{
		"UnauthorizedOperation", "AccessDenied", "AccessDeniedException",
		"AuthFailure", "ExpiredToken", "ExpiredTokenException",
		"InvalidClientTokenId", "UnrecognizedClientException", "OptInRequired",
	}
	throttledCodes = []string{
		"Throttling", "ThrottlingException", "RequestLimitExceeded",
		"TooManyRequestsException", "RequestThrottled", "RequestThrottledException",
	}
	conflictCodes = []string{
		"EntityAlreadyExists", "InvalidGroup.Duplicate", "InvalidSubnet.Conflict",
		"InvalidPermission.Duplicate", "LimitExceeded.Duplicate",
	}
	unavailableCodes = []string{
		"ServiceUnavailable", "ServiceUnavailableException", "Unavailable",
		"InternalError", "InternalFailure", "InternalServerError",
		"RequestTimeout", "RequestTimeoutException", "ServiceFailure",
		"InsufficientInstanceCapacity",
	}
)

// capacityCodes mean the requested instance type cannot be placed right
// now; a launch moves on to the next fallback type.
var capacityCodes = []string{"InsufficientInstanceCapacity", "Unsupported", "InstanceLimitExceeded"}

// classify maps an SDK error onto a cloud.Error tagged with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var ae smithy.APIError
	if !errors.As(err, &ae) {
		// Transport failures and per-attempt timeouts never reached the
		// service's error model.
		return &cloud.Error{Kind: cloud.Unavailable, Op: op, Err: err}
	}
	code := ae.ErrorCode()
	return &cloud.Error{
		Kind:    kindFor(op, code, ae.ErrorMessage()),
		Op:      op,
		Code:    code,
		Message: ae.ErrorMessage(),
		Err:     err,
	}
}

func kindFor(op, code, message string) cloud.Kind {
	switch {
	case code == "NoSuchEntity" || strings.HasSuffix(code, ".NotFound") || code == "ResourceNotFoundException":
		return cloud.NotFound
	case contains(unauthorizedCodes, code):
		return cloud.Unauthorized
	case contains(throttledCodes, code):
		return cloud.Throttled
	case contains(conflictCodes, code):
		return cloud.Conflict
	case contains(unavailableCodes, code):
		return cloud.Unavailable
	case op == "ec2:CreateVpcEndpoint" && strings.Contains(message, "conflicting DNS domain"):
		return cloud.Conflict
	case op == "ec2:RunInstances" && code == "InvalidParameterValue" &&
		strings.Contains(strings.ToLower(message), "instance profile"):
		// A freshly created profile takes a while to become visible to EC2.
		return cloud.Unavailable
	}
	return cloud.Invalid
}

func isCapacity(err error) bool {
	var e *cloud.Error
	return errors.As(err, &e) && contains(capacityCodes, e.Code)
}

func hasCode(err error, code string) bool {
	var e *cloud.Error
	return errors.As(err, &e) && e.Code == code
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
