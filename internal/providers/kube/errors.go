package kube

import (
	"errors"
	"net"

	"github.com/crmarques/fabricsync/faults"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

func classifyAPIError(message string, err error) error {
	var netErr net.Error

	switch {
	case apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err):
		return faults.NewTypedError(faults.AuthError, message, err)
	case apierrors.IsTooManyRequests(err):
		return faults.NewTypedError(faults.RateLimitError, message, err)
	case apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err):
		return faults.NewTypedError(faults.ConflictError, message, err)
	case apierrors.IsNotFound(err):
		return faults.NewTypedError(faults.NotFoundError, message, err)
	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err):
		return faults.NewTypedError(faults.ValidationError, message, err)
	case apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		errors.As(err, &netErr):
		return faults.NewTypedError(faults.TransportError, message, err)
	default:
		return faults.NewTypedError(faults.InternalError, message, err)
	}
}
