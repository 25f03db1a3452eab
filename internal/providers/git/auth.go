package git

import (
	"errors"
	"strings"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/go-git/go-git/v5/plumbing/transport"
	httpauth "github.com/go-git/go-git/v5/plumbing/transport/http"
	sshauth "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func authMethod(auth *config.GitAuth) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}

	switch {
	case auth.BasicAuth != nil:
		return &httpauth.BasicAuth{
			Username: auth.BasicAuth.Username,
			Password: auth.BasicAuth.Password,
		}, nil
	case auth.AccessKey != nil:
		return &httpauth.BasicAuth{
			Username: "token",
			Password: auth.AccessKey.Token,
		}, nil
	case auth.SSH != nil:
		username := auth.SSH.User
		if username == "" {
			username = "git"
		}

		keys, err := sshauth.NewPublicKeysFromFile(username, auth.SSH.PrivateKeyFile, auth.SSH.Passphrase)
		if err != nil {
			return nil, faults.NewTypedError(faults.AuthError, "failed to load git ssh auth configuration", err)
		}

		switch {
		case auth.SSH.InsecureIgnoreHostKey:
			keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		case auth.SSH.KnownHostsFile != "":
			callback, err := knownhosts.New(auth.SSH.KnownHostsFile)
			if err != nil {
				return nil, faults.NewTypedError(faults.AuthError, "failed to load git ssh known hosts", err)
			}
			keys.HostKeyCallback = callback
		}
		return keys, nil
	default:
		return nil, validationError("git remote auth configuration is invalid", nil)
	}
}

// classifyRemoteError maps a remote failure to a faults category so the
// coordinator can tell retryable failures apart.
func classifyRemoteError(message string, err error) error {
	lower := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "permission denied"):
		return faults.NewTypedError(faults.AuthError, message, err)
	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429"):
		return faults.NewTypedError(faults.RateLimitError, message, err)
	case strings.Contains(lower, "non-fast-forward") ||
		strings.Contains(lower, "fetch first") ||
		strings.Contains(lower, "rejected"):
		return faults.NewTypedError(faults.ConflictError, message, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return faults.NewTypedError(faults.NotFoundError, message, err)
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "tls") ||
		strings.Contains(lower, "connection") ||
		strings.Contains(lower, "network"):
		return faults.NewTypedError(faults.TransportError, message, err)
	default:
		return faults.NewTypedError(faults.InternalError, message, err)
	}
}

func validationError(message string, cause error) error {
	return faults.NewTypedError(faults.ValidationError, message, cause)
}

func internalError(message string, cause error) error {
	return faults.NewTypedError(faults.InternalError, message, cause)
}
