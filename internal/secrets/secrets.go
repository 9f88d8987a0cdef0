// Package secrets resolves credentials such as the MySQL password from
// environment references or mounted secret files. Values are never logged.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
)

const (
	// Secrets are passwords and tokens, not documents
	maxSecretFileSize = 64 * 1024

	// Group or other bits set on a secret file trigger a warning
	permissiveBits = 0o077
)

// ExpandString resolves ${VAR} and ${VAR:-default} references in s. A
// referenced variable that is unset and has no fallback is an error.
func ExpandString(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		value := os.Getenv(name)
		if value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", errors.Newf("missing required environment variable(s): %s", strings.Join(missing, ", ")).
			Component("secrets").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return expanded, nil
}

// ReadFile reads a secret from path, typically a Docker or Kubernetes
// mounted secret. Trailing newlines are trimmed; an empty file is an error.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", fileError(fmt.Errorf("secret file path is empty"), path)
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		return "", fileError(fmt.Errorf("failed to stat secret file: %w", err), clean)
	}
	if !info.Mode().IsRegular() {
		return "", fileError(fmt.Errorf("secret path is not a regular file"), clean)
	}
	if info.Size() > maxSecretFileSize {
		return "", fileError(fmt.Errorf("secret file too large (max %d bytes)", maxSecretFileSize), clean)
	}
	if perm := info.Mode().Perm(); perm&permissiveBits != 0 {
		logger.Global().Module("secrets").Warn("secret file readable by group or others",
			logger.String("path", clean),
			logger.String("mode", fmt.Sprintf("%04o", perm)))
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", fileError(fmt.Errorf("failed to read secret file: %w", err), clean)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fileError(fmt.Errorf("secret file is empty"), clean)
	}
	return secret, nil
}

// Resolve returns the secret from filePath when set, otherwise value with
// environment references expanded. Both empty yields "".
func Resolve(filePath, value string) (string, error) {
	if filePath != "" {
		return ReadFile(filePath)
	}
	return ExpandString(value)
}

func fileError(err error, path string) error {
	return errors.New(err).
		Component("secrets").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
