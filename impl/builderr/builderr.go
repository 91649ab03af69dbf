// Package builderr has the error taxonomy for an image build. Every error
// surfaced by the build pipeline is one of the four kinds here, and every one
// of them aborts the build. Callers test the kind with errors.As, and the
// sentinels with errors.Is.
package builderr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means a blob was requested that is not in the store
	ErrNotFound = errors.New("not found")
	// ErrPlatformNotFound means an image index had no entry for the requested os/arch
	ErrPlatformNotFound = errors.New("platform not found")
	// ErrDigestMismatch means content did not hash to the digest it was fetched by
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrOutputExists means the output directory is present and may not be replaced
	ErrOutputExists = errors.New("output directory exists")
)

// StorageError is a filesystem failure reading or writing a blob or a document.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage: %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PackagingError is a failure turning a directory into a layer archive.
type PackagingError struct {
	Op  string
	Dir string
	Err error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("packaging: %s %s: %s", e.Op, e.Dir, e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// RegistryError is an HTTP failure, a malformed response, or an unmatched platform
// when talking to an upstream registry. StatusCode is zero if the failure did not
// come from an HTTP response.
type RegistryError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *RegistryError) Error() string {
	var sb strings.Builder
	sb.WriteString("registry: ")
	sb.WriteString(e.Op)
	if e.URL != "" {
		sb.WriteString(" ")
		sb.WriteString(e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	return sb.String()
}

func (e *RegistryError) Unwrap() error { return e.Err }

// ToolchainError is an external command that could not be run or that exited
// non-zero. Output has the combined stdout/stderr of the command.
type ToolchainError struct {
	Cmd    []string
	Output string
	Err    error
}

func (e *ToolchainError) Error() string {
	msg := fmt.Sprintf("toolchain: %s: %s", strings.Join(e.Cmd, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ToolchainError) Unwrap() error { return e.Err }

// Storage wraps err in a StorageError. A nil err returns nil.
func Storage(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// Packaging wraps err in a PackagingError. A nil err returns nil.
func Packaging(op, dir string, err error) error {
	if err == nil {
		return nil
	}
	return &PackagingError{Op: op, Dir: dir, Err: err}
}

// Registry wraps err in a RegistryError. A nil err returns nil.
func Registry(op, url string, status int, err error) error {
	if err == nil {
		return nil
	}
	return &RegistryError{Op: op, URL: url, StatusCode: status, Err: err}
}

// Kind returns the name of the taxonomy bucket the passed error falls in, or
// the empty string if it is not one of the build errors.
func Kind(err error) string {
	var (
		se *StorageError
		pe *PackagingError
		re *RegistryError
		te *ToolchainError
	)
	switch {
	case errors.As(err, &re):
		return "RegistryError"
	case errors.As(err, &pe):
		return "PackagingError"
	case errors.As(err, &se):
		return "StorageError"
	case errors.As(err, &te):
		return "ToolchainError"
	}
	return ""
}
