// Package source opens image locators as byte streams. Every Open call
// returns a fresh, independent stream.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	SchemeFile = "file"
	SchemeS3   = "s3"
)

var ErrUnsupportedScheme = errors.New("unsupported source scheme")

type Resolver interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Mux dispatches on the locator scheme. Locators without a scheme are
// treated as local paths.
type Mux struct {
	resolvers map[string]Resolver
}

func NewMux() *Mux {
	return &Mux{resolvers: map[string]Resolver{SchemeFile: File{}}}
}

func (m *Mux) Handle(scheme string, r Resolver) {
	m.resolvers[strings.ToLower(scheme)] = r
}

func (m *Mux) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	scheme := Scheme(locator)
	r, ok := m.resolvers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return r.Open(ctx, locator)
}

// Scheme returns the lower-cased scheme of locator, "file" when absent.
func Scheme(locator string) string {
	i := strings.Index(locator, "://")
	if i <= 0 {
		return SchemeFile
	}
	return strings.ToLower(locator[:i])
}

type File struct{}

func (File) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := FilePath(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return f, nil
}

// FilePath maps a plain path or file:// locator to a local path.
func FilePath(locator string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(locator), "file://") {
		if strings.TrimSpace(locator) == "" {
			return "", errors.New("empty source locator")
		}
		return filepath.Clean(locator), nil
	}

	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse file locator: %w", err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file locator with remote host %q", u.Host)
	}
	if u.Path == "" {
		return "", errors.New("file locator without path")
	}
	return filepath.FromSlash(u.Path), nil
}
