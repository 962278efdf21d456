package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

type ObjectReader interface {
	OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
}

// ObjectStore resolves s3://<key> locators against one configured bucket.
type ObjectStore struct {
	Storage ObjectReader
}

func (o ObjectStore) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if o.Storage == nil {
		return nil, errors.New("storage client is required")
	}

	key, err := ObjectKey(locator)
	if err != nil {
		return nil, err
	}
	return o.Storage.OpenObject(ctx, key)
}

func ObjectKey(locator string) (string, error) {
	if Scheme(locator) != SchemeS3 {
		return "", fmt.Errorf("%w: %q is not an s3 locator", ErrUnsupportedScheme, locator)
	}
	key := strings.TrimLeft(locator[len(SchemeS3)+len("://"):], "/")
	if key == "" {
		return "", errors.New("s3 locator without object key")
	}
	return key, nil
}
