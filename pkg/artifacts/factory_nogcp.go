//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

var errGCSDisabled = errors.New("gcs artifact backend not compiled in (build with -tags gcp)")

func openGCS(context.Context, GCSConfig) (Store, error) {
	return nil, errGCSDisabled
}
