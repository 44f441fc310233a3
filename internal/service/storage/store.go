// Package storage puts attachment bytes into an object store and hands back durable URLs.
package storage

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strings"

	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
)

// ObjectStore is the media/transfer service used by the attachment pipeline
type ObjectStore interface {
	// Put streams size bytes from r to key. A negative size means unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// URL returns a durable URL for key
	URL(ctx context.Context, key string) (string, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// classify maps a backend error onto the transfer error kinds
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return apperrors.UploadCancelledError()
	}
	if resilience.IsBreakerOpen(err) {
		return apperrors.UploadNetworkError(err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return apperrors.UploadNetworkError(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "entitytoolarge"), strings.Contains(msg, "quota"), strings.Contains(msg, "storage full"):
		return apperrors.QuotaExceededError(err.Error())
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		return apperrors.UploadNetworkError(err)
	}
	return apperrors.StorageError(err)
}
