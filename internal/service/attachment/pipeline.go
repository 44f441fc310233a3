// Package attachment uploads files to the object store before their message is appended.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/storage"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/sanitize"
)

// sniffLen is how much of a file is buffered for type detection
const sniffLen = 3072

// errBodyClosed is returned to a store that keeps reading after its Put returned
var errBodyClosed = errors.New("upload body closed")

// Pipeline validates and uploads attachments
type Pipeline struct {
	store        storage.ObjectStore
	maxSize      int64
	allowedTypes []string
	now          func() time.Time
	// policy retries interrupted transfers of seekable files
	policy resilience.Policy
}

// NewPipeline creates a pipeline backed by store
func NewPipeline(store storage.ObjectStore, cfg config.StorageConfig) *Pipeline {
	return &Pipeline{
		store:        store,
		maxSize:      cfg.MaxFileSize,
		allowedTypes: cfg.AllowedTypes,
		now:          time.Now,
		policy:       resilience.DefaultPolicy(),
	}
}

// ObjectKey returns the storage path of an upload
func ObjectKey(conversationID string, at time.Time, filename string) string {
	return fmt.Sprintf("conversations/%s/%d_%s", conversationID, at.UnixMilli(), sanitize.Filename(filename))
}

// Upload starts uploading f in the background and returns its task immediately
func (p *Pipeline) Upload(ctx context.Context, conversationID string, f domain.File) *UploadTask {
	ctx, cancel := context.WithCancel(ctx)
	task := &UploadTask{
		progress: make(chan float64, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go task.run(ctx, func(ctx context.Context) (*domain.Attachment, error) {
		return p.upload(ctx, conversationID, f, task.report)
	})
	return task
}

func (p *Pipeline) upload(ctx context.Context, conversationID string, f domain.File, report func(float64)) (*domain.Attachment, error) {
	if f.Content == nil {
		return nil, apperrors.MissingFieldError("content")
	}
	if p.maxSize > 0 && f.Size > p.maxSize {
		return nil, apperrors.QuotaExceededError(fmt.Sprintf("file exceeds %d bytes", p.maxSize))
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(f.Content, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, apperrors.UploadNetworkError(err)
	}
	header = header[:n]

	detected := mimetype.Detect(header)
	if !p.allowed(detected) {
		return nil, apperrors.UnsupportedTypeError(detected.String())
	}
	mimeType := baseType(detected.String())

	key := ObjectKey(conversationID, p.now(), f.Filename)

	// Only a seekable source can be sent again after an interrupted transfer.
	policy := p.policy
	seeker, seekable := f.Content.(io.Seeker)
	if !seekable {
		policy.MaxAttempts = 1
	}

	var (
		body    *progressReader
		attempt int
	)
	err = resilience.Retry(ctx, policy, "attachment.put", func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if _, err := seeker.Seek(int64(n), io.SeekStart); err != nil {
				return resilience.Permanent(apperrors.UploadNetworkError(err))
			}
		}
		body = &progressReader{
			r:      io.MultiReader(bytes.NewReader(header), f.Content),
			total:  f.Size,
			limit:  p.maxSize,
			report: report,
		}
		err := p.store.Put(ctx, key, body, f.Size, mimeType)
		body.close()
		if err != nil && body.exceeded() {
			return resilience.Permanent(apperrors.QuotaExceededError(fmt.Sprintf("file exceeds %d bytes", p.maxSize)))
		}
		return err
	})
	if err != nil {
		p.release(key)
		if ctx.Err() != nil {
			return nil, apperrors.UploadCancelledError()
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		p.release(key)
		return nil, apperrors.UploadCancelledError()
	}

	url, err := p.store.URL(ctx, key)
	if err != nil {
		p.release(key)
		return nil, err
	}

	size := body.count()
	metrics.UploadBytesTotal.Add(float64(size))
	return &domain.Attachment{
		URL:          url,
		MimeCategory: domain.CategoryOf(mimeType),
		MimeType:     mimeType,
		Filename:     sanitize.DisplayFilename(f.Filename),
		Size:         size,
		ObjectKey:    key,
	}, nil
}

// release removes a partial object. It runs detached from the upload context,
// which is usually cancelled by the time this is called.
func (p *Pipeline) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	if err := p.store.Remove(ctx, key); err != nil {
		logger.Warn("Failed to release partial upload",
			zap.String("object_key", key),
			zap.Error(err))
	}
}

func (p *Pipeline) allowed(detected *mimetype.MIME) bool {
	if len(p.allowedTypes) == 0 {
		return true
	}
	for m := detected; m != nil; m = m.Parent() {
		mt := baseType(m.String())
		for _, pattern := range p.allowedTypes {
			if strings.HasSuffix(pattern, "/*") {
				if strings.HasPrefix(mt, strings.TrimSuffix(pattern, "*")) {
					return true
				}
				continue
			}
			if m.Is(pattern) {
				return true
			}
		}
	}
	return false
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

// Result is the outcome of UploadAll
type Result struct {
	// Attachments holds the successful uploads in input order.
	Attachments []domain.Attachment
	// Failures maps the input index of each failed file to its error.
	Failures map[int]error
}

// ProgressFunc receives per-file progress from UploadAll
type ProgressFunc func(index int, fraction float64)

// UploadAll uploads files concurrently. One failure does not cancel the others.
func (p *Pipeline) UploadAll(ctx context.Context, conversationID string, files []domain.File, onProgress ProgressFunc) *Result {
	results := make([]*domain.Attachment, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(constants.MaxAttachmentsPerMessage)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			task := p.Upload(ctx, conversationID, f)
			for frac := range task.Progress() {
				if onProgress != nil {
					onProgress(i, frac)
				}
			}
			results[i], errs[i] = task.Wait()
			return nil
		})
	}
	_ = g.Wait()

	out := &Result{Failures: make(map[int]error)}
	for i := range files {
		if errs[i] != nil {
			out.Failures[i] = errs[i]
			kind := "other"
			if appErr := apperrors.GetAppError(errs[i]); appErr != nil {
				kind = strings.ToLower(string(appErr.Code))
			}
			metrics.UploadFailuresTotal.WithLabelValues(kind).Inc()
			logger.FromContext(ctx).Warn("Attachment upload failed",
				zap.String("conversation_id", conversationID),
				zap.String("filename", files[i].Filename),
				zap.Error(errs[i]))
			continue
		}
		out.Attachments = append(out.Attachments, *results[i])
	}
	return out
}

// UploadTask is a single cancellable upload
type UploadTask struct {
	progress chan float64
	done     chan struct{}
	cancel   context.CancelFunc

	// mu guards progress against reports that race with the upload finishing
	mu       sync.Mutex
	finished bool

	result *domain.Attachment
	err    error
}

func (t *UploadTask) run(ctx context.Context, fn func(context.Context) (*domain.Attachment, error)) {
	defer close(t.done)
	defer t.finish()
	defer t.cancel()

	att, err := fn(ctx)
	if err == nil {
		t.report(1)
		metrics.UploadsTotal.WithLabelValues(string(att.MimeCategory), "success").Inc()
	} else {
		metrics.UploadsTotal.WithLabelValues("unknown", "failure").Inc()
	}
	t.result, t.err = att, err
}

func (t *UploadTask) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	close(t.progress)
}

// report publishes the latest fraction, replacing an unread older value.
// Reports after the upload finished are ignored.
func (t *UploadTask) report(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	select {
	case t.progress <- fraction:
		return
	default:
	}
	select {
	case <-t.progress:
	default:
	}
	select {
	case t.progress <- fraction:
	default:
	}
}

// Progress streams upload fractions between 0 and 1. It is closed when the upload finishes.
// Slow readers only see the most recent value.
func (t *UploadTask) Progress() <-chan float64 {
	return t.progress
}

// Wait blocks until the upload finishes
func (t *UploadTask) Wait() (*domain.Attachment, error) {
	<-t.done
	return t.result, t.err
}

// Done is closed when the upload finishes
func (t *UploadTask) Done() <-chan struct{} {
	return t.done
}

// Cancel aborts the upload and releases any partial object
func (t *UploadTask) Cancel() {
	t.cancel()
}

// progressReader counts bytes and enforces the size limit for uploads of unknown size.
// Once closed it refuses further reads, so a store that keeps draining the body after
// Put returned never touches the source file.
type progressReader struct {
	r      io.Reader
	total  int64
	limit  int64
	report func(float64)

	mu        sync.Mutex
	read      int64
	overLimit bool
	closed    bool
}

func (pr *progressReader) Read(b []byte) (int, error) {
	pr.mu.Lock()
	if pr.closed {
		pr.mu.Unlock()
		return 0, errBodyClosed
	}
	pr.mu.Unlock()

	n, err := pr.r.Read(b)

	pr.mu.Lock()
	pr.read += int64(n)
	read, closed := pr.read, pr.closed
	if pr.limit > 0 && read > pr.limit {
		pr.overLimit = true
		pr.mu.Unlock()
		return n, apperrors.QuotaExceededError(fmt.Sprintf("file exceeds %d bytes", pr.limit))
	}
	pr.mu.Unlock()

	if !closed && n > 0 && pr.total > 0 && pr.report != nil {
		frac := float64(read) / float64(pr.total)
		if frac > 0.99 {
			// 1.0 is reserved for a confirmed upload.
			frac = 0.99
		}
		pr.report(frac)
	}
	return n, err
}

func (pr *progressReader) close() {
	pr.mu.Lock()
	pr.closed = true
	pr.mu.Unlock()
}

func (pr *progressReader) count() int64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.read
}

func (pr *progressReader) exceeded() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.overLimit
}

// Discard removes uploaded objects whose message was never stored
func (p *Pipeline) Discard(attachments []domain.Attachment) {
	for _, a := range attachments {
		if a.ObjectKey != "" {
			p.release(a.ObjectKey)
		}
	}
}

// URL returns a fresh link to an attachment of conversationID. Links handed out at
// upload time may expire; clients call this when one stops working.
func (p *Pipeline) URL(ctx context.Context, conversationID, objectKey string) (string, error) {
	prefix := fmt.Sprintf("conversations/%s/", conversationID)
	if !strings.HasPrefix(objectKey, prefix) || strings.Contains(objectKey, "..") {
		return "", apperrors.NotFoundError("Attachment")
	}
	url, err := p.store.URL(ctx, objectKey)
	if err != nil {
		return "", apperrors.StorageError(err)
	}
	return url, nil
}
