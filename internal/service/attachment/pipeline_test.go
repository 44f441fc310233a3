package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/storage"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

// pngHeader is enough for type detection
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func testConfig() config.StorageConfig {
	return config.StorageConfig{
		MaxFileSize:  1024 * 1024,
		AllowedTypes: []string{"image/*", "text/plain", "application/pdf"},
	}
}

func newTestPipeline(store storage.ObjectStore) *Pipeline {
	p := NewPipeline(store, testConfig())
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	p.policy.InitialInterval = time.Millisecond
	return p
}

func pngFile(name string, size int) domain.File {
	content := append([]byte{}, pngHeader...)
	content = append(content, bytes.Repeat([]byte{1}, size-len(pngHeader))...)
	return domain.File{Filename: name, Size: int64(len(content)), Content: bytes.NewReader(content)}
}

func textFile(name, body string) domain.File {
	return domain.File{Filename: name, Size: int64(len(body)), Content: strings.NewReader(body)}
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("a_b", time.UnixMilli(1700000000123), "../My Photo.png")
	assert.Equal(t, "conversations/a_b/1700000000123_My_Photo.png", key)
}

func TestUpload_Success(t *testing.T) {
	store := storage.NewMemoryStore("https://files.test")
	p := newTestPipeline(store)

	task := p.Upload(context.Background(), "a_b", pngFile("photo.png", 64*1024))

	var last float64
	for frac := range task.Progress() {
		assert.GreaterOrEqual(t, frac, last)
		assert.LessOrEqual(t, frac, 1.0)
		last = frac
	}
	assert.Equal(t, 1.0, last)

	att, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, domain.MimeImage, att.MimeCategory)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, "photo.png", att.Filename)
	assert.Equal(t, int64(64*1024), att.Size)
	assert.Equal(t, "https://files.test/"+att.ObjectKey, att.URL)

	stored, ok := store.Get(att.ObjectKey)
	require.True(t, ok)
	assert.Len(t, stored, 64*1024)
}

func TestUpload_UnsupportedType(t *testing.T) {
	store := storage.NewMemoryStore("https://files.test")
	p := newTestPipeline(store)

	exe := domain.File{Filename: "run.exe", Size: 4, Content: bytes.NewReader([]byte{'M', 'Z', 0x90, 0})}
	_, err := p.Upload(context.Background(), "a_b", exe).Wait()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsupportedType))
	assert.Equal(t, 0, store.Len())
}

func TestUpload_DeclaredSizeOverLimit(t *testing.T) {
	store := storage.NewMemoryStore("https://files.test")
	p := newTestPipeline(store)

	f := textFile("big.txt", "x")
	f.Size = 2 * 1024 * 1024
	_, err := p.Upload(context.Background(), "a_b", f).Wait()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeQuotaExceeded))
}

func TestUpload_UnknownSizeOverLimit(t *testing.T) {
	store := storage.NewMemoryStore("https://files.test")
	p := newTestPipeline(store)

	f := textFile("big.txt", strings.Repeat("x", 2*1024*1024))
	f.Size = -1
	_, err := p.Upload(context.Background(), "a_b", f).Wait()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeQuotaExceeded))
	assert.Equal(t, 0, store.Len())
}

// flakyStore fails the first failures Puts with a network error, then stores normally
type flakyStore struct {
	*storage.MemoryStore
	failures int

	mu       sync.Mutex
	attempts int
	removed  []string
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	s.mu.Lock()
	s.attempts++
	fail := s.failures < 0 || s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		_, _ = io.CopyN(io.Discard, r, 10)
		return apperrors.UploadNetworkError(errors.New("connection reset by peer"))
	}
	return s.MemoryStore.Put(ctx, key, r, size, contentType)
}

func (s *flakyStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, key)
	return nil
}

func TestUpload_NetworkErrorReleasesPartialObject(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(""), failures: -1}
	p := newTestPipeline(store)

	_, err := p.Upload(context.Background(), "a_b", textFile("note.txt", "hello world")).Wait()
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, p.policy.MaxAttempts, store.attempts)
	assert.Equal(t, []string{"conversations/a_b/1700000000000_note.txt"}, store.removed)
}

func TestUpload_RetriesNetworkErrorFromStart(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore("https://files.test"), failures: 1}
	p := newTestPipeline(store)

	body := strings.Repeat("relief convoy manifest ", 400)
	att, err := p.Upload(context.Background(), "a_b", textFile("manifest.txt", body)).Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, store.attempts)
	assert.Equal(t, int64(len(body)), att.Size)
	assert.Empty(t, store.removed)

	stored, ok := store.Get(att.ObjectKey)
	require.True(t, ok)
	assert.Equal(t, body, string(stored))
}

func TestUpload_UnseekableSourceNotRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(""), failures: 1}
	p := newTestPipeline(store)

	f := domain.File{Filename: "note.txt", Size: 11, Content: io.MultiReader(strings.NewReader("hello world"))}
	_, err := p.Upload(context.Background(), "a_b", f).Wait()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUploadNetwork))
	assert.Equal(t, 1, store.attempts)
}

// blockingReader serves first and then blocks until release is closed
type blockingReader struct {
	first   []byte
	release chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	if len(b.first) > 0 {
		n := copy(p, b.first)
		b.first = b.first[n:]
		return n, nil
	}
	<-b.release
	return 0, io.ErrUnexpectedEOF
}

// ctxStore honours cancellation while copying
type ctxStore struct {
	*storage.MemoryStore
	removed chan string
}

func (s *ctxStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, r)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return apperrors.UploadCancelledError()
	case err := <-done:
		return err
	}
}

func (s *ctxStore) Remove(ctx context.Context, key string) error {
	s.removed <- key
	return nil
}

func TestUpload_Cancel(t *testing.T) {
	store := &ctxStore{MemoryStore: storage.NewMemoryStore(""), removed: make(chan string, 1)}
	p := newTestPipeline(store)

	reader := &blockingReader{first: bytes.Repeat([]byte("a"), 4000), release: make(chan struct{})}
	defer close(reader.release)

	task := p.Upload(context.Background(), "a_b", domain.File{Filename: "n.txt", Size: 1000, Content: reader})
	task.Cancel()

	_, err := task.Wait()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUploadCancelled))

	select {
	case key := <-store.removed:
		assert.Equal(t, "conversations/a_b/1700000000000_n.txt", key)
	case <-time.After(time.Second):
		t.Fatal("partial object was not released")
	}
}

func TestUploadAll_KeepsOrderAndReportsFailures(t *testing.T) {
	store := storage.NewMemoryStore("https://files.test")
	p := newTestPipeline(store)

	files := []domain.File{
		pngFile("one.png", 2048),
		{Filename: "bad.exe", Size: 4, Content: bytes.NewReader([]byte{'M', 'Z', 0x90, 0})},
		textFile("three.txt", "third file"),
	}

	var mu sync.Mutex
	seen := map[int]float64{}
	res := p.UploadAll(context.Background(), "a_b", files, func(i int, frac float64) {
		mu.Lock()
		seen[i] = frac
		mu.Unlock()
	})

	require.Len(t, res.Attachments, 2)
	assert.Equal(t, "one.png", res.Attachments[0].Filename)
	assert.Equal(t, "three.txt", res.Attachments[1].Filename)
	require.Contains(t, res.Failures, 1)
	assert.True(t, apperrors.HasCode(res.Failures[1], apperrors.ErrCodeUnsupportedType))
	assert.Equal(t, 1.0, seen[0])
	assert.Equal(t, 1.0, seen[2])
}

func TestURL_ScopedToConversation(t *testing.T) {
	store := storage.NewMemoryStore("http://files.local")
	p := newTestPipeline(store)

	url, err := p.URL(context.Background(), "a_b", "conversations/a_b/1_photo.png")
	require.NoError(t, err)
	assert.Contains(t, url, "conversations/a_b/1_photo.png")

	_, err = p.URL(context.Background(), "a_b", "conversations/a_c/1_photo.png")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	_, err = p.URL(context.Background(), "a_b", "conversations/a_b/../a_c/1_photo.png")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

// lingeringStore returns from Put on cancellation and keeps reading the body afterwards,
// the way an HTTP transport may
type lingeringStore struct {
	*storage.MemoryStore
	lateRead chan error
}

func (s *lingeringStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	buf := make([]byte, 8)
	_, _ = r.Read(buf)
	<-ctx.Done()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, err := r.Read(buf)
		s.lateRead <- err
	}()
	return apperrors.UploadCancelledError()
}

func TestUpload_BodyReadAfterCancelIsRefused(t *testing.T) {
	store := &lingeringStore{MemoryStore: storage.NewMemoryStore(""), lateRead: make(chan error, 1)}
	p := newTestPipeline(store)

	task := p.Upload(context.Background(), "a_b", textFile("note.txt", strings.Repeat("z", 4096)))
	task.Cancel()
	_, err := task.Wait()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUploadCancelled))

	select {
	case err := <-store.lateRead:
		assert.ErrorIs(t, err, errBodyClosed)
	case <-time.After(time.Second):
		t.Fatal("store never read the body again")
	}

	for range task.Progress() {
	}
}
