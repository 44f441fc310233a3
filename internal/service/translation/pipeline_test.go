package translation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/memory"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/idgen"
)

type MockTranslator struct {
	mock.Mock
}

func (m *MockTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	args := m.Called(ctx, text, source, target)
	return args.String(0), args.Error(1)
}

func testConversation() *domain.Conversation {
	return &domain.Conversation{
		ID:           "ben_drv",
		Type:         domain.ConversationDirect,
		Participants: []string{"ben", "drv"},
		ParticipantInfo: map[string]domain.ParticipantInfo{
			"ben": {Name: "Amina", Role: domain.RoleBeneficiary, Language: "ha"},
			"drv": {Name: "John", Role: domain.RoleDriver, Language: "en"},
		},
	}
}

func setup(t *testing.T, tr Translator, queue int) (*Pipeline, *memory.MessageRepository, *realtime.MemoryBus) {
	t.Helper()
	messages := memory.NewMessageRepository()
	bus := realtime.NewMemoryBus()
	p := NewPipeline(tr, messages, bus, config.TranslationConfig{
		CanonicalLanguage: "en",
		Workers:           2,
		QueueSize:         queue,
		Timeout:           time.Second,
	})
	p.policy.InitialInterval = time.Millisecond
	return p, messages, bus
}

func appendMessage(t *testing.T, messages *memory.MessageRepository, content string) *domain.Message {
	t.Helper()
	return appendMessageFrom(t, messages, "drv", content)
}

func appendMessageFrom(t *testing.T, messages *memory.MessageRepository, senderID, content string) *domain.Message {
	t.Helper()
	id, at := idgen.NextString()
	msg := &domain.Message{
		ID:             id,
		ConversationID: "ben_drv",
		SenderID:       senderID,
		Kind:           domain.MessageText,
		Content:        content,
		Status:         domain.StatusSent,
		CreatedAt:      at,
	}
	require.NoError(t, messages.Create(context.Background(), msg))
	return msg
}

func TestPipeline_StoresVariantAndPublishesPatch(t *testing.T) {
	tr := new(MockTranslator)
	tr.On("Translate", mock.Anything, "Hello", "en", "ha").Return("Sannu", nil).Once()

	p, messages, bus := setup(t, tr, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, realtime.ConversationTopic("ben_drv"))
	require.NoError(t, err)
	defer sub.Close()

	p.Start(ctx)
	defer p.Stop()

	msg := appendMessage(t, messages, "Hello")
	p.MessageSent(ctx, testConversation(), msg)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, realtime.EventMessageUpdated, evt.Type)
		require.NotNil(t, evt.Patch)
		assert.Equal(t, msg.ID, evt.Patch.MessageID)
		assert.Equal(t, "ha", evt.Patch.Language)
		assert.Equal(t, "Sannu", evt.Patch.Translation)
	case <-time.After(2 * time.Second):
		t.Fatal("no translation patch published")
	}

	stored, err := messages.GetByID(ctx, "ben_drv", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sannu", stored.TextFor("ha"))
	assert.Equal(t, "Hello", stored.TextFor("en"))
	assert.Equal(t, "Hello", stored.Content)
	tr.AssertExpectations(t)
}

func TestPipeline_FailureLeavesVariantAbsent(t *testing.T) {
	tr := new(MockTranslator)
	tr.On("Translate", mock.Anything, "Hello", "en", "ha").
		Return("", apperrors.TranslationError(errors.New("unsupported language pair")))

	p, messages, _ := setup(t, tr, 8)
	ctx := context.Background()

	msg := appendMessage(t, messages, "Hello")
	p.process(ctx, job{message: msg, languages: []string{"ha"}})

	stored, err := messages.GetByID(ctx, "ben_drv", msg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Translations)
	assert.Equal(t, "Hello", stored.TextFor("ha"))
	// Non-transient errors are not retried.
	tr.AssertNumberOfCalls(t, "Translate", 1)
}

func TestPipeline_RetriesTransientFailures(t *testing.T) {
	tr := new(MockTranslator)
	tr.On("Translate", mock.Anything, "Hello", "en", "ha").
		Return("", apperrors.TransientError(errors.New("503"))).Once()
	tr.On("Translate", mock.Anything, "Hello", "en", "ha").Return("Sannu", nil).Once()

	p, messages, _ := setup(t, tr, 8)
	ctx := context.Background()

	msg := appendMessage(t, messages, "Hello")
	p.process(ctx, job{message: msg, languages: []string{"ha"}})

	stored, err := messages.GetByID(ctx, "ben_drv", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sannu", stored.Translations["ha"])
	tr.AssertExpectations(t)
}

func TestPipeline_TranslatesFromAuthorLanguage(t *testing.T) {
	tr := new(MockTranslator)
	tr.On("Translate", mock.Anything, "Ina ruwa?", "ha", "en").Return("Where is the water?", nil).Once()

	p, messages, _ := setup(t, tr, 8)
	ctx := context.Background()

	msg := appendMessageFrom(t, messages, "ben", "Ina ruwa?")
	p.MessageSent(ctx, testConversation(), msg)
	require.Len(t, p.jobs, 1)
	p.process(ctx, <-p.jobs)

	stored, err := messages.GetByID(ctx, "ben_drv", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Where is the water?", stored.TextFor("en"))
	assert.Equal(t, "Ina ruwa?", stored.TextFor("ha"))
	tr.AssertExpectations(t)
}

func TestPipeline_SkipsWhenNoOtherLanguage(t *testing.T) {
	tr := new(MockTranslator)
	p, messages, _ := setup(t, tr, 1)

	conv := testConversation()
	conv.ParticipantInfo["ben"] = domain.ParticipantInfo{Name: "Amina", Language: "en"}

	p.MessageSent(context.Background(), conv, appendMessage(t, messages, "Hello"))
	assert.Len(t, p.jobs, 0)
}

func TestPipeline_SkipsCallStatusMessages(t *testing.T) {
	tr := new(MockTranslator)
	p, _, _ := setup(t, tr, 1)

	msg := &domain.Message{ID: "x", ConversationID: "ben_drv", Kind: domain.MessageCallStatus, Content: "missed call"}
	p.MessageSent(context.Background(), testConversation(), msg)
	assert.Len(t, p.jobs, 0)
}

func TestPipeline_FullQueueDropsWithoutBlocking(t *testing.T) {
	tr := new(MockTranslator)
	p, messages, _ := setup(t, tr, 1)
	conv := testConversation()

	var batch []*domain.Message
	for i := 0; i < 5; i++ {
		batch = append(batch, appendMessage(t, messages, "Hello"))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, msg := range batch {
			p.MessageSent(context.Background(), conv, msg)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MessageSent blocked on a full queue")
	}
	assert.Len(t, p.jobs, 1)
}
