// Package translation stores translated variants of messages for participants
// whose language differs from the author's.
package translation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
)

type job struct {
	message *domain.Message
	// source is the author's language; empty means the canonical language
	source    string
	languages []string
}

// Pipeline translates appended messages on a fixed pool of workers
type Pipeline struct {
	translator Translator
	messages   repository.MessageRepository
	bus        realtime.Bus
	canonical  string
	workers    int
	timeout    time.Duration
	policy     resilience.Policy

	jobs     chan job
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPipeline creates a stopped pipeline. Call Start to run the workers.
func NewPipeline(translator Translator, messages repository.MessageRepository, bus realtime.Bus, cfg config.TranslationConfig) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queue := cfg.QueueSize
	if queue < 1 {
		queue = 1
	}
	canonical := cfg.CanonicalLanguage
	if canonical == "" {
		canonical = "en"
	}
	return &Pipeline{
		translator: translator,
		messages:   messages,
		bus:        bus,
		canonical:  canonical,
		workers:    workers,
		timeout:    cfg.Timeout,
		policy:     resilience.DefaultPolicy(),
		jobs:       make(chan job, queue),
		stop:       make(chan struct{}),
	}
}

// CanonicalLanguage is assumed for authors without a preferred language
func (p *Pipeline) CanonicalLanguage() string {
	return p.canonical
}

// Start runs the workers until ctx ends or Stop is called
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logger.Info("Translation pipeline started", zap.Int("workers", p.workers))
}

// Stop signals the workers and waits for in-flight jobs
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// MessageSent enqueues msg when any participant needs another language.
// It never blocks the sender: a full queue drops the job.
func (p *Pipeline) MessageSent(ctx context.Context, conv *domain.Conversation, msg *domain.Message) {
	if msg.Kind != domain.MessageText || msg.Content == "" {
		return
	}
	source := p.sourceLanguage(conv, msg.SenderID)
	languages := p.neededLanguages(conv, source)
	if len(languages) == 0 {
		return
	}

	select {
	case p.jobs <- job{message: msg.Clone(), source: source, languages: languages}:
	default:
		metrics.TranslationQueueDroppedTotal.Inc()
		logger.Warn("Translation queue full, dropping message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID))
	}
}

func (p *Pipeline) sourceLanguage(conv *domain.Conversation, senderID string) string {
	if lang := conv.ParticipantInfo[senderID].Language; lang != "" {
		return lang
	}
	return p.canonical
}

// neededLanguages lists the roster's languages other than source. Participants
// without a preference read the canonical language.
func (p *Pipeline) neededLanguages(conv *domain.Conversation, source string) []string {
	languages := conv.Languages()
	for _, id := range conv.Participants {
		if conv.ParticipantInfo[id].Language == "" {
			languages = append(languages, p.canonical)
			break
		}
	}

	var out []string
	seen := map[string]bool{source: true}
	for _, lang := range languages {
		if !seen[lang] {
			seen[lang] = true
			out = append(out, lang)
		}
	}
	return out
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case j := <-p.jobs:
			p.process(ctx, j)
		}
	}
}

// process translates once per language. A failed language is left absent so
// readers fall back to the canonical content.
func (p *Pipeline) process(ctx context.Context, j job) {
	for _, lang := range j.languages {
		if _, ok := j.message.Translations[lang]; ok {
			continue
		}
		text, err := p.translate(ctx, j.message.Content, j.source, lang)
		if err != nil {
			metrics.TranslationRequestsTotal.WithLabelValues(lang, "failure").Inc()
			logger.Warn("Translation failed",
				zap.String("message_id", j.message.ID),
				zap.String("language", lang),
				zap.Error(err))
			continue
		}
		metrics.TranslationRequestsTotal.WithLabelValues(lang, "success").Inc()

		err = resilience.Retry(ctx, p.policy, "translation.store", func(ctx context.Context) error {
			return p.messages.SetTranslation(ctx, j.message.ConversationID, j.message.ID, lang, text)
		})
		if err != nil {
			logger.Warn("Failed to store translation",
				zap.String("message_id", j.message.ID),
				zap.String("language", lang),
				zap.Error(err))
			continue
		}

		patch := &domain.MessagePatch{
			MessageID:      j.message.ID,
			ConversationID: j.message.ConversationID,
			Language:       lang,
			Translation:    text,
		}
		evt := realtime.Event{Type: realtime.EventMessageUpdated, Patch: patch}
		if err := p.bus.Publish(ctx, realtime.ConversationTopic(j.message.ConversationID), evt); err != nil {
			logger.Warn("Failed to publish translation",
				zap.String("message_id", j.message.ID),
				zap.Error(err))
		}
	}
}

func (p *Pipeline) translate(ctx context.Context, text, source, lang string) (string, error) {
	if source == "" {
		source = p.canonical
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { metrics.TranslationDuration.Observe(time.Since(start).Seconds()) }()

	var out string
	err := resilience.Retry(ctx, p.policy, "translation.translate", func(ctx context.Context) error {
		var err error
		out, err = p.translator.Translate(ctx, text, source, lang)
		return err
	})
	return out, err
}
