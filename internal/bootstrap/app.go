package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/media/livekit"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/attachment"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/call"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/conversation"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/delivery"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/notification"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/translation"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/jwt"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/push"
)

// App holds the wired domain services of one process
type App struct {
	Config  *config.Config
	Backend *Backend
	JWT     *jwt.JWTManager

	Conversations *conversation.Service
	Sender        *conversation.Sender
	Tracker       *delivery.Tracker
	Attachments   *attachment.Pipeline
	// Translation is nil when translation is disabled
	Translation   *translation.Pipeline
	Notifications *notification.Service
	Calls         *call.Engine
	Reaper        *call.Reaper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the services on top of backend
func New(cfg *config.Config, backend *Backend) (*App, error) {
	provider, err := push.NewProvider(cfg.Push)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize push provider: %w", err)
	}

	app := &App{
		Config:  cfg,
		Backend: backend,
		JWT:     jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry),
	}

	app.Conversations = conversation.NewService(backend.Conversations, backend.Messages, backend.Bus, nil)
	app.Tracker = delivery.NewTracker(backend.Conversations, backend.Messages, backend.Unread, backend.Bus)
	app.Attachments = attachment.NewPipeline(backend.Store, cfg.Storage)
	app.Sender = conversation.NewSender(app.Conversations, app.Attachments)
	app.Notifications = notification.NewService(provider, backend.PushTokens, backend.Presence)

	app.Conversations.SetDeliveryObserver(app.Tracker)
	app.Conversations.AddHook(app.Tracker)
	if client := translation.NewClient(cfg.Translation); cfg.Translation.Enabled && client != nil {
		app.Translation = translation.NewPipeline(client, backend.Messages, backend.Bus, cfg.Translation)
		app.Conversations.AddHook(app.Translation)
	}
	app.Conversations.AddHook(app.Notifications)

	var rooms livekit.RoomService = livekit.DetachedRooms{}
	if cfg.LiveKit.URL != "" {
		rooms = livekit.NewRoomClient(cfg.LiveKit)
	} else {
		logger.Warn("LIVEKIT_URL not set, calls connect on signaling only")
	}
	app.Calls = call.NewEngine(
		backend.Calls,
		backend.Bus,
		livekit.NewMediaLayer(rooms, cfg.LiveKit),
		livekit.NewTokenIssuer(cfg.LiveKit),
		app.Conversations,
		cfg.Call,
	)
	app.Calls.SetNotifier(app.Notifications)
	app.Reaper = call.NewReaper(app.Calls)

	return app, nil
}

// Start runs the background workers: translation, the call reaper when
// runReaper is set, and the Redis health check.
func (a *App) Start(ctx context.Context, runReaper bool) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Backend.StartHealthCheck(ctx)
	if a.Translation != nil {
		a.Translation.Start(ctx)
	}
	if runReaper {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Reaper.Run(ctx); err != nil {
				logger.Error("Call reaper exited", zap.Error(err))
			}
		}()
	}
}

// Close stops the workers, detaches live calls, drains pending delivery updates
// and pushes, and closes the backend.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.Translation != nil {
		a.Translation.Stop()
	}
	a.Calls.Close()
	a.Tracker.Close()
	a.Notifications.Wait()
	a.Backend.Close()
}
