package memory

import "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"

// Compile-time checks
var (
	_ repository.ConversationRepository = (*ConversationRepository)(nil)
	_ repository.MessageRepository      = (*MessageRepository)(nil)
	_ repository.CallRepository         = (*CallRepository)(nil)
	_ repository.UnreadRepository       = (*UnreadRepository)(nil)
	_ repository.PresenceRepository     = (*PresenceRepository)(nil)
	_ repository.PushTokenRepository    = (*PushTokenRepository)(nil)
)
