// Package redis implements the counter, presence and device-token repositories on Redis.
package redis

import "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"

var (
	_ repository.UnreadRepository    = (*UnreadRepository)(nil)
	_ repository.PresenceRepository  = (*PresenceRepository)(nil)
	_ repository.PushTokenRepository = (*PushTokenRepository)(nil)
)
