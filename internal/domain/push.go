package domain

import "time"

// PushPlatform identifies the wake-up transport of a device
type PushPlatform string

const (
	PlatformAndroid PushPlatform = "android"
	PlatformIOS     PushPlatform = "ios"
	PlatformWeb     PushPlatform = "web"
)

// PushToken is a registered device of a participant
type PushToken struct {
	ParticipantID string       `json:"participant_id"`
	Token         string       `json:"token" binding:"required"`
	Platform      PushPlatform `json:"platform" binding:"required,oneof=android ios web"`
	// VoIP tokens wake iOS devices for incoming calls.
	VoIP         bool      `json:"voip"`
	RegisteredAt time.Time `json:"registered_at"`
}
