package domain

import (
	"net/http"

	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

// Sentinel errors shared by repositories and services.
// They are AppErrors so handlers can map them directly; errors.Is matches by code.
var (
	ErrConversationNotFound = apperrors.ConversationNotFoundError()
	ErrMessageNotFound      = apperrors.NotFoundError("Message")
	ErrCallNotFound         = apperrors.CallNotFoundError()
	ErrConversationClosed   = apperrors.ConversationClosedError()
	ErrNotParticipant       = apperrors.NewWithStatus(apperrors.ErrCodeNotParticipant, "Not a participant", http.StatusForbidden)
	ErrChannelBusy          = apperrors.NewWithStatus(apperrors.ErrCodeChannelBusy, "Channel already has a call in progress", http.StatusConflict)
	ErrTransitionConflict   = apperrors.InvalidTransitionError("State changed concurrently")
	ErrEmptyMessage         = apperrors.ValidationError("Message has no content and no attachment")
)
