package cockroach

import "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"

var (
	_ repository.ConversationRepository = (*ConversationRepository)(nil)
	_ repository.CallRepository         = (*CallRepository)(nil)
)
