package cassandra

import "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"

var _ repository.MessageRepository = (*MessageRepository)(nil)
