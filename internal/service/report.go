package service

import "github.com/xiaot623/gogo/runstream/internal/domain"

// Events returns the buffered history of runID after lastSeen.
func (s *Service) Events(runID string, lastSeen *int64) []domain.Event {
	return s.log.GetSince(runID, lastSeen)
}

// LastReport returns the most recent report event of runID.
func (s *Service) LastReport(runID string) (domain.Event, bool) {
	events := s.log.Snapshot(runID)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].IsReport() {
			return events[i], true
		}
	}
	return domain.Event{}, false
}

// RunInfo summarizes runID.
func (s *Service) RunInfo(runID string) domain.RunInfo {
	info := domain.RunInfo{
		RunID:       runID,
		State:       s.State(runID),
		Events:      s.log.Len(runID),
		Subscribers: s.registry.Count(runID),
	}
	if last, ok := s.log.LastSequenceID(runID); ok {
		info.LastSequenceID = &last
	}
	return info
}
