package services

import (
	"context"
	"fmt"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// LogFilters narrows and pages a forwarding-log listing.
type LogFilters struct {
	Status    models.LogStatus
	MappingID string
	Limit     int
	Offset    int
}

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// LogService pages the forwarding journal, newest first.
type LogService struct {
	backend store.Backend
}

// NewLogService creates a new LogService.
func NewLogService(backend store.Backend) *LogService {
	return &LogService{backend: backend}
}

// List returns one page of log rows matching the filters.
func (s *LogService) List(ctx context.Context, f LogFilters) ([]*models.ForwardingLog, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, NewValidationError("paging", "limit and offset must be non-negative")
	}
	limit := f.Limit
	if limit == 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	logs := make([]*models.ForwardingLog, 0, limit)
	skip := f.Offset
	err := s.backend.View(ctx, func(tx store.Tx) error {
		return store.ForwardingLogs.AllReverse(tx, func(l *models.ForwardingLog) error {
			if f.Status != "" && l.Status != f.Status {
				return nil
			}
			if f.MappingID != "" && l.MappingID != f.MappingID {
				return nil
			}
			if skip > 0 {
				skip--
				return nil
			}
			logs = append(logs, l)
			if len(logs) >= limit {
				return store.ErrStop
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}
