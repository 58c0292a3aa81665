// Package sessions implements the session event log use cases: cursor-based
// listing for pollers and the append entry point for session-level producers.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/eventtypes"
	"github.com/taskstream-labs/taskstream-go/internal/pagination"
	"github.com/taskstream-labs/taskstream-go/internal/repo"
)

// ErrEventTypeUnknown is returned by Append for types missing from the
// registry.
var ErrEventTypeUnknown = errors.New("event type not registered")

type Service struct {
	events repo.SessionEventLog
	types  *eventtypes.Registry
}

func New(events repo.SessionEventLog, types *eventtypes.Registry) *Service {
	if events == nil || types == nil {
		return nil
	}
	return &Service{events: events, types: types}
}

type ListInput struct {
	SessionID string
	// AfterSequence is the resume cursor; zero means "from the beginning".
	AfterSequence int64
	// AfterEventID is the alternative cursor form, resolved to a sequence
	// when AfterSequence is zero. An unknown id (the event may have been
	// pruned upstream) degrades to "no cursor".
	AfterEventID string
	Limit        int
}

type ListResult struct {
	SessionID     string
	Events        []domain.SessionEvent
	HasMore       bool
	Total         int64
	FirstSequence int64
	LastSequence  int64
}

func (s *Service) List(ctx context.Context, in ListInput) (ListResult, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return ListResult{}, fmt.Errorf("session id is required")
	}
	if in.AfterSequence < 0 {
		return ListResult{}, pagination.ErrInvalidCursor
	}
	limit := pagination.ClampLimit(in.Limit)

	after := in.AfterSequence
	if after == 0 && strings.TrimSpace(in.AfterEventID) != "" {
		sequence, err := s.events.SequenceByEventID(ctx, sessionID, strings.TrimSpace(in.AfterEventID))
		switch {
		case err == nil:
			after = sequence
		case errors.Is(err, repo.ErrNotFound):
			after = 0
		default:
			return ListResult{}, err
		}
	}

	total, err := s.events.CountBySession(ctx, sessionID)
	if err != nil {
		return ListResult{}, err
	}
	window, err := s.events.ListAfter(ctx, sessionID, after, limit+1)
	if err != nil {
		return ListResult{}, err
	}
	events, hasMore := pagination.Trim(window, limit)

	result := ListResult{
		SessionID: sessionID,
		Events:    events,
		HasMore:   hasMore,
		Total:     total,
	}
	if len(events) > 0 {
		result.FirstSequence = events[0].Sequence
		result.LastSequence = events[len(events)-1].Sequence
	}
	return result, nil
}

type AppendInput struct {
	SessionID  string
	Type       string
	Properties domain.Metadata
	Directory  string
}

// Append records a session-level event for observers. The type must be
// registered; payload contents are opaque to the core.
func (s *Service) Append(ctx context.Context, in AppendInput) (domain.SessionEvent, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return domain.SessionEvent{}, fmt.Errorf("session id is required")
	}
	eventType := strings.TrimSpace(in.Type)
	if !s.types.Known(eventType) {
		return domain.SessionEvent{}, fmt.Errorf("%w: %q", ErrEventTypeUnknown, in.Type)
	}
	return s.events.Append(ctx, domain.SessionEvent{
		SessionID:  sessionID,
		Type:       eventType,
		Properties: in.Properties,
		Directory:  strings.TrimSpace(in.Directory),
	})
}
