package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/platform"
	"github.com/relaymesh/relayd/pkg/store"
)

// ErrNoActiveSession means the user has no running session to dispatch an
// approved message through. The caller keeps the row scheduled and tries
// again on the next poll.
var ErrNoActiveSession = errors.New("pipeline: user has no active session")

// DispatchApproved sends a held message whose delay has elapsed. Delivery
// goes through the same claim-then-send path as live traffic, so a message
// approved twice can still only be forwarded once. A failed or throttled
// send comes back as an error; the caller owns the row's final status.
func (p *Pipeline) DispatchApproved(ctx context.Context, pending *models.PendingMessage) error {
	var (
		session *models.Session
		source  *models.Source
		m       *models.Mapping
	)
	err := p.backend.View(ctx, func(tx store.Tx) error {
		var err error
		m, err = store.Mappings.Get(tx, pending.MappingID)
		if err != nil {
			return fmt.Errorf("load mapping: %w", err)
		}
		source, err = store.Sources.Get(tx, m.SourceID)
		if err != nil {
			return fmt.Errorf("load source: %w", err)
		}
		sessions, err := store.Sessions.ByIndex(tx, store.IndexByUser, pending.UserID)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if s.Status == models.SessionStatusActive {
				session = s
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNoActiveSession
	}

	event := platform.Event{
		SessionID:    session.ID,
		Kind:         models.EventTypeMessage,
		SourceChatID: pending.SourceChatID,
		MessageID:    pending.SourceMsgID,
		MessageType:  "text",
		Text:         string(pending.OriginalContent),
	}

	unlock := p.sourceLocks.lock(source.ID)
	defer unlock()
	return p.forward(ctx, event, session, source, m, string(pending.ProcessedContent), time.Now())
}
