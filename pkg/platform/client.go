// Package platform is the controller's narrow view of a worker's chat
// platform session: start/stop commands and the send/edit/delete calls the
// forwarding pipeline dispatches through. The platform library itself runs
// inside the worker; this package only speaks the worker's control API.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
)

// CallTimeout is the hard deadline applied to every worker call.
const CallTimeout = 30 * time.Second

// Client is one worker's control surface.
type Client interface {
	// StartSession opens the platform session on the worker using the
	// stored auth blob.
	StartSession(ctx context.Context, sessionID string, authBlob []byte) error
	// StopSession closes the platform session.
	StopSession(ctx context.Context, sessionID string) error
	// Send delivers text to a destination chat and returns the platform
	// message id of the forwarded copy.
	Send(ctx context.Context, sessionID string, destinationChatID int64, text string) (int64, error)
	// Edit rewrites an earlier forwarded message.
	Edit(ctx context.Context, sessionID string, destinationChatID, messageID int64, text string) error
	// Delete removes an earlier forwarded message.
	Delete(ctx context.Context, sessionID string, destinationChatID, messageID int64) error
}

// Event is an inbound platform update as the worker reports it.
type Event struct {
	SessionID    string           `json:"session_id"`
	Kind         models.EventType `json:"kind"`
	SourceChatID int64            `json:"source_chat_id"`
	MessageID    int64            `json:"message_id"`
	MessageType  string           `json:"message_type"`
	Text         string           `json:"text"`
	IsForward    bool             `json:"is_forward"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// FlowControl is the verdict the controller returns on event intake: the
// worker pauses polling when the session's pipeline queue overflows and
// resumes once it drains.
type FlowControl string

const (
	// FlowOK keeps the worker polling normally
	FlowOK FlowControl = "ok"
	// FlowPause tells the worker to stop polling the platform for this
	// session until a resume verdict
	FlowPause FlowControl = "pause"
	// FlowResume lifts an earlier pause
	FlowResume FlowControl = "resume"
)

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("platform %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix. Invalidation
// means the platform session itself is dead and must crash.
type PermanentError struct {
	Op           string
	Invalidation bool
	Err          error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("platform %s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient checks whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent checks whether err is beyond retrying.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsSessionInvalid checks whether err means the platform session died.
func IsSessionInvalid(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.Invalidation
}
