// Package message owns the message lifecycle: validate, create, edit and
// soft delete, all on top of the Store collaborator.
package message

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ticketrelay/pkg/interfaces"
	"ticketrelay/pkg/types"
)

// CreateRequest is a send after decoding. TicketID is the effective ticket,
// already resolved against the session binding.
type CreateRequest struct {
	TicketID      int64
	Body          string
	IsInternal    bool
	ReplyToID     *int64
	ReplySnapshot string
}

// Payload returns the validated subset of the request.
func (r CreateRequest) Payload() types.MessagePayload {
	return types.MessagePayload{TicketID: r.TicketID, Body: r.Body, ReplyToID: r.ReplyToID}
}

// Service implements message operations.
type Service struct {
	store  interfaces.Store
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source for edit and delete timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a message service backed by store.
func NewService(store interfaces.Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger.With().Str("component", "message").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate collects every violation in the payload.
func (s *Service) Validate(p types.MessagePayload) []types.ErrorKind {
	return p.Validate()
}

// Sanitize trims and collapses whitespace.
func (s *Service) Sanitize(body string) string {
	return types.Sanitize(body)
}

// Create validates, sanitizes and persists a message authored by identity.
func (s *Service) Create(ctx context.Context, req CreateRequest, identity types.Identity) (*types.Message, error) {
	if identity.IsZero() {
		return nil, types.ErrUnauthenticatedSession
	}
	if err := types.NewValidationError(s.Validate(req.Payload())); err != nil {
		return nil, err
	}

	msg := &types.Message{
		TicketID:   req.TicketID,
		Body:       s.Sanitize(req.Body),
		SenderRef:  identity.SenderRef(),
		SenderName: identity.Name,
		IsInternal: req.IsInternal && identity.Kind == types.IdentityRegistered,
		IsVisible:  true,
	}

	if req.ReplyToID != nil {
		if err := s.checkReplyTarget(ctx, req.TicketID, *req.ReplyToID); err != nil {
			return nil, err
		}
		replyTo := *req.ReplyToID
		msg.ReplyToID = &replyTo
		msg.ReplySnapshot = types.TruncateRunes(s.Sanitize(req.ReplySnapshot), types.MaxReplySnapshotLength)
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Error().Err(err).
			Int64("ticket_id", req.TicketID).
			Str("identity_kind", string(identity.Kind)).
			Str("identity_id", identity.SubjectID()).
			Msg("failed to persist message")
		return nil, err
	}

	sender := msg.ResolveSender()
	msg.Sender = &sender
	return msg, nil
}

func (s *Service) checkReplyTarget(ctx context.Context, ticketID, replyToID int64) error {
	target, err := s.store.GetMessage(ctx, replyToID)
	if types.IsNotFound(err) {
		return &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindReplyToNotFound}}
	}
	if err != nil {
		return err
	}
	if target.TicketID != ticketID {
		return &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindReplyToNotFound}}
	}
	return nil
}

// Edit replaces the body of a message the caller sent. A message that does
// not exist is indistinguishable from one sent by someone else.
func (s *Service) Edit(ctx context.Context, messageID int64, newBody string, identity types.Identity) (*types.Message, error) {
	if identity.IsZero() {
		return nil, types.ErrUnauthenticatedSession
	}
	var kinds []types.ErrorKind
	if messageID <= 0 {
		kinds = append(kinds, types.ErrKindMessageIDInvalid)
	}
	kinds = append(kinds, types.ValidateBody(newBody)...)
	if err := types.NewValidationError(kinds); err != nil {
		return nil, err
	}

	ref := identity.SenderRef()
	if ref.IsEmpty() {
		return nil, types.ErrNotSenderOfMessage
	}

	existing, err := s.store.FindMessageBySender(ctx, messageID, ref)
	if types.IsNotFound(err) {
		return nil, types.ErrNotSenderOfMessage
	}
	if err != nil {
		return nil, err
	}
	if existing.IsDeleted {
		return nil, types.ErrMessageDeleted
	}

	updated, err := s.store.UpdateMessageBody(ctx, messageID, ref, s.Sanitize(newBody), s.now())
	if types.IsNotFound(err) {
		// deleted between lookup and update
		return nil, types.ErrMessageDeleted
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("message_id", messageID).Msg("failed to update message")
		return nil, err
	}

	sender := updated.ResolveSender()
	updated.Sender = &sender
	return updated, nil
}

// SoftDelete hides a message the caller sent. Deleting twice succeeds and
// keeps the first deletion time.
func (s *Service) SoftDelete(ctx context.Context, messageID int64, identity types.Identity) (*types.Message, error) {
	if identity.IsZero() {
		return nil, types.ErrUnauthenticatedSession
	}
	if messageID <= 0 {
		return nil, &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindMessageIDInvalid}}
	}

	ref := identity.SenderRef()
	if ref.IsEmpty() {
		return nil, types.ErrNotSenderOfMessage
	}

	deleted, err := s.store.SoftDeleteMessage(ctx, messageID, ref, s.now())
	if types.IsNotFound(err) {
		return nil, types.ErrNotSenderOfMessage
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("message_id", messageID).Msg("failed to delete message")
		return nil, err
	}

	sender := deleted.ResolveSender()
	deleted.Sender = &sender
	return deleted, nil
}

// IsClientError reports whether err is a per-event failure the caller
// caused, as opposed to a persistence fault.
func IsClientError(err error) bool {
	var ve *types.ValidationError
	var rl *types.RateLimitError
	return errors.As(err, &ve) ||
		errors.As(err, &rl) ||
		errors.Is(err, types.ErrNotSenderOfMessage) ||
		errors.Is(err, types.ErrMessageDeleted) ||
		errors.Is(err, types.ErrUnauthenticatedSession) ||
		errors.Is(err, types.ErrAuthorizationDenied) ||
		errors.Is(err, types.ErrTicketNotFound) ||
		errors.Is(err, types.ErrUnknownEvent) ||
		errors.Is(err, types.ErrMalformedPayload)
}
