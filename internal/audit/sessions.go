package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/trail"
)

type openInput struct {
	Name       string `json:"name" validate:"required,max=200"`
	LocationID int64  `json:"location_id" validate:"required,gt=0"`
}

// OpenSession starts a new audit at a location. Only one session may be open
// at a time; the database rejects a second one atomically.
func (s *Service) OpenSession(ctx context.Context, actor model.Actor, name string, locationID int64) (*model.AuditSession, error) {
	if err := s.require(ctx, actor, model.CapAuditOpen); err != nil {
		return nil, err
	}

	in := openInput{Name: strings.TrimSpace(name), LocationID: locationID}
	if err := s.validate.Struct(in); err != nil {
		return nil, InvalidFields(err)
	}

	loc, err := store.GetActiveLocation(ctx, s.db, in.LocationID)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, newError(KindInvalidInput, "unknown location %d", in.LocationID)
	}

	session, err := store.CreateAuditSession(ctx, s.db, s.codes.Code(), in.Name, loc.ID, actorRef(actor), s.clock())
	if errors.Is(err, store.ErrDuplicate) {
		return nil, codedError(ErrSessionOpen, "another audit session is already open")
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("audit session opened",
		zap.Int64("session_id", session.ID),
		zap.String("code", session.Code),
		zap.String("location", loc.Code),
		zap.String("actor", actor.Username),
	)
	s.metrics.Sessions.WithLabelValues("opened").Inc()
	s.emitter.Emit(ctx, events.SessionOpened, session)
	s.trail.LogAction(ctx, actor, trail.AuditOpen,
		fmt.Sprintf("opened audit %q (%s) at %s", session.Name, session.Code, loc.Code),
		"audit_sessions", session.ID)

	return session, nil
}

// CloseSession merges the session's items into the canonical lot store and
// closes it. It returns the closed session.
func (s *Service) CloseSession(ctx context.Context, actor model.Actor, id int64) (*model.AuditSession, error) {
	if err := s.require(ctx, actor, model.CapAuditClose); err != nil {
		return nil, err
	}
	return s.finalize(ctx, actor, id)
}

// DeleteSession removes a session and all of its items. The actor has to
// confirm with their credential.
func (s *Service) DeleteSession(ctx context.Context, actor model.Actor, id int64, secret string) error {
	if err := s.require(ctx, actor, model.CapAuditDelete); err != nil {
		return err
	}
	if !s.verifier.VerifyCredential(ctx, actor, secret) {
		return newError(KindUnauthorized, "credential verification failed")
	}

	session, err := store.GetAuditSession(ctx, s.db, id)
	if err != nil {
		return err
	}
	if session == nil {
		return newError(KindNotFound, "audit session %d not found", id)
	}
	if session.IsOpen() && !session.AcceptsItems() {
		return codedError(ErrClosing, "audit session %d is being closed", id)
	}

	deleted, err := store.DeleteAuditSession(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !deleted {
		return newError(KindNotFound, "audit session %d not found", id)
	}

	s.logger.Info("audit session deleted",
		zap.Int64("session_id", id),
		zap.String("code", session.Code),
		zap.String("actor", actor.Username),
	)
	s.metrics.Sessions.WithLabelValues("deleted").Inc()
	s.emitter.Emit(ctx, events.SessionDeleted, map[string]any{
		"session_id": id,
		"code":       session.Code,
		"state":      session.State,
	})
	s.trail.LogAction(ctx, actor, trail.AuditDelete,
		fmt.Sprintf("deleted audit %q (%s)", session.Name, session.Code),
		"audit_sessions", id)
	return nil
}

// GetSession returns a session by ID.
func (s *Service) GetSession(ctx context.Context, id int64) (*model.AuditSession, error) {
	session, err := store.GetAuditSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, newError(KindNotFound, "audit session %d not found", id)
	}
	return session, nil
}

// CurrentSession returns the open session.
func (s *Service) CurrentSession(ctx context.Context) (*model.AuditSession, error) {
	session, err := store.GetOpenAuditSession(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, newError(KindNotFound, "no audit session is open")
	}
	return session, nil
}

// ListSessions returns sessions, most recent first. An empty state lists all.
func (s *Service) ListSessions(ctx context.Context, state string) ([]model.AuditSession, error) {
	if state != "" && state != model.AuditStateOpen && state != model.AuditStateClosed {
		return nil, newError(KindInvalidInput, "unknown state %q", state)
	}
	return store.ListAuditSessions(ctx, s.db, state)
}

// actorRef is the nullable user reference stored for an actor.
func actorRef(actor model.Actor) *int64 {
	if actor.ID <= 0 {
		return nil
	}
	id := actor.ID
	return &id
}
