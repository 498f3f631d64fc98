// Package audit runs stock audit sessions: opening and closing them, recording
// counted items, and merging the counts into the canonical lot store on close.
package audit

import (
	"context"
	"database/sql"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/idgen"
	"github.com/erazemk/popis/internal/metrics"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/trail"
)

// Authorizer decides whether an actor currently holds a capability.
type Authorizer interface {
	Authorize(ctx context.Context, actor model.Actor, capability string) bool
}

// CredentialVerifier checks a secret presented by an actor.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, actor model.Actor, secret string) bool
}

// Emitter publishes events. Delivery is at most once and never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any)
}

// ActionLogger appends to the action trail. Failures are swallowed.
type ActionLogger interface {
	LogAction(ctx context.Context, actor model.Actor, kind, description, table string, recordID int64)
}

// CodeGenerator issues session reference codes.
type CodeGenerator interface {
	Code() string
}

// Options carries the collaborators of a Service. Nil fields get the
// built-in implementations backed by the same database.
type Options struct {
	Authorizer Authorizer
	Verifier   CredentialVerifier
	Emitter    Emitter
	Trail      ActionLogger
	Codes      CodeGenerator
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// Service implements the audit operations.
type Service struct {
	db       *sql.DB
	authz    Authorizer
	verifier CredentialVerifier
	emitter  Emitter
	trail    ActionLogger
	codes    CodeGenerator
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates an audit service.
func NewService(db *sql.DB, opts Options) (*Service, error) {
	s := &Service{
		db:       db,
		authz:    opts.Authorizer,
		verifier: opts.Verifier,
		emitter:  opts.Emitter,
		trail:    opts.Trail,
		codes:    opts.Codes,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		validate: NewValidator(),
		now:      opts.Now,
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.authz == nil {
		s.authz = auth.NewRoleAuthorizer(db, s.logger)
	}
	if s.verifier == nil {
		s.verifier = auth.NewPasswordVerifier(db)
	}
	if s.emitter == nil {
		s.emitter = events.Nop{}
	}
	if s.trail == nil {
		s.trail = trail.NewStore(db, s.logger)
	}
	if s.codes == nil {
		gen, err := idgen.New(1, "AUD")
		if err != nil {
			return nil, err
		}
		s.codes = gen
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) require(ctx context.Context, actor model.Actor, capability string) error {
	if !s.authz.Authorize(ctx, actor, capability) {
		return forbidden(capability)
	}
	return nil
}

// NewValidator reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}
