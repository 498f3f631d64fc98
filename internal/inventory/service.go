// Package inventory maintains canonical lots by hand and keeps each product's
// active lot consistent with the expiry policy.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/audit"
	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/metrics"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/trail"
)

// Service edits canonical lots. Every edit reselects the active lot of the
// affected product and location in the same transaction.
type Service struct {
	db       *sql.DB
	authz    audit.Authorizer
	emitter  audit.Emitter
	trail    audit.ActionLogger
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
}

// NewService creates a lot maintenance service. Collaborators are required.
func NewService(db *sql.DB, authz audit.Authorizer, emitter audit.Emitter, actions audit.ActionLogger, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		db:       db,
		authz:    authz,
		emitter:  emitter,
		trail:    actions,
		metrics:  m,
		logger:   logger,
		validate: audit.NewValidator(),
	}
}

// LotInput is a lot entered by hand.
type LotInput struct {
	ProductCode    string `json:"product_code" validate:"required,max=100"`
	LotNumber      string `json:"lot_number" validate:"required,max=100"`
	LocationID     int64  `json:"location_id" validate:"required,gt=0"`
	QuantityOnHand int    `json:"quantity_on_hand" validate:"gte=0"`
	ExpiryDate     string `json:"expiry_date"`
}

// LotUpdate changes a lot's quantity, expiry, or both.
type LotUpdate struct {
	QuantityOnHand *int    `json:"quantity_on_hand" validate:"omitempty,gte=0"`
	ExpiryDate     *string `json:"expiry_date"`
}

// ListLots returns lots, optionally filtered by product and location.
func (s *Service) ListLots(ctx context.Context, productCode string, locationID int64) ([]model.CanonicalLot, error) {
	return store.ListCanonicalLots(ctx, s.db, strings.TrimSpace(productCode), locationID)
}

// CreateLot adds a lot and reselects the product's active lot.
func (s *Service) CreateLot(ctx context.Context, actor model.Actor, in LotInput) (*model.CanonicalLot, error) {
	if err := s.require(ctx, actor); err != nil {
		return nil, err
	}

	in.ProductCode = strings.TrimSpace(in.ProductCode)
	in.LotNumber = strings.TrimSpace(in.LotNumber)
	in.ExpiryDate = model.NormalizeExpiry(in.ExpiryDate)
	if err := s.validate.Struct(in); err != nil {
		return nil, audit.InvalidFields(err)
	}

	loc, err := store.GetActiveLocation(ctx, s.db, in.LocationID)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, &audit.Error{Kind: audit.KindInvalidInput, Message: fmt.Sprintf("unknown location %d", in.LocationID)}
	}

	var lot *model.CanonicalLot
	err = store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		lot, err = store.CreateCanonicalLot(ctx, tx, in.ProductCode, in.LotNumber, in.LocationID, in.QuantityOnHand, in.ExpiryDate, time.Now().UTC())
		if err != nil {
			return err
		}
		_, err = store.ReselectActiveLot(ctx, tx, in.ProductCode, in.LocationID)
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, &audit.Error{Kind: audit.KindConflict, Message: fmt.Sprintf("lot %s of %s already exists at %s", in.LotNumber, in.ProductCode, loc.Code)}
	}
	if err != nil {
		return nil, err
	}

	lot, err = store.GetCanonicalLot(ctx, s.db, lot.ID)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, trail.LotCreate, lot, fmt.Sprintf("created lot %s of %s (%d on hand)", lot.LotNumber, lot.ProductCode, lot.QuantityOnHand))
	return lot, nil
}

// UpdateLot changes a lot and reselects the product's active lot.
func (s *Service) UpdateLot(ctx context.Context, actor model.Actor, id int64, in LotUpdate) (*model.CanonicalLot, error) {
	if err := s.require(ctx, actor); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, audit.InvalidFields(err)
	}

	var lot *model.CanonicalLot
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := store.GetCanonicalLot(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return &audit.Error{Kind: audit.KindNotFound, Message: fmt.Sprintf("lot %d not found", id)}
		}

		quantity, expiry := current.QuantityOnHand, current.ExpiryDate
		if in.QuantityOnHand != nil {
			quantity = *in.QuantityOnHand
		}
		if in.ExpiryDate != nil {
			expiry = model.NormalizeExpiry(*in.ExpiryDate)
		}

		if err := store.UpdateCanonicalLot(ctx, tx, id, quantity, expiry, time.Now().UTC()); err != nil {
			return err
		}
		if _, err := store.ReselectActiveLot(ctx, tx, current.ProductCode, current.LocationID); err != nil {
			return err
		}
		lot, err = store.GetCanonicalLot(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.changed(ctx, actor, trail.LotUpdate, lot, fmt.Sprintf("updated lot %s of %s (%d on hand, expiry %q)", lot.LotNumber, lot.ProductCode, lot.QuantityOnHand, lot.ExpiryDate))
	return lot, nil
}

// DeleteLot removes a lot and reselects the product's active lot.
func (s *Service) DeleteLot(ctx context.Context, actor model.Actor, id int64) error {
	if err := s.require(ctx, actor); err != nil {
		return err
	}

	var lot *model.CanonicalLot
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		lot, err = store.GetCanonicalLot(ctx, tx, id)
		if err != nil {
			return err
		}
		if lot == nil {
			return &audit.Error{Kind: audit.KindNotFound, Message: fmt.Sprintf("lot %d not found", id)}
		}
		if err := store.DeleteCanonicalLot(ctx, tx, id); err != nil {
			return err
		}
		_, err = store.ReselectActiveLot(ctx, tx, lot.ProductCode, lot.LocationID)
		return err
	})
	if err != nil {
		return err
	}

	s.changed(ctx, actor, trail.LotDelete, lot, fmt.Sprintf("deleted lot %s of %s", lot.LotNumber, lot.ProductCode))
	return nil
}

// Reselect re-derives the active lot of one product at one location.
func (s *Service) Reselect(ctx context.Context, actor model.Actor, productCode string, locationID int64) (*model.CanonicalLot, error) {
	if err := s.require(ctx, actor); err != nil {
		return nil, err
	}

	var chosen *model.CanonicalLot
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		chosen, err = store.ReselectActiveLot(ctx, tx, strings.TrimSpace(productCode), locationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.LotReselections.WithLabelValues("edit").Inc()
	return chosen, nil
}

// ReselectAll re-derives the active lot of every product at every location.
// It repairs pairs left unreselected by an interrupted close and is safe to
// run at any time. It returns the number of pairs processed. The zero actor
// is the local command line and is not authorized against the users table.
func (s *Service) ReselectAll(ctx context.Context, actor model.Actor) (int, error) {
	if actor.ID > 0 {
		if err := s.require(ctx, actor); err != nil {
			return 0, err
		}
	}

	pairs, err := store.ListLotPairs(ctx, s.db)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, p := range pairs {
		err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
			_, err := store.ReselectActiveLot(ctx, tx, p.ProductCode, p.LocationID)
			return err
		})
		if err != nil {
			return done, fmt.Errorf("reselecting %s at location %d: %w", p.ProductCode, p.LocationID, err)
		}
		done++
		s.metrics.LotReselections.WithLabelValues("sweep").Inc()
	}

	s.logger.Info("active lots reselected", zap.Int("pairs", done))
	s.trail.LogAction(ctx, actor, trail.LotReselect, fmt.Sprintf("reselected active lots for %d products", done), "canonical_lots", 0)
	return done, nil
}

func (s *Service) require(ctx context.Context, actor model.Actor) error {
	if !s.authz.Authorize(ctx, actor, model.CapLotsEdit) {
		return &audit.Error{Kind: audit.KindForbidden, Message: "missing capability " + model.CapLotsEdit}
	}
	return nil
}

func (s *Service) changed(ctx context.Context, actor model.Actor, kind string, lot *model.CanonicalLot, description string) {
	s.metrics.LotReselections.WithLabelValues("edit").Inc()
	s.trail.LogAction(ctx, actor, kind, description, "canonical_lots", lot.ID)
	s.emitter.Emit(ctx, events.InventoryChanged, map[string]any{
		"location_id":   lot.LocationID,
		"product_codes": []string{lot.ProductCode},
		"source":        "edit",
	})
}
