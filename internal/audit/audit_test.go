package audit

import (
	"context"
	"database/sql"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/metrics"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/trail"
)

const adminPassword = "admin-password"

type fixture struct {
	db      *sql.DB
	svc     *Service
	events  *events.Recorder
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs

	admin   model.Actor
	manager model.Actor
	ana     model.Actor
	bor     model.Actor

	location *model.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := db.NewTestDB(t)
	ctx := context.Background()

	f := &fixture{db: database, events: &events.Recorder{}, metrics: metrics.New(nil)}

	hash, err := auth.HashPassword(adminPassword)
	require.NoError(t, err)
	mkUser := func(name, role string) model.Actor {
		u, err := store.CreateUser(ctx, database, name, hash, role)
		require.NoError(t, err)
		return model.Actor{ID: u.ID, Username: u.Username}
	}
	f.admin = mkUser("admin", model.RoleAdmin)
	f.manager = mkUser("mira", model.RoleManager)
	f.ana = mkUser("ana", model.RoleUser)
	f.bor = mkUser("bor", model.RoleUser)

	f.location, err = store.CreateLocation(ctx, database, "WH1", "Main warehouse")
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs
	f.svc, err = NewService(database, Options{
		Emitter: f.events,
		Metrics: f.metrics,
		Logger:  zap.New(core),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) open(t *testing.T) *model.AuditSession {
	t.Helper()
	s, err := f.svc.OpenSession(context.Background(), f.manager, "Spring count", f.location.ID)
	require.NoError(t, err)
	return s
}

func (f *fixture) submit(t *testing.T, actor model.Actor, sessionID int64, product string, lots ...model.LotInput) *model.ReconciledItem {
	t.Helper()
	item, err := f.svc.SubmitItem(context.Background(), actor, SubmitInput{
		SessionID:   sessionID,
		ProductCode: product,
		Lots:        model.Lots(lots...),
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) lot(t *testing.T, product, lotNumber string) *model.CanonicalLot {
	t.Helper()
	lots, err := store.ListCanonicalLots(context.Background(), f.db, product, f.location.ID)
	require.NoError(t, err)
	for i := range lots {
		if lots[i].LotNumber == lotNumber {
			return &lots[i]
		}
	}
	return nil
}

func TestOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.open(t)
	assert.Equal(t, model.AuditStateOpen, s.State)
	assert.Equal(t, "Spring count", s.Name)
	assert.Regexp(t, `^AUD-`, s.Code)
	require.NotNil(t, s.LocationID)
	assert.Equal(t, f.location.ID, *s.LocationID)

	current, err := f.svc.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.ID, current.ID)

	assert.Len(t, f.events.Named(events.SessionOpened), 1)
	entries, err := store.ListActionLog(ctx, f.db, "audit_sessions", s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, trail.AuditOpen, entries[0].Action)
}

func TestOpenSessionConflictLeavesFirstOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.open(t)

	_, err := f.svc.OpenSession(ctx, f.admin, "Another", f.location.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, ErrSessionOpen)

	current, err := f.svc.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)
	assert.Equal(t, model.AuditStateOpen, current.State)

	all, err := f.svc.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpenSessionRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OpenSession(ctx, f.manager, "   ", f.location.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "name")

	_, err = f.svc.OpenSession(ctx, f.manager, "Count", 999)
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, store.DeleteLocation(ctx, f.db, f.location.ID))
	_, err = f.svc.OpenSession(ctx, f.manager, "Count", f.location.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.OpenSession(ctx, f.ana, "Count", f.location.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSubmitUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	first := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 5})
	second := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 8})
	assert.Equal(t, first.ID, second.ID)

	items, err := f.svc.ListItems(ctx, f.ana, s.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 8, items[0].Lots[0].CountedQuantity)
	assert.Equal(t, 8, items[0].PhysicalQuantity)

	got, err := f.svc.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ItemsTotal)
	assert.Equal(t, 1, got.ItemsScanned)
	assert.Len(t, f.events.Named(events.SessionUpdated), 2)
}

func TestSubmitDerivesTotalsAndDiscrepancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := store.IngestLot(ctx, f.db, "P1", "OLD", f.location.ID, 10, "", f.svc.clock())
	require.NoError(t, err)
	s := f.open(t)

	item, err := f.svc.SubmitItem(ctx, f.ana, SubmitInput{
		SessionID:       s.ID,
		ProductCode:     " P1 ",
		Lots:            model.Lots(model.LotInput{LotNumber: "A", CountedQuantity: 7}, model.LotInput{LotNumber: "B", CountedQuantity: 5}),
		DiscrepancyType: model.DiscrepancyMatches,
	})
	require.NoError(t, err)
	assert.Equal(t, "P1", item.ProductCode)
	assert.Equal(t, "A", item.PrimaryLot)
	assert.Equal(t, 10, item.SystemQuantity)
	assert.Equal(t, 12, item.PhysicalQuantity)
	assert.Equal(t, model.DiscrepancyExcess, item.DiscrepancyType)

	system, physical := 20, 3
	item, err = f.svc.SubmitItem(ctx, f.ana, SubmitInput{
		SessionID:   s.ID,
		ProductCode: "P2",
		Lots:        model.Lots(model.LotInput{LotNumber: "C", CountedQuantity: 3}),
		Totals:      CountedTotals{SystemQuantity: &system, PhysicalQuantity: &physical},
	})
	require.NoError(t, err)
	assert.Equal(t, model.DiscrepancyShortage, item.DiscrepancyType)

	got, _ := f.svc.GetSession(ctx, s.ID)
	assert.Equal(t, 2, got.ItemsTotal)
	assert.Equal(t, 2, got.Discrepancies)
}

func TestSubmitLegacyLotString(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	physical := 7

	item, err := f.svc.SubmitItem(context.Background(), f.ana, SubmitInput{
		SessionID:   s.ID,
		ProductCode: "P1",
		Lots:        model.LegacyLot(" L9 "),
		Totals:      CountedTotals{PhysicalQuantity: &physical},
	})
	require.NoError(t, err)
	require.Len(t, item.Lots, 1)
	assert.Equal(t, "L9", item.Lots[0].LotNumber)
	assert.Equal(t, 7, item.Lots[0].CountedQuantity)
}

func TestSubmitRequiresLotNumber(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	_, err := f.svc.SubmitItem(context.Background(), f.ana, SubmitInput{
		SessionID:   s.ID,
		ProductCode: "P1",
		Lots:        model.Lots(model.LotInput{LotNumber: "  ", CountedQuantity: 4}),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, ErrMissingLotNumber)

	_, err = f.svc.SubmitItem(context.Background(), f.ana, SubmitInput{
		SessionID: s.ID,
		Lots:      model.Lots(model.LotInput{LotNumber: "L1"}),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitMarksPendingDeduction(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	item := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "B1", CountedQuantity: 80, NonconformingQuantity: 10})
	assert.True(t, item.PendingDeduction)
	assert.Len(t, f.events.Named(events.ItemDeductionPending), 1)

	// Nothing reaches the canonical store before close.
	assert.Nil(t, f.lot(t, "P1", "B1"))
}

func TestSubmitOthersItemIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 5})

	_, err := f.svc.SubmitItem(ctx, f.bor, SubmitInput{
		SessionID:   s.ID,
		ProductCode: "P1",
		Lots:        model.Lots(model.LotInput{LotNumber: "L1", CountedQuantity: 9}),
	})
	assert.ErrorIs(t, err, ErrForbidden)

	item := f.submit(t, f.manager, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 6})
	assert.Equal(t, 6, item.PhysicalQuantity)
	assert.True(t, item.RecordedByActor(f.ana), "recorder is kept on update")
}

func TestSubmitToMissingOrClosedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitItem(ctx, f.ana, SubmitInput{
		SessionID:   42,
		ProductCode: "P1",
		Lots:        model.Lots(model.LotInput{LotNumber: "L1"}),
	})
	assert.ErrorIs(t, err, ErrNotFound)

	s := f.open(t)
	_, err = f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitItem(ctx, f.ana, SubmitInput{
		SessionID:   s.ID,
		ProductCode: "P1",
		Lots:        model.Lots(model.LotInput{LotNumber: "L1"}),
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRemoveItemOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	item := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 5})

	err := f.svc.RemoveItem(ctx, f.bor, item.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	got, err := store.GetReconciledItem(ctx, f.db, item.ID)
	require.NoError(t, err)
	assert.NotNil(t, got, "item persists after forbidden remove")

	require.NoError(t, f.svc.RemoveItem(ctx, f.manager, item.ID))
	session, _ := f.svc.GetSession(ctx, s.ID)
	assert.Equal(t, 0, session.ItemsTotal)

	assert.ErrorIs(t, f.svc.RemoveItem(ctx, f.manager, item.ID), ErrNotFound)
}

func TestRemoveItemRequiresSubmitCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	item := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 5})

	require.NoError(t, store.DeleteUser(ctx, f.db, f.ana.ID))

	assert.ErrorIs(t, f.svc.RemoveItem(ctx, f.ana, item.ID), ErrForbidden)
	got, err := store.GetReconciledItem(ctx, f.db, item.ID)
	require.NoError(t, err)
	assert.NotNil(t, got, "item persists")

	assert.ErrorIs(t, f.svc.RemoveItem(ctx, model.Actor{ID: 999, Username: "ghost"}, item.ID), ErrForbidden)
}

func TestRemoveItemFromClosedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	item := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 5})

	_, err := f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.RemoveItem(ctx, f.ana, item.ID), ErrConflict)
}

func TestListItemsVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1"})
	f.submit(t, f.bor, s.ID, "P2", model.LotInput{LotNumber: "L2"})
	f.submit(t, f.ana, s.ID, "P3", model.LotInput{LotNumber: "L3"})

	own, err := f.svc.ListItems(ctx, f.ana, s.ID)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, "P3", own[0].ProductCode, "most recent first")

	all, err := f.svc.ListItems(ctx, f.manager, s.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.svc.ListItems(ctx, f.manager, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseMergesLotsAndSelectsEarliestExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	f.submit(t, f.ana, s.ID, "P1",
		model.LotInput{LotNumber: "A1", CountedQuantity: 100, ExpiryDate: "2025-01-01"},
		model.LotInput{LotNumber: "A2", CountedQuantity: 50},
	)

	closed, err := f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuditStateClosed, closed.State)
	assert.NotNil(t, closed.ClosedAt)
	assert.Equal(t, 1, closed.ItemsTotal)

	a1 := f.lot(t, "P1", "A1")
	require.NotNil(t, a1)
	assert.Equal(t, 100, a1.QuantityOnHand)
	assert.True(t, a1.Active)

	a2 := f.lot(t, "P1", "A2")
	require.NotNil(t, a2)
	assert.Equal(t, 50, a2.QuantityOnHand)
	assert.False(t, a2.Active)

	assert.Len(t, f.events.Named(events.SessionClosed), 1)
	changed := f.events.Named(events.InventoryChanged)
	require.Len(t, changed, 1)
	payload := changed[0].Payload.(map[string]any)
	assert.Equal(t, []string{"P1"}, payload["product_codes"])

	_, err = f.svc.CurrentSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseDeductsNonconforming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "B1", CountedQuantity: 80, NonconformingQuantity: 10})
	_, err := f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)

	b1 := f.lot(t, "P1", "B1")
	require.NotNil(t, b1)
	assert.Equal(t, 70, b1.QuantityOnHand)
	assert.True(t, b1.Active, "only lot of the product")

	entries, err := store.ListActionLog(ctx, f.db, "audit_sessions", s.ID)
	require.NoError(t, err)
	var notes []string
	for _, e := range entries {
		if e.Action == trail.AuditLotDeduction {
			notes = append(notes, e.Description)
		}
	}
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "counted 80")
	assert.Contains(t, notes[0], "final 70")
}

func TestCloseOverwritesExistingLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := store.IngestLot(ctx, f.db, "P1", "X", f.location.ID, 40, "2030-01-01", f.svc.clock())
	require.NoError(t, err)
	_, err = store.ReselectActiveLot(ctx, f.db, "P1", f.location.ID)
	require.NoError(t, err)

	s := f.open(t)
	f.submit(t, f.ana, s.ID, "P1",
		model.LotInput{LotNumber: "X", CountedQuantity: 12, ExpiryDate: "2031-01-01"},
		model.LotInput{LotNumber: "Y", CountedQuantity: 3, ExpiryDate: "2026-06-01"},
	)
	_, err = f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)

	x := f.lot(t, "P1", "X")
	assert.Equal(t, old.ID, x.ID)
	assert.Equal(t, 12, x.QuantityOnHand)
	assert.Equal(t, "2031-01-01", x.ExpiryDate)
	assert.False(t, x.Active)
	assert.True(t, f.lot(t, "P1", "Y").Active)
}

func TestCloseIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	_, err := f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)

	_, err = f.svc.CloseSession(ctx, f.manager, s.ID)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Len(t, f.events.Named(events.SessionClosed), 1)

	_, err = f.svc.CloseSession(ctx, f.manager, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.CloseSession(ctx, f.ana, s.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCloseWithoutLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	require.NoError(t, store.DeleteLocation(ctx, f.db, f.location.ID))

	_, err := f.svc.CloseSession(ctx, f.manager, s.ID)
	assert.ErrorIs(t, err, ErrMissingLocation)

	got, _ := f.svc.GetSession(ctx, s.ID)
	assert.Equal(t, model.AuditStateOpen, got.State)
}

func TestCloseContinuesPastFailingItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.ExecContext(ctx, `CREATE TRIGGER reject_bad_lot BEFORE INSERT ON canonical_lots
		WHEN NEW.lot_number = 'BAD'
		BEGIN SELECT RAISE(ABORT, 'lot rejected'); END`)
	require.NoError(t, err)

	s := f.open(t)
	f.submit(t, f.ana, s.ID, "P1",
		model.LotInput{LotNumber: "OK1", CountedQuantity: 5},
		model.LotInput{LotNumber: "BAD", CountedQuantity: 5},
	)
	f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "OK2", CountedQuantity: 9})
	f.submit(t, f.ana, s.ID, "P2", model.LotInput{LotNumber: "Z1", CountedQuantity: 1})

	closed, err := f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuditStateClosed, closed.State)

	assert.Nil(t, f.lot(t, "P1", "OK1"), "failed item is rolled back as a whole")
	assert.Nil(t, f.lot(t, "P1", "BAD"))
	ok2 := f.lot(t, "P1", "OK2")
	require.NotNil(t, ok2)
	assert.True(t, ok2.Active)
	assert.NotNil(t, f.lot(t, "P2", "Z1"))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.MergeFailures.WithLabelValues("item")))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.MergedLots))
	assert.Equal(t, 1, f.logs.FilterMessage("skipping item").Len())
}

// hookTrail writes actions through to the database and then calls after.
type hookTrail struct {
	ActionLogger
	after func(kind string)
}

func (h *hookTrail) LogAction(ctx context.Context, actor model.Actor, kind, description, table string, recordID int64) {
	h.ActionLogger.LogAction(ctx, actor, kind, description, table, recordID)
	if h.after != nil {
		h.after(kind)
	}
}

func (f *fixture) serviceWithTrail(t *testing.T, after func(kind string)) *Service {
	t.Helper()
	svc, err := NewService(f.db, Options{
		Emitter: f.events,
		Trail:   &hookTrail{ActionLogger: trail.NewStore(f.db, zap.NewNop()), after: after},
	})
	require.NoError(t, err)
	return svc
}

func TestCloseFinishesAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "B1", CountedQuantity: 10, NonconformingQuantity: 2})
	f.submit(t, f.ana, s.ID, "P2", model.LotInput{LotNumber: "C1", CountedQuantity: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := f.serviceWithTrail(t, func(kind string) {
		if kind == trail.AuditLotDeduction {
			cancel()
		}
	})

	closed, err := svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)
	assert.Error(t, ctx.Err(), "caller went away mid-close")
	assert.Equal(t, model.AuditStateClosed, closed.State)

	b1 := f.lot(t, "P1", "B1")
	require.NotNil(t, b1)
	assert.Equal(t, 8, b1.QuantityOnHand)
	c1 := f.lot(t, "P2", "C1")
	require.NotNil(t, c1)
	assert.True(t, c1.Active)
	assert.Len(t, f.events.Named(events.SessionClosed), 1)
}

func TestItemsFrozenWhileClosing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	first := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "B1", CountedQuantity: 10, NonconformingQuantity: 1})

	var (
		submitErr, removeErr, deleteErr, closeErr error
		calls                                     int
	)
	var svc *Service
	svc = f.serviceWithTrail(t, func(kind string) {
		if kind != trail.AuditLotDeduction {
			return
		}
		calls++
		_, submitErr = svc.SubmitItem(ctx, f.bor, SubmitInput{
			SessionID:   s.ID,
			ProductCode: "P9",
			Lots:        model.Lots(model.LotInput{LotNumber: "Z", CountedQuantity: 3}),
		})
		removeErr = svc.RemoveItem(ctx, f.ana, first.ID)
		deleteErr = svc.DeleteSession(ctx, f.admin, s.ID, adminPassword)
		_, closeErr = svc.CloseSession(ctx, f.manager, s.ID)
	})

	closed, err := svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	assert.ErrorIs(t, submitErr, ErrClosing)
	assert.ErrorIs(t, removeErr, ErrClosing)
	assert.ErrorIs(t, deleteErr, ErrClosing)
	assert.ErrorIs(t, closeErr, ErrClosing)

	assert.Equal(t, model.AuditStateClosed, closed.State)
	assert.Equal(t, 1, closed.ItemsTotal)
	items, err := store.ListReconciledItems(ctx, f.db, s.ID, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Nil(t, f.lot(t, "P9", "Z"))
	assert.NotNil(t, f.lot(t, "P1", "B1"))
}

func TestInterruptedCloseCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 5})

	claimed, err := store.ClaimAuditMerge(ctx, f.db, s.ID, f.svc.clock())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.svc.CloseSession(ctx, f.manager, s.ID)
	assert.ErrorIs(t, err, ErrClosing)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.SubmitItem(ctx, f.ana, SubmitInput{
		SessionID:   s.ID,
		ProductCode: "P2",
		Lots:        model.Lots(model.LotInput{LotNumber: "L2"}),
	})
	assert.ErrorIs(t, err, ErrClosing)

	released, err := store.ReleaseAuditMerges(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	closed, err := f.svc.CloseSession(ctx, f.manager, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuditStateClosed, closed.State)
	assert.NotNil(t, f.lot(t, "P1", "L1"))
}

func TestActiveLotInvariantAcrossSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rounds := [][]model.LotInput{
		{{LotNumber: "A", CountedQuantity: 1}, {LotNumber: "B", CountedQuantity: 2, ExpiryDate: "2026-03-01"}},
		{{LotNumber: "C", CountedQuantity: 3, ExpiryDate: "2025-11-30"}},
		{{LotNumber: "B", CountedQuantity: 2, ExpiryDate: "2027-01-01"}},
	}
	for _, lots := range rounds {
		s := f.open(t)
		f.submit(t, f.ana, s.ID, "P1", lots...)
		_, err := f.svc.CloseSession(ctx, f.manager, s.ID)
		require.NoError(t, err)

		all, err := store.ListCanonicalLots(ctx, f.db, "P1", f.location.ID)
		require.NoError(t, err)

		var active []model.CanonicalLot
		minExpiry := ""
		for _, l := range all {
			if l.Active {
				active = append(active, l)
			}
			if l.ExpiryDate != "" && (minExpiry == "" || model.ExpiryBefore(l.ExpiryDate, minExpiry)) {
				minExpiry = l.ExpiryDate
			}
		}
		require.Len(t, active, 1)
		assert.Equal(t, minExpiry, active[0].ExpiryDate)
	}
	assert.Equal(t, "C", func() string {
		for _, l := range []string{"A", "B", "C"} {
			if f.lot(t, "P1", l).Active {
				return l
			}
		}
		return ""
	}())
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	item := f.submit(t, f.ana, s.ID, "P1", model.LotInput{LotNumber: "L1", CountedQuantity: 1})

	assert.ErrorIs(t, f.svc.DeleteSession(ctx, f.manager, s.ID, adminPassword), ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteSession(ctx, f.admin, s.ID, "wrong"), ErrUnauthorized)
	assert.ErrorIs(t, f.svc.DeleteSession(ctx, f.admin, 999, adminPassword), ErrNotFound)

	require.NoError(t, f.svc.DeleteSession(ctx, f.admin, s.ID, adminPassword))

	_, err := f.svc.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := store.GetReconciledItem(ctx, f.db, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Len(t, f.events.Named(events.SessionDeleted), 1)

	// A new session can be opened once the open one is gone.
	f.open(t)
}

func TestListSessionsRejectsUnknownState(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListSessions(context.Background(), "archived")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(codedError(ErrSessionOpen, "x")))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
	assert.NotErrorIs(t, codedError(ErrMissingLocation, "x"), ErrAlreadyClosed)
	assert.ErrorIs(t, codedError(ErrMissingLocation, "x"), ErrInvalidState)
}
