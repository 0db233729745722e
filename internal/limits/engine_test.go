package limits

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ims-core/internal/cache"
	"ims-core/internal/clock"
	"ims-core/internal/config"
	"ims-core/internal/position"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

const bizDate = types.Date("2026-08-24")

func qty(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testEngine(t *testing.T) (*Engine, *position.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cacheCfg := config.Default().Cache
	cacheCfg.BackupCount = 0
	grid := cache.NewGrid(cacheCfg, clock.System{}, logger)
	t.Cleanup(grid.Close)

	cfg := config.Default().Engines
	cfg.LeaseTimeout = 2 * time.Second // tests contend many writers on one key
	pos := position.NewEngine(grid, cfg, clock.System{}, logger)
	return NewEngine(grid, pos, cfg, clock.System{}, logger), pos
}

func seedLimit(t *testing.T, e *Engine, kind types.OwnerKind, owner, long, short string) {
	t.Helper()
	_, err := e.UpsertLimit(context.Background(), types.SellLimit{
		OwnerKind:      kind,
		OwnerID:        owner,
		SecurityID:     "SEC-1",
		BusinessDate:   bizDate,
		LongSellLimit:  qty(long),
		ShortSellLimit: qty(short),
		Status:         "ACTIVE",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func order(id string, side types.OrderSide, q string) Order {
	return Order{
		OrderID:           id,
		ClientID:          "CP-1",
		AggregationUnitID: "AU-1",
		SecurityID:        "SEC-1",
		BusinessDate:      bizDate,
		Side:              side,
		Quantity:          qty(q),
	}
}

func TestValidateThenRecord(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	seedLimit(t, e, types.OwnerClient, "CP-1", "1000", "500")
	seedLimit(t, e, types.OwnerAggregationUnit, "AU-1", "1000", "500")
	ctx := context.Background()

	o := order("O1", types.ShortSell, "300")
	if err := e.ValidateOrder(ctx, o); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := e.RecordOrder(ctx, o); err != nil {
		t.Fatalf("record: %v", err)
	}

	cl, _ := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	au, _ := e.Get(types.OwnerAggregationUnit, "AU-1", "SEC-1", bizDate)
	if !cl.ShortSellUsed.Equal(qty("300")) || !au.ShortSellUsed.Equal(qty("300")) {
		t.Errorf("used = %s/%s, want 300/300", cl.ShortSellUsed, au.ShortSellUsed)
	}
}

func TestUnsupportedOrderType(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	o := order("O1", types.OrderSide("BUY"), "10")
	if err := e.ValidateOrder(context.Background(), o); !errs.Is(err, errs.Validation) {
		t.Errorf("validate: err = %v, want Validation", err)
	}
	if err := e.RecordOrder(context.Background(), o); !errs.Is(err, errs.Validation) {
		t.Errorf("record: err = %v, want Validation", err)
	}
}

func TestRecordDeniedLeavesNoTrace(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	// Client has room, the AU does not: the client increment must unwind.
	seedLimit(t, e, types.OwnerClient, "CP-1", "1000", "1000")
	seedLimit(t, e, types.OwnerAggregationUnit, "AU-1", "1000", "100")
	ctx := context.Background()

	err := e.RecordOrder(ctx, order("O1", types.ShortSell, "400"))
	if !errs.Is(err, errs.LimitExceeded) {
		t.Fatalf("err = %v, want LimitExceeded", err)
	}

	cl, _ := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	if !cl.ShortSellUsed.IsZero() {
		t.Errorf("client used = %s after denial, want 0", cl.ShortSellUsed)
	}

	// The denied order ID was not burned: a corrected retry may reuse it.
	if err := e.RecordOrder(ctx, order("O1", types.ShortSell, "100")); err != nil {
		t.Errorf("retry within limits: %v", err)
	}
}

func TestRecordIsIdempotentByOrderID(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	seedLimit(t, e, types.OwnerClient, "CP-1", "1000", "1000")
	seedLimit(t, e, types.OwnerAggregationUnit, "AU-1", "1000", "1000")
	ctx := context.Background()

	o := order("O1", types.LongSell, "250")
	for i := 0; i < 3; i++ {
		if err := e.RecordOrder(ctx, o); err != nil {
			t.Fatalf("record #%d: %v", i, err)
		}
	}

	cl, _ := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	if !cl.LongSellUsed.Equal(qty("250")) {
		t.Errorf("used = %s after redeliveries, want 250", cl.LongSellUsed)
	}
}

func TestRecordWithoutOrderIDConsumesEveryTime(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	seedLimit(t, e, types.OwnerClient, "CP-1", "1000", "1000")
	seedLimit(t, e, types.OwnerAggregationUnit, "AU-1", "1000", "1000")
	ctx := context.Background()

	// Anonymous orders have no idempotency key: each one must burn headroom.
	if err := e.RecordOrder(ctx, order("", types.ShortSell, "100")); err != nil {
		t.Fatal(err)
	}
	if err := e.RecordOrder(ctx, order("", types.ShortSell, "200")); err != nil {
		t.Fatal(err)
	}

	cl, _ := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	if !cl.ShortSellUsed.Equal(qty("300")) {
		t.Errorf("used = %s after two anonymous orders, want 300", cl.ShortSellUsed)
	}
}

func TestConcurrentRecordsNeverExceedLimit(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	seedLimit(t, e, types.OwnerClient, "CP-1", "1000", "1000")
	seedLimit(t, e, types.OwnerAggregationUnit, "AU-1", "1000", "1000")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, denied := 0, 0
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.RecordOrder(ctx, order("O-"+string(rune('a'+i)), types.ShortSell, "100"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errs.Is(err, errs.LimitExceeded):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 10 || denied != 10 {
		t.Errorf("admitted/denied = %d/%d, want 10/10 for limit 1000", admitted, denied)
	}
	cl, _ := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	if cl.ShortSellUsed.GreaterThan(cl.ShortSellLimit) {
		t.Errorf("used %s exceeds limit %s", cl.ShortSellUsed, cl.ShortSellLimit)
	}
}

func TestClientOnlyOrder(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	seedLimit(t, e, types.OwnerClient, "CP-1", "100", "100")

	o := order("O1", types.LongSell, "50")
	o.AggregationUnitID = ""
	if err := e.RecordOrder(context.Background(), o); err != nil {
		t.Fatalf("client-only order: %v", err)
	}
}

func TestUpsertPreservesUsage(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	seedLimit(t, e, types.OwnerClient, "CP-1", "1000", "1000")
	seedLimit(t, e, types.OwnerAggregationUnit, "AU-1", "1000", "1000")
	ctx := context.Background()

	if err := e.RecordOrder(ctx, order("O1", types.ShortSell, "600")); err != nil {
		t.Fatal(err)
	}

	// A limit refresh lands mid-day; usage must carry over so the client
	// cannot sell the same capacity twice.
	seedLimit(t, e, types.OwnerClient, "CP-1", "1000", "800")
	cl, _ := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	if !cl.ShortSellUsed.Equal(qty("600")) {
		t.Errorf("used = %s after refresh, want 600", cl.ShortSellUsed)
	}
	if !cl.Headroom(types.ShortSell).Equal(qty("200")) {
		t.Errorf("headroom = %s, want 200", cl.Headroom(types.ShortSell))
	}
}

func TestRecalculateLimitsFromPositions(t *testing.T) {
	t.Parallel()
	e, pos := testEngine(t)
	ctx := context.Background()

	e.SetBookOwner("BOOK-1", "CP-1", "AU-1")
	e.SetBookOwner("BOOK-2", "CP-1", "AU-2")
	e.SetBookOwner("BOOK-3", "CP-2", "AU-1")

	seed := func(book, settled string) {
		_, _, err := pos.ApplySnapshot(ctx, types.PositionSnapshotData{
			BookID: book, SecurityID: "SEC-1", SettledQty: qty(settled),
		}, bizDate)
		if err != nil {
			t.Fatal(err)
		}
	}
	seed("BOOK-1", "300")
	seed("BOOK-2", "200")
	seed("BOOK-3", "-150") // short: contributes nothing to long-sell capacity

	if _, err := e.RecalculateLimits(ctx, "SEC-1", bizDate); err != nil {
		t.Fatal(err)
	}

	cp1, err := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	if err != nil {
		t.Fatal(err)
	}
	if !cp1.LongSellLimit.Equal(qty("500")) {
		t.Errorf("CP-1 long limit = %s, want 500 (300+200)", cp1.LongSellLimit)
	}

	au1, err := e.Get(types.OwnerAggregationUnit, "AU-1", "SEC-1", bizDate)
	if err != nil {
		t.Fatal(err)
	}
	if !au1.LongSellLimit.Equal(qty("300")) {
		t.Errorf("AU-1 long limit = %s, want 300 (BOOK-3 is short)", au1.LongSellLimit)
	}

	// CP-2 holds only a short position: no long-sell capacity appears.
	if _, err := e.Get(types.OwnerClient, "CP-2", "SEC-1", bizDate); !errs.Is(err, errs.NotFound) {
		t.Errorf("CP-2 limit: err = %v, want NotFound", err)
	}
}

func TestRecalculateLimitsAppliesShortSellAvailability(t *testing.T) {
	t.Parallel()
	e, pos := testEngine(t)
	ctx := context.Background()

	e.SetBookOwner("BOOK-1", "CP-1", "AU-1")
	e.SetShortSellSource(func(securityID string, date types.Date) (decimal.Decimal, bool) {
		if securityID != "SEC-1" || date != bizDate {
			return decimal.Zero, false
		}
		return qty("750"), true
	})

	_, _, err := pos.ApplySnapshot(ctx, types.PositionSnapshotData{
		BookID: "BOOK-1", SecurityID: "SEC-1", SettledQty: qty("400"),
	}, bizDate)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.RecalculateLimits(ctx, "SEC-1", bizDate); err != nil {
		t.Fatal(err)
	}

	cp1, err := e.Get(types.OwnerClient, "CP-1", "SEC-1", bizDate)
	if err != nil {
		t.Fatal(err)
	}
	if !cp1.LongSellLimit.Equal(qty("400")) {
		t.Errorf("long limit = %s, want 400", cp1.LongSellLimit)
	}
	if !cp1.ShortSellLimit.Equal(qty("750")) {
		t.Errorf("short limit = %s, want 750 (short-sell availability)", cp1.ShortSellLimit)
	}
}
