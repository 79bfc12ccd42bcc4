package auction_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/cooldown"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/store/memory"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// --- test helpers ---

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, events ...event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return r.err
}

func (r *recorder) ofType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// conflictingBids loses every commit race.
type conflictingBids struct {
	store.BidRepository
	mu       sync.Mutex
	attempts int
}

func (c *conflictingBids) Append(_ context.Context, _ store.BidCommit) error {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	return store.ErrVersionConflict
}

type failingGuard struct{}

func (failingGuard) TryAcquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, errors.New("redis: connection refused")
}

func (failingGuard) Release(context.Context, string, string) error {
	return errors.New("redis: connection refused")
}

type fixture struct {
	engine  *auction.Engine
	sweeper *auction.Sweeper
	repos   *store.Repositories
	clock   *clock.Mock
	guard   cooldown.Guard
	pub     *recorder
	reader  *sdkmetric.ManualReader
}

type fixtureOption func(f *fixture)

func withGuard(g cooldown.Guard) fixtureOption {
	return func(f *fixture) { f.guard = g }
}

func withBids(wrap func(store.BidRepository) store.BidRepository) fixtureOption {
	return func(f *fixture) { f.repos.Bids = wrap(f.repos.Bids) }
}

func newFixture(t *testing.T, engineOpts []auction.Option, opts ...fixtureOption) *fixture {
	t.Helper()
	clk := &clock.Mock{T: t0}
	f := &fixture{
		repos:  memory.New(clk),
		clock:  clk,
		pub:    &recorder{},
		reader: sdkmetric.NewManualReader(),
	}
	f.guard = cooldown.NewLocal(clk)
	for _, opt := range opts {
		opt(f)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	tp := noop.NewTracerProvider()

	var err error
	f.engine, err = auction.NewEngine(f.repos, f.guard, f.pub, logger, tp, mp, clk, engineOpts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	f.sweeper, err = auction.NewSweeper(f.repos, f.pub, logger, tp, mp, clk)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	return f
}

func defaultParams() auction.SessionParams {
	return auction.SessionParams{
		ItemID:        "item-1",
		SellerID:      "seller",
		StartingPrice: d("100"),
		StartTime:     t0,
		EndTime:       t0.Add(time.Hour),
		MinIncrement:  d("10"),
	}
}

// liveSession creates a session, sweeps it live and moves the clock one
// minute past the start.
func (f *fixture) liveSession(t *testing.T, mutate func(p *auction.SessionParams)) *store.Session {
	t.Helper()
	p := defaultParams()
	if mutate != nil {
		mutate(&p)
	}
	s, err := f.engine.CreateSession(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := f.sweeper.AdvanceDueSessions(context.Background(), p.StartTime); err != nil {
		t.Fatalf("AdvanceDueSessions() error = %v", err)
	}
	f.clock.T = p.StartTime.Add(time.Minute)
	f.pub.reset()
	return s
}

// bid places a bid that must be accepted.
func (f *fixture) bid(t *testing.T, sessionID, bidderID, amount string) auction.BidResult {
	t.Helper()
	res, err := f.engine.PlaceBid(context.Background(), sessionID, bidderID, d(amount))
	if err != nil {
		t.Fatalf("PlaceBid(%s, %s) error = %v", bidderID, amount, err)
	}
	if !res.Accepted {
		t.Fatalf("PlaceBid(%s, %s) not accepted", bidderID, amount)
	}
	return res
}

func (f *fixture) session(t *testing.T, sessionID string) *store.Session {
	t.Helper()
	s, err := f.engine.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return s
}

func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func (f *fixture) ledger(t *testing.T, sessionID string) []store.Bid {
	t.Helper()
	bids, err := f.repos.Bids.ListBySession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	return bids
}

func wantKind(t *testing.T, err error, want auction.Kind) {
	t.Helper()
	if got := auction.KindOf(err); got != want {
		t.Errorf("error kind = %q, want %q (err = %v)", got, want, err)
	}
}

func wantPrice(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Errorf("%s = %s, want %s", what, got, want)
	}
}

func decodeData(t *testing.T, e event.Event, v any) {
	t.Helper()
	if err := e.Decode(v); err != nil {
		t.Fatalf("decoding %s: %v", e.Type, err)
	}
}

// --- tests ---

func TestPlaceBid_Scenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.liveSession(t, nil)

	res := f.bid(t, s.ID, "alice", "120")
	wantPrice(t, "price after alice", res.CurrentPrice, "120")

	res, err := f.engine.PlaceBid(ctx, s.ID, "bob", d("125"))
	var tooLow *auction.BidTooLowError
	if !errors.As(err, &tooLow) {
		t.Fatalf("PlaceBid(125) error = %v, want BidTooLowError", err)
	}
	wantPrice(t, "minimum", tooLow.Minimum, "130")
	wantPrice(t, "rejection current price", tooLow.CurrentPrice, "120")
	wantPrice(t, "result current price", res.CurrentPrice, "120")

	res = f.bid(t, s.ID, "bob", "135")
	wantPrice(t, "price after bob", res.CurrentPrice, "135")
	if res.LeaderID != "bob" {
		t.Errorf("leader = %q, want bob", res.LeaderID)
	}

	pres, err := f.engine.SetProxyCeiling(ctx, s.ID, "carol", d("200"))
	if err != nil {
		t.Fatalf("SetProxyCeiling() error = %v", err)
	}
	if !pres.Accepted || pres.LeaderID != "carol" {
		t.Errorf("proxy result = %+v, want carol leading", pres)
	}
	wantPrice(t, "price after proxy", pres.CurrentPrice, "145")
	if pres.ProxyBid == nil || !pres.ProxyBid.Proxy {
		t.Fatalf("expected a proxy bid, got %+v", pres.ProxyBid)
	}

	price, err := f.engine.GetCurrentPrice(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetCurrentPrice() error = %v", err)
	}
	wantPrice(t, "GetCurrentPrice()", price, "145")

	wantTypes := []event.Type{
		event.PriceChanged, // alice 120
		event.PriceChanged, // bob 135
		event.Outbid,       // alice
		event.PriceChanged, // carol 145 by proxy
		event.Outbid,       // bob
	}
	if got := f.pub.types(); !slices.Equal(got, wantTypes) {
		t.Errorf("events = %v, want %v", got, wantTypes)
	}

	outbids := f.pub.ofType(event.Outbid)
	if len(outbids) != 2 {
		t.Fatalf("got %d outbid events, want 2", len(outbids))
	}
	var first, second event.OutbidData
	decodeData(t, outbids[0], &first)
	decodeData(t, outbids[1], &second)
	if first.PreviousLeaderID != "alice" || second.PreviousLeaderID != "bob" {
		t.Errorf("outbid targets = %q, %q; want alice, bob", first.PreviousLeaderID, second.PreviousLeaderID)
	}
	wantPrice(t, "second outbid amount", second.Amount, "145")

	var proxyPrice event.PriceChangedData
	decodeData(t, f.pub.ofType(event.PriceChanged)[2], &proxyPrice)
	if !proxyPrice.Proxy || proxyPrice.BidderID != "carol" {
		t.Errorf("proxy price change = %+v", proxyPrice)
	}

	if got := f.counter(t, "auction.bids.accepted"); got != 3 {
		t.Errorf("accepted counter = %d, want 3", got)
	}
	if got := f.counter(t, "auction.bids.rejected"); got != 1 {
		t.Errorf("rejected counter = %d, want 1", got)
	}
}

func TestPlaceBid_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture) string
		bidder string
		amount string
		want   auction.Kind
	}{
		{
			name:   "session not found",
			setup:  func(*testing.T, *fixture) string { return "missing" },
			bidder: "alice",
			amount: "500",
			want:   auction.KindSessionNotFound,
		},
		{
			name: "scheduled session",
			setup: func(t *testing.T, f *fixture) string {
				p := defaultParams()
				p.StartTime = t0.Add(time.Hour)
				p.EndTime = t0.Add(2 * time.Hour)
				s, err := f.engine.CreateSession(context.Background(), p)
				if err != nil {
					t.Fatalf("CreateSession() error = %v", err)
				}
				return s.ID
			},
			bidder: "alice",
			amount: "500",
			want:   auction.KindSessionNotLive,
		},
		{
			name: "end time passed before sweep",
			setup: func(t *testing.T, f *fixture) string {
				s := f.liveSession(t, nil)
				f.clock.T = s.EndTime
				return s.ID
			},
			bidder: "alice",
			amount: "500",
			want:   auction.KindSessionNotLive,
		},
		{
			name: "cancelled session",
			setup: func(t *testing.T, f *fixture) string {
				s := f.liveSession(t, nil)
				if err := f.sweeper.Cancel(context.Background(), s.ID); err != nil {
					t.Fatalf("Cancel() error = %v", err)
				}
				return s.ID
			},
			bidder: "alice",
			amount: "500",
			want:   auction.KindSessionNotLive,
		},
		{
			name: "seller bids on own session",
			setup: func(t *testing.T, f *fixture) string {
				return f.liveSession(t, nil).ID
			},
			bidder: "seller",
			amount: "1000000",
			want:   auction.KindSelfBid,
		},
		{
			name: "below starting price plus increment",
			setup: func(t *testing.T, f *fixture) string {
				return f.liveSession(t, nil).ID
			},
			bidder: "alice",
			amount: "109.99",
			want:   auction.KindBidTooLow,
		},
		{
			name: "more than two decimal places",
			setup: func(t *testing.T, f *fixture) string {
				return f.liveSession(t, nil).ID
			},
			bidder: "alice",
			amount: "130.004",
			want:   auction.KindInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			id := tt.setup(t, f)

			res, err := f.engine.PlaceBid(context.Background(), id, tt.bidder, d(tt.amount))
			if err == nil {
				t.Fatal("expected error")
			}
			if res.Accepted {
				t.Error("rejected bid reported as accepted")
			}
			wantKind(t, err, tt.want)
			if n := len(f.ledger(t, id)); n != 0 {
				t.Errorf("ledger has %d bids, want 0", n)
			}
			if n := len(f.pub.ofType(event.PriceChanged)); n != 0 {
				t.Errorf("got %d price changes, want 0", n)
			}
		})
	}
}

func TestPlaceBid_SubCentAmountLeavesCooldownFree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.liveSession(t, func(p *auction.SessionParams) { p.BidCooldownSeconds = 30 })

	_, err := f.engine.PlaceBid(ctx, s.ID, "alice", d("130.004"))
	wantKind(t, err, auction.KindInvalidAmount)

	// The corrected amount goes through straight away and is stored as sent.
	res := f.bid(t, s.ID, "alice", "130.01")
	wantPrice(t, "current price", res.CurrentPrice, "130.01")
	bids := f.ledger(t, s.ID)
	if len(bids) != 1 {
		t.Fatalf("ledger has %d bids, want 1", len(bids))
	}
	wantPrice(t, "ledger amount", bids[0].Amount, "130.01")
}

func TestPlaceBid_Cooldown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.liveSession(t, func(p *auction.SessionParams) { p.BidCooldownSeconds = 30 })

	f.bid(t, s.ID, "alice", "120")

	_, err := f.engine.PlaceBid(ctx, s.ID, "alice", d("200"))
	wantKind(t, err, auction.KindCooldownActive)
	if n := len(f.ledger(t, s.ID)); n != 1 {
		t.Errorf("ledger has %d bids, want 1", n)
	}

	// Another bidder is not affected.
	f.bid(t, s.ID, "bob", "130")

	f.clock.Advance(29 * time.Second)
	_, err = f.engine.PlaceBid(ctx, s.ID, "alice", d("200"))
	wantKind(t, err, auction.KindCooldownActive)

	f.clock.Advance(time.Second)
	f.bid(t, s.ID, "alice", "200")
}

func TestPlaceBid_CooldownFloor(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, nil) // zero cooldown configured

	f.bid(t, s.ID, "alice", "120")
	_, err := f.engine.PlaceBid(context.Background(), s.ID, "alice", d("130"))
	wantKind(t, err, auction.KindCooldownActive)

	f.clock.Advance(time.Second)
	f.bid(t, s.ID, "alice", "130")
}

func TestPlaceBid_RejectionDoesNotStartCooldown(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, func(p *auction.SessionParams) { p.BidCooldownSeconds = 30 })

	_, err := f.engine.PlaceBid(context.Background(), s.ID, "alice", d("105"))
	wantKind(t, err, auction.KindBidTooLow)

	f.bid(t, s.ID, "alice", "110")
}

func TestPlaceBid_AntiSniping(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, func(p *auction.SessionParams) {
		p.EnableAntiSniping = true
		p.ExtendWindowSeconds = 30
		p.ExtendBySeconds = 60
		p.ExtendMaxCount = 2
	})
	originalEnd := s.EndTime

	// Outside the window: no extension.
	f.clock.T = originalEnd.Add(-31 * time.Second)
	if res := f.bid(t, s.ID, "alice", "110"); res.Extended {
		t.Error("bid outside the window extended the session")
	}

	// Three qualifying bids, only two extensions.
	f.clock.T = originalEnd.Add(-10 * time.Second)
	res := f.bid(t, s.ID, "bob", "120")
	if !res.Extended || !res.EndTime.Equal(originalEnd.Add(time.Minute)) {
		t.Errorf("first extension: extended=%v end=%s", res.Extended, res.EndTime)
	}

	f.clock.T = res.EndTime.Add(-5 * time.Second)
	res = f.bid(t, s.ID, "carol", "130")
	if !res.Extended || !res.EndTime.Equal(originalEnd.Add(2*time.Minute)) {
		t.Errorf("second extension: extended=%v end=%s", res.Extended, res.EndTime)
	}

	f.clock.T = res.EndTime.Add(-time.Second)
	if res = f.bid(t, s.ID, "dave", "140"); res.Extended {
		t.Error("bid past the extension cap extended the session")
	}

	got := f.session(t, s.ID)
	if got.ExtendCount != 2 || !got.EndTime.Equal(originalEnd.Add(2*time.Minute)) {
		t.Errorf("session extend count %d end %s", got.ExtendCount, got.EndTime)
	}

	extended := f.pub.ofType(event.TimeExtended)
	if len(extended) != 2 {
		t.Fatalf("got %d extension events, want 2", len(extended))
	}
	var data event.TimeExtendedData
	decodeData(t, extended[1], &data)
	if data.ExtendCount != 2 || !data.NewEndTime.Equal(originalEnd.Add(2*time.Minute)) {
		t.Errorf("extension event = %+v", data)
	}

	// The extension is announced before the price change of the same bid.
	types := f.pub.types()
	want := []event.Type{event.PriceChanged, event.TimeExtended, event.PriceChanged}
	if !slices.Equal(types[:3], want) {
		t.Errorf("first events = %v, want %v", types[:3], want)
	}

	if got := f.counter(t, "auction.extensions"); got != 2 {
		t.Errorf("extensions counter = %d, want 2", got)
	}
}

func TestPlaceBid_ConcurrentSameTier(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, nil)

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		kinds    = map[auction.Kind]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bidder := string(rune('a' + i))
			_, err := f.engine.PlaceBid(context.Background(), s.ID, bidder, d("110"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			kinds[auction.KindOf(err)]++
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted %d bids at the same tier, want 1", accepted)
	}
	if lost := kinds[auction.KindBidTooLow] + kinds[auction.KindConcurrencyConflict]; lost != n-1 {
		t.Errorf("rejections = %v, want %d too-low or conflict", kinds, n-1)
	}
	if got := len(f.ledger(t, s.ID)); got != 1 {
		t.Errorf("ledger has %d bids, want 1", got)
	}
}

func TestPlaceBid_Monotonic(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bidder := string(rune('A' + i))
			amount := d("110").Add(decimal.NewFromInt(int64(i * 7)))
			_, _ = f.engine.PlaceBid(context.Background(), s.ID, bidder, amount)
		}(i)
	}
	wg.Wait()

	bids := f.ledger(t, s.ID)
	if len(bids) == 0 {
		t.Fatal("no bids accepted")
	}
	prev := d("100")
	for i, b := range bids {
		if b.Amount.LessThan(prev.Add(d("10"))) {
			t.Errorf("bid %d amount %s is below %s", i, b.Amount, prev.Add(d("10")))
		}
		prev = b.Amount
	}
}

func TestPlaceBid_RetriesExhausted(t *testing.T) {
	var cb *conflictingBids
	f := newFixture(t, []auction.Option{auction.WithMaxRetries(2)},
		withBids(func(inner store.BidRepository) store.BidRepository {
			cb = &conflictingBids{BidRepository: inner}
			return cb
		}),
	)
	ctx := context.Background()
	s := f.liveSession(t, func(p *auction.SessionParams) { p.BidCooldownSeconds = 60 })

	_, err := f.engine.PlaceBid(ctx, s.ID, "alice", d("120"))
	if !errors.Is(err, auction.ErrConcurrencyConflict) {
		t.Fatalf("PlaceBid() error = %v, want ErrConcurrencyConflict", err)
	}
	if cb.attempts != 3 {
		t.Errorf("commit attempts = %d, want 3", cb.attempts)
	}
	if got := f.counter(t, "auction.commit.conflicts"); got != 3 {
		t.Errorf("conflicts counter = %d, want 3", got)
	}

	// The cooldown was released, so the next attempt reaches the store again.
	_, err = f.engine.PlaceBid(ctx, s.ID, "alice", d("120"))
	wantKind(t, err, auction.KindConcurrencyConflict)
	if cb.attempts != 6 {
		t.Errorf("commit attempts = %d, want 6", cb.attempts)
	}
}

func TestPlaceBid_GuardOutageDegrades(t *testing.T) {
	f := newFixture(t, nil, withGuard(failingGuard{}))
	s := f.liveSession(t, nil)

	f.bid(t, s.ID, "alice", "120")
	// Without a working guard nothing throttles the bidder.
	f.bid(t, s.ID, "alice", "130")
}

func TestPlaceBid_PublishFailureKeepsBid(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, nil)
	f.pub.err = errors.New("gateway down")

	f.bid(t, s.ID, "alice", "120")
	if n := len(f.ledger(t, s.ID)); n != 1 {
		t.Errorf("ledger has %d bids, want 1", n)
	}
}

func TestPlaceBid_OutbidOwnLead(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, nil)

	f.bid(t, s.ID, "alice", "120")
	f.clock.Advance(time.Second)
	f.bid(t, s.ID, "alice", "150")

	if n := len(f.pub.ofType(event.Outbid)); n != 0 {
		t.Errorf("got %d outbid events for raising an own lead, want 0", n)
	}
}

func TestPlaceBid_ProxyAnswers(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, nil)

	pres, err := f.engine.SetProxyCeiling(context.Background(), s.ID, "carol", d("300"))
	if err != nil {
		t.Fatalf("SetProxyCeiling() error = %v", err)
	}
	wantPrice(t, "price after ceiling", pres.CurrentPrice, "110")
	if pres.LeaderID != "carol" {
		t.Errorf("leader = %q, want carol", pres.LeaderID)
	}

	res := f.bid(t, s.ID, "alice", "150")
	wantPrice(t, "manual bid", res.Bid.Amount, "150")
	if res.ProxyBid == nil {
		t.Fatal("expected the proxy to answer")
	}
	wantPrice(t, "price after proxy", res.CurrentPrice, "160")
	if res.LeaderID != "carol" {
		t.Errorf("leader = %q, want carol", res.LeaderID)
	}

	outbids := f.pub.ofType(event.Outbid)
	if len(outbids) != 2 {
		t.Fatalf("got %d outbid events, want 2", len(outbids))
	}
	var data event.OutbidData
	decodeData(t, outbids[1], &data)
	if data.PreviousLeaderID != "alice" {
		t.Errorf("outbid target = %q, want alice", data.PreviousLeaderID)
	}

	// Bidding past the ceiling wins outright.
	f.clock.Advance(time.Second)
	res = f.bid(t, s.ID, "bob", "310")
	if res.ProxyBid != nil {
		t.Errorf("exhausted proxy answered: %+v", res.ProxyBid)
	}
	wantPrice(t, "price after bob", res.CurrentPrice, "310")
	if res.LeaderID != "bob" {
		t.Errorf("leader = %q, want bob", res.LeaderID)
	}
}

func TestSetProxyCeiling_CompetingProxies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.liveSession(t, nil)

	if _, err := f.engine.SetProxyCeiling(ctx, s.ID, "carol", d("200")); err != nil {
		t.Fatalf("SetProxyCeiling(carol) error = %v", err)
	}

	pres, err := f.engine.SetProxyCeiling(ctx, s.ID, "dave", d("170"))
	if err != nil {
		t.Fatalf("SetProxyCeiling(dave) error = %v", err)
	}
	wantPrice(t, "price", pres.CurrentPrice, "180")
	if pres.LeaderID != "carol" {
		t.Errorf("leader = %q, want carol", pres.LeaderID)
	}

	// Raising an existing ceiling replaces it.
	pres, err = f.engine.SetProxyCeiling(ctx, s.ID, "dave", d("250"))
	if err != nil {
		t.Fatalf("SetProxyCeiling(dave) error = %v", err)
	}
	wantPrice(t, "price", pres.CurrentPrice, "210")
	if pres.LeaderID != "dave" {
		t.Errorf("leader = %q, want dave", pres.LeaderID)
	}

	list, err := f.repos.Proxies.ListBySession(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("got %d proxies, want 2", len(list))
	}
}

func TestSetProxyCeiling_NoActionBelowPrice(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, nil)

	f.bid(t, s.ID, "alice", "150")

	pres, err := f.engine.SetProxyCeiling(context.Background(), s.ID, "bob", d("150"))
	if err != nil {
		t.Fatalf("SetProxyCeiling() error = %v", err)
	}
	if !pres.Accepted || pres.ProxyBid != nil {
		t.Errorf("proxy result = %+v, want accepted without a proxy bid", pres)
	}
	wantPrice(t, "price", pres.CurrentPrice, "150")
	if pres.LeaderID != "alice" {
		t.Errorf("leader = %q, want alice", pres.LeaderID)
	}
}

func TestSetProxyCeiling_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.liveSession(t, nil)

	tests := []struct {
		name    string
		session string
		bidder  string
		max     string
		want    auction.Kind
	}{
		{name: "zero ceiling", session: s.ID, bidder: "alice", max: "0", want: auction.KindInvalidCeiling},
		{name: "negative ceiling", session: s.ID, bidder: "alice", max: "-5", want: auction.KindInvalidCeiling},
		{name: "sub-cent ceiling", session: s.ID, bidder: "alice", max: "0.001", want: auction.KindInvalidCeiling},
		{name: "fractional cent ceiling", session: s.ID, bidder: "alice", max: "250.125", want: auction.KindInvalidCeiling},
		{name: "seller", session: s.ID, bidder: "seller", max: "500", want: auction.KindSelfBid},
		{name: "missing session", session: "missing", bidder: "alice", max: "500", want: auction.KindSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SetProxyCeiling(ctx, tt.session, tt.bidder, d(tt.max))
			wantKind(t, err, tt.want)
		})
	}

	list, err := f.repos.Proxies.ListBySession(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("got %d stored proxies, want 0", len(list))
	}
}

func TestSetProxyCeiling_IgnoresCooldown(t *testing.T) {
	f := newFixture(t, nil)
	s := f.liveSession(t, func(p *auction.SessionParams) { p.BidCooldownSeconds = 60 })

	f.bid(t, s.ID, "alice", "120")
	if _, err := f.engine.SetProxyCeiling(context.Background(), s.ID, "alice", d("300")); err != nil {
		t.Errorf("SetProxyCeiling() during cooldown error = %v", err)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *auction.SessionParams)
	}{
		{name: "end before start", mutate: func(p *auction.SessionParams) { p.EndTime = p.StartTime.Add(-time.Second) }},
		{name: "end equals start", mutate: func(p *auction.SessionParams) { p.EndTime = p.StartTime }},
		{name: "zero increment", mutate: func(p *auction.SessionParams) { p.MinIncrement = decimal.Zero }},
		{name: "sub-cent increment", mutate: func(p *auction.SessionParams) { p.MinIncrement = d("0.001") }},
		{name: "negative starting price", mutate: func(p *auction.SessionParams) { p.StartingPrice = d("-1") }},
		{name: "sub-cent starting price", mutate: func(p *auction.SessionParams) { p.StartingPrice = d("99.999") }},
		{name: "sub-cent deposit", mutate: func(p *auction.SessionParams) { p.DepositAmount = d("5.005") }},
		{name: "negative cooldown", mutate: func(p *auction.SessionParams) { p.BidCooldownSeconds = -1 }},
		{name: "negative extend cap", mutate: func(p *auction.SessionParams) { p.ExtendMaxCount = -1 }},
		{name: "missing seller", mutate: func(p *auction.SessionParams) { p.SellerID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			p := defaultParams()
			tt.mutate(&p)
			_, err := f.engine.CreateSession(context.Background(), p)
			wantKind(t, err, auction.KindInvalidSession)
		})
	}
}

func TestCreateSession_Defaults(t *testing.T) {
	f := newFixture(t, nil)
	p := defaultParams()
	p.MinIncrement = d("0.05")
	s, err := f.engine.CreateSession(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.ID == "" {
		t.Error("expected a generated ID")
	}
	if s.Status != store.StatusScheduled || s.Version != 1 || s.ExtendCount != 0 {
		t.Errorf("new session = status %s version %d extend count %d", s.Status, s.Version, s.ExtendCount)
	}
}

func TestReadOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.liveSession(t, nil)

	price, err := f.engine.GetCurrentPrice(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetCurrentPrice() error = %v", err)
	}
	wantPrice(t, "starting price", price, "100")

	w, err := f.engine.Winner(ctx, s.ID)
	if err != nil {
		t.Fatalf("Winner() error = %v", err)
	}
	if w != nil {
		t.Errorf("winner without bids = %+v", w)
	}

	f.bid(t, s.ID, "alice", "120")
	f.clock.Advance(time.Second)
	f.bid(t, s.ID, "bob", "140")

	history, err := f.engine.BidHistory(ctx, s.ID)
	if err != nil {
		t.Fatalf("BidHistory() error = %v", err)
	}
	if len(history) != 2 || history[0].BidderID != "alice" || history[1].BidderID != "bob" {
		t.Errorf("history = %+v, want alice then bob", history)
	}

	w, err = f.engine.Winner(ctx, s.ID)
	if err != nil {
		t.Fatalf("Winner() error = %v", err)
	}
	if w == nil || w.BidderID != "bob" {
		t.Errorf("winner = %+v, want bob", w)
	}

	_, err = f.engine.BidHistory(ctx, "missing")
	wantKind(t, err, auction.KindSessionNotFound)
	_, err = f.engine.GetCurrentPrice(ctx, "missing")
	wantKind(t, err, auction.KindSessionNotFound)
}
