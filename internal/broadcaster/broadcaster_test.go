package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/pricing"
	"github.com/goodtune/kcafe/internal/realtime"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/storagetest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fleet struct {
	pcs []storage.PC
	err error
}

func (f *fleet) List(context.Context) ([]storage.PC, error) {
	return f.pcs, f.err
}

type fakeEstimator struct {
	remaining map[string]ledger.Remaining
	errs      map[string]error
	panicOn   string
}

func (e *fakeEstimator) ForOccupant(_ context.Context, pc storage.PC, _ time.Time) (ledger.Remaining, error) {
	if pc.ID == e.panicOn {
		panic("estimator exploded")
	}
	if err := e.errs[pc.ID]; err != nil {
		return ledger.Remaining{}, err
	}
	return e.remaining[pc.ID], nil
}

func (e *fakeEstimator) set(pcID string, minutes int64) {
	e.remaining[pcID] = ledger.Remaining{Minutes: minutes}
}

type outbox struct {
	sent map[string][]string
	fail bool
}

func (o *outbox) NotifyPC(_ context.Context, pcID string, msg any) realtime.Delivery {
	payload, _ := json.Marshal(msg)
	o.sent[pcID] = append(o.sent[pcID], string(payload))
	if o.fail {
		return realtime.Delivery{Attempted: 1, Err: errors.New("send failed")}
	}
	return realtime.Delivery{Attempted: 1, Delivered: 1}
}

func (o *outbox) take(pcID string) []string {
	out := o.sent[pcID]
	delete(o.sent, pcID)
	return out
}

func newTestBroadcaster(pcs ...storage.PC) (*Broadcaster, *fakeEstimator, *outbox, *fleet) {
	f := &fleet{pcs: pcs}
	est := &fakeEstimator{remaining: map[string]ledger.Remaining{}, errs: map[string]error{}}
	box := &outbox{sent: map[string][]string{}}
	clk := &clock.TestClock{CurrentTime: time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)}
	return New(f, est, box, clk, time.Minute, zerolog.Nop()), est, box, f
}

const (
	fiveLeft = `{"type":"timeleft","minutes":5}`
	oneLeft  = `{"type":"timeleft","minutes":1}`
	timesUp  = `{"type":"timeleft","minutes":0}`
	lock     = `{"command":"lock"}`
)

func TestTick_FiveMinuteWarningFiresOnce(t *testing.T) {
	b, est, box, _ := newTestBroadcaster(storage.PC{ID: "pc1", CurrentUserID: "u1"})
	ctx := context.Background()

	est.set("pc1", 10)
	b.Tick(ctx)
	assert.Empty(t, box.take("pc1"))

	est.set("pc1", 5)
	b.Tick(ctx)
	assert.Equal(t, []string{fiveLeft}, box.take("pc1"))

	b.Tick(ctx)
	assert.Empty(t, box.take("pc1"), "no duplicate at an unchanged 5")

	est.set("pc1", 8)
	b.Tick(ctx)
	assert.Empty(t, box.take("pc1"))
	assert.Equal(t, thresholdNone, b.state["pc1"])

	est.set("pc1", 5)
	b.Tick(ctx)
	assert.Equal(t, []string{fiveLeft}, box.take("pc1"), "warning re-fires after reset")
}

func TestTick_CountdownToLock(t *testing.T) {
	b, est, box, _ := newTestBroadcaster(storage.PC{ID: "pc1", CurrentUserID: "u1"})
	ctx := context.Background()

	for _, m := range []int64{5, 4, 3, 2, 1, 1, 0, -2} {
		est.set("pc1", m)
		b.Tick(ctx)
	}

	assert.Equal(t, []string{fiveLeft, oneLeft, timesUp, lock}, box.take("pc1"))
	assert.Equal(t, thresholdExpired, b.state["pc1"])
}

func TestTick_SkippedWarningStillLocks(t *testing.T) {
	b, est, box, _ := newTestBroadcaster(storage.PC{ID: "pc1", CurrentUserID: "u1"})
	ctx := context.Background()

	est.set("pc1", 30)
	b.Tick(ctx)
	est.set("pc1", 0)
	b.Tick(ctx)

	assert.Equal(t, []string{timesUp, lock}, box.take("pc1"))
}

func TestTick_IdlePCLockedOnce(t *testing.T) {
	b, _, box, _ := newTestBroadcaster(storage.PC{ID: "idle"})
	ctx := context.Background()

	b.Tick(ctx)
	b.Tick(ctx)
	b.Tick(ctx)

	assert.Equal(t, []string{timesUp, lock}, box.take("idle"))
}

func TestTick_UnlimitedResetsState(t *testing.T) {
	b, est, box, _ := newTestBroadcaster(storage.PC{ID: "pc1", CurrentUserID: "u1"})
	ctx := context.Background()

	est.set("pc1", 1)
	b.Tick(ctx)
	require.Equal(t, []string{oneLeft}, box.take("pc1"))

	est.remaining["pc1"] = ledger.Remaining{Unlimited: true}
	b.Tick(ctx)
	assert.Empty(t, box.take("pc1"))
	assert.Equal(t, thresholdNone, b.state["pc1"])
}

func TestTick_ErrorsAreIsolatedPerPC(t *testing.T) {
	b, est, box, _ := newTestBroadcaster(
		storage.PC{ID: "broken", CurrentUserID: "u1"},
		storage.PC{ID: "boom", CurrentUserID: "u2"},
		storage.PC{ID: "pc3", CurrentUserID: "u3"},
	)
	ctx := context.Background()

	est.errs["broken"] = errors.New("redis down")
	est.panicOn = "boom"
	est.set("pc3", 5)

	b.Tick(ctx)

	assert.Empty(t, box.take("broken"))
	_, tracked := b.state["broken"]
	assert.False(t, tracked, "store errors leave state untouched")
	assert.Equal(t, []string{fiveLeft}, box.take("pc3"))
}

func TestTick_DeliveryFailureStillRecordsThreshold(t *testing.T) {
	b, est, box, _ := newTestBroadcaster(storage.PC{ID: "pc1", CurrentUserID: "u1"})
	ctx := context.Background()
	box.fail = true

	est.set("pc1", 5)
	b.Tick(ctx)
	b.Tick(ctx)

	assert.Len(t, box.take("pc1"), 1)
	assert.Equal(t, thresholdFive, b.state["pc1"])
}

func TestTick_ListFailureAndRemovedPCs(t *testing.T) {
	b, est, box, f := newTestBroadcaster(storage.PC{ID: "pc1", CurrentUserID: "u1"})
	ctx := context.Background()

	est.set("pc1", 5)
	b.Tick(ctx)
	box.take("pc1")

	f.err = errors.New("timeout")
	b.Tick(ctx)
	assert.Equal(t, thresholdFive, b.state["pc1"])

	f.err = nil
	f.pcs = nil
	b.Tick(ctx)
	assert.Empty(t, b.state)
}

func TestBroadcaster_StartStop(t *testing.T) {
	b, est, box, _ := newTestBroadcaster(storage.PC{ID: "pc1", CurrentUserID: "u1"})
	est.set("pc1", 5)

	b.Start()
	// The first tick runs immediately
	b.Stop()
	b.Stop()

	assert.Equal(t, []string{fiveLeft}, box.take("pc1"))
}

func TestTick_WithStoreBackedEstimator(t *testing.T) {
	store, _ := storagetest.NewStore(t)
	ctx := context.Background()

	storagetest.AddUser(t, store, "u1", "0.5")
	storagetest.AddPC(t, store, "pc1", "")
	storagetest.AddRule(t, store, "r1", "", "6")
	require.NoError(t, store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "pc1", UserID: "u1", StartTime: time.Now()}, false))

	resolver := pricing.NewResolver(store, pricing.Config{GroupCacheSize: 8}, zerolog.Nop())
	estimator := ledger.NewEstimator(resolver, ledger.New(store))
	box := &outbox{sent: map[string][]string{}}

	b := New(store.PCs(), estimator, box, nil, time.Minute, zerolog.Nop())
	b.Tick(ctx)

	// 0.50 at 6/h buys exactly 5 minutes
	assert.Equal(t, []string{fiveLeft}, box.take("pc1"))
}
