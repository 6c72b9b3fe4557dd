package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/options"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu       sync.Mutex
	accounts []*ledger.Account
	now      time.Time
	err      error
}

func (f *fakeLedger) ScanOwner(_ context.Context, _ solana.PublicKey) ([]*ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts, f.err
}

func (f *fakeLedger) LatestBlockhash() (solana.Hash, uint64) {
	return solana.Hash{}, 42
}

func (f *fakeLedger) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeLedger) setNow(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

type recorder struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (r *recorder) Publish(events ...runtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) snapshot() []runtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.Event(nil), r.events...)
}

func seriesAccount(t *testing.T, end, unexercised uint64) *ledger.Account {
	t.Helper()
	data, err := options.EncodeOptionData(&options.OptionData{
		Creator:           solana.NewWallet().PublicKey(),
		UnderlyingMint:    solana.NewWallet().PublicKey(),
		EndTime:           end,
		StrikePrice:       10,
		AmountUnexercised: unexercised,
		Call:              true,
	})
	require.NoError(t, err)
	return &ledger.Account{Key: solana.NewWallet().PublicKey(), Owner: options.DefaultProgramID, Data: data}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickAnnouncesExpiredSeriesOnce(t *testing.T) {
	late := seriesAccount(t, 2_000, 5)
	early := seriesAccount(t, 1_000, 7)
	claimed := seriesAccount(t, 500, 0)
	active := seriesAccount(t, 5_000, 9)
	listingData, err := options.EncodeListing(&options.Listing{Amount: 1, Price: 1})
	require.NoError(t, err)
	listing := &ledger.Account{Key: solana.NewWallet().PublicKey(), Owner: options.DefaultProgramID, Data: listingData}

	src := &fakeLedger{
		accounts: []*ledger.Account{late, listing, active, claimed, early},
		now:      time.Unix(2_000, 0),
	}
	pub := &recorder{}
	svc, err := New(Config{ProgramID: options.DefaultProgramID, PollInterval: time.Second}, src, pub, quietLogger())
	require.NoError(t, err)

	n, err := svc.tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	events := pub.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, early.Key.String(), events[0].Data.(map[string]any)["option_data"])
	require.Equal(t, late.Key.String(), events[1].Data.(map[string]any)["option_data"])
	for _, event := range events {
		require.Equal(t, runtime.ChannelSeries, event.Channel)
		require.Equal(t, EventSeriesExpired, event.Type)
		require.Equal(t, uint64(42), event.Slot)
		require.NotEmpty(t, event.ID)
	}

	n, err = svc.tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	src.setNow(time.Unix(5_000, 0))
	n, err = svc.tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, pub.snapshot(), 3)
}

func TestTickPropagatesScanErrors(t *testing.T) {
	src := &fakeLedger{err: errors.New("disk gone"), now: time.Unix(0, 0)}
	svc, err := New(Config{ProgramID: options.DefaultProgramID, PollInterval: time.Second}, src, &recorder{}, quietLogger())
	require.NoError(t, err)

	_, err = svc.tick(context.Background())
	require.ErrorContains(t, err, "disk gone")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{PollInterval: time.Second}, &fakeLedger{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{ProgramID: options.DefaultProgramID}, &fakeLedger{}, nil, nil)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeLedger{accounts: []*ledger.Account{seriesAccount(t, 10, 1)}, now: time.Unix(100, 0)}
	pub := &recorder{}
	svc, err := New(Config{ProgramID: options.DefaultProgramID, PollInterval: 5 * time.Millisecond}, src, pub, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
	require.Len(t, pub.snapshot(), 1)
}
