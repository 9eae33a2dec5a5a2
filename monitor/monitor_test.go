package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vaultwatch "github.com/keeperhq/vaultwatch"
	"github.com/keeperhq/vaultwatch/account"
	"github.com/keeperhq/vaultwatch/ledger"
	"github.com/keeperhq/vaultwatch/scanner"
)

type fakeClient struct {
	mu       sync.Mutex
	accounts []ledger.Account
}

func (f *fakeClient) ProgramAccounts(context.Context, vaultwatch.Address, ...ledger.Filter) ([]ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Account(nil), f.accounts...), nil
}

func (f *fakeClient) AccountInfo(_ context.Context, address vaultwatch.Address) (*ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Address == address {
			return &a, nil
		}
	}
	return nil, ledger.ErrAccountNotFound
}

func (f *fakeClient) SubmitInstruction(context.Context, ledger.Instruction) (string, error) {
	return "", nil
}

func (f *fakeClient) set(accounts []ledger.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = accounts
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []*Notification
	fail  bool
	calls int
}

func (r *recordingNotifier) Notify(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return context.DeadlineExceeded
	}
	copied := *n
	r.sent = append(r.sent, &copied)
	return nil
}

func testAddr(fill byte) vaultwatch.Address {
	var a vaultwatch.Address
	for i := range a {
		a[i] = fill
	}
	return a
}

func vaultAccount(addr vaultwatch.Address, owner byte, lastCheckIn, interval int64, released bool) ledger.Account {
	return ledger.Account{
		Address: addr,
		Data: account.Encode(&account.Vault{
			Owner:          testAddr(owner),
			Recipient:      testAddr(owner + 100),
			IPFSCid:        "bafytest",
			EncryptedKey:   "wallet:1",
			TimeInterval:   interval,
			LastCheckIn:    lastCheckIn,
			IsReleased:     released,
			BountyLamports: 5000,
			Name:           "estate docs",
		}),
		Lamports: 2_000_000,
	}
}

func newTestMonitor(t *testing.T, client ledger.Client, nowUnix int64, notifiers ...Notifier) (*Monitor, *Store) {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	now := func() time.Time { return time.Unix(nowUnix, 0).UTC() }
	sc := scanner.New(client, testAddr(99), scanner.WithNow(now))

	m := New(sc, store, DefaultConfig(), notifiers...)
	m.now = now
	return m, store
}

const day = int64(24 * 60 * 60)

func TestBandOfThresholds(t *testing.T) {
	client := &fakeClient{}
	tests := []struct {
		name      string
		remaining int64 // seconds until deadline at scan time
		released  bool
		want      Band
	}{
		{name: "healthy", remaining: 8 * day, want: BandNone},
		{name: "approaching at seven days", remaining: 7*day - 1, want: BandApproaching},
		{name: "urgent under three days", remaining: 3*day - 1, want: BandUrgent},
		{name: "final under one day", remaining: day - 1, want: BandFinal},
		{name: "expired", remaining: -1, want: BandExpired},
		{name: "released gets nothing", remaining: -1, released: true, want: BandNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := int64(100 * day)
			client.set([]ledger.Account{
				vaultAccount(testAddr(10), 1, now+tt.remaining-30*day, 30*day, tt.released),
			})

			notifier := &recordingNotifier{}
			m, _ := newTestMonitor(t, client, now, notifier)

			result := m.RunOnce(context.Background())
			require.Equal(t, 1, result.Tracked)

			if tt.want == BandNone {
				require.Zero(t, result.Notified)
				return
			}
			require.Equal(t, 1, result.Notified)
			require.Len(t, notifier.sent, 1)
			require.Equal(t, tt.want, notifier.sent[0].Band)
		})
	}
}

func TestNotifyOncePerBand(t *testing.T) {
	now := int64(100 * day)
	client := &fakeClient{}
	client.set([]ledger.Account{
		vaultAccount(testAddr(10), 1, now-28*day, 30*day, false), // 2 days remaining
	})

	notifier := &recordingNotifier{}
	m, _ := newTestMonitor(t, client, now, notifier)
	ctx := context.Background()

	result := m.RunOnce(ctx)
	require.Equal(t, 1, result.Notified)

	result = m.RunOnce(ctx)
	require.Zero(t, result.Notified, "same band should not re-notify")
	require.Len(t, notifier.sent, 1)
	require.Equal(t, BandUrgent, notifier.sent[0].Band)
}

func TestEscalationAcrossBands(t *testing.T) {
	client := &fakeClient{}
	notifier := &recordingNotifier{}

	lastCheckIn := int64(100 * day)
	interval := 30 * day
	client.set([]ledger.Account{
		vaultAccount(testAddr(10), 1, lastCheckIn, interval, false),
	})

	store, err := OpenStore(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	deadline := lastCheckIn + interval

	// Walk the clock through each band in turn.
	for _, nowUnix := range []int64{
		deadline - 5*day, // approaching
		deadline - 2*day, // urgent
		deadline - day/2, // final
		deadline + 1,     // expired
	} {
		now := func() time.Time { return time.Unix(nowUnix, 0).UTC() }
		sc := scanner.New(client, testAddr(99), scanner.WithNow(now))
		m := New(sc, store, DefaultConfig(), notifier)
		m.now = now
		m.RunOnce(ctx)
	}

	require.Len(t, notifier.sent, 4)
	require.Equal(t, BandApproaching, notifier.sent[0].Band)
	require.Equal(t, BandUrgent, notifier.sent[1].Band)
	require.Equal(t, BandFinal, notifier.sent[2].Band)
	require.Equal(t, BandExpired, notifier.sent[3].Band)
}

func TestCheckInRearmsNotifications(t *testing.T) {
	client := &fakeClient{}
	notifier := &recordingNotifier{}

	store, err := OpenStore(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	interval := 30 * day

	runAt := func(nowUnix int64) *Result {
		now := func() time.Time { return time.Unix(nowUnix, 0).UTC() }
		sc := scanner.New(client, testAddr(99), scanner.WithNow(now))
		m := New(sc, store, DefaultConfig(), notifier)
		m.now = now
		return m.RunOnce(ctx)
	}

	// Two days remain: urgent, notified once.
	start := int64(100 * day)
	client.set([]ledger.Account{vaultAccount(testAddr(10), 1, start-28*day, interval, false)})
	require.Equal(t, 1, runAt(start).Notified)

	// Owner checks in; the vault is healthy again and stays quiet.
	client.set([]ledger.Account{vaultAccount(testAddr(10), 1, start, interval, false)})
	require.Zero(t, runAt(start+day).Notified)

	// The new deadline approaches the urgent band: the moved deadline means
	// a fresh dedupe key, so the band fires again.
	require.Equal(t, 1, runAt(start+28*day).Notified)
	require.Len(t, notifier.sent, 2)
	require.Equal(t, BandUrgent, notifier.sent[1].Band)
}

func TestNotifierFailureDoesNotAbortCycle(t *testing.T) {
	now := int64(100 * day)
	client := &fakeClient{}
	client.set([]ledger.Account{
		vaultAccount(testAddr(10), 1, now-31*day, 30*day, false), // expired
	})

	failing := &recordingNotifier{fail: true}
	working := &recordingNotifier{}
	m, store := newTestMonitor(t, client, now, failing, working)

	result := m.RunOnce(context.Background())
	require.Equal(t, 1, result.Notified)
	require.Len(t, working.sent, 1, "later notifiers still run after one fails")

	sent, err := store.Notified(testAddr(10), working.sent[0].Deadline, BandExpired)
	require.NoError(t, err)
	require.True(t, sent)
}

func TestClaimedVaultArchived(t *testing.T) {
	now := int64(100 * day)
	client := &fakeClient{}
	client.set([]ledger.Account{
		vaultAccount(testAddr(10), 1, now-31*day, 30*day, true), // released
	})

	notifier := &recordingNotifier{}
	m, store := newTestMonitor(t, client, now, notifier)
	ctx := context.Background()

	result := m.RunOnce(ctx)
	require.Equal(t, 1, result.Tracked)
	require.Zero(t, result.Claimed)

	// Recipient claims and closes; the account disappears from the ledger.
	client.set(nil)

	result = m.RunOnce(ctx)
	require.Equal(t, 1, result.Claimed)
	require.Zero(t, result.Closed)

	claimed, err := store.Claimed()
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, testAddr(10), claimed[0].Address)
	require.Equal(t, testAddr(1), claimed[0].Owner)
	require.Equal(t, testAddr(101), claimed[0].Recipient)
	require.Equal(t, uint64(5000), claimed[0].Bounty)
	require.Equal(t, "estate docs", claimed[0].Name)

	// The snapshot is gone; a further cycle reports nothing new.
	result = m.RunOnce(ctx)
	require.Zero(t, result.Claimed)
}

func TestOwnerClosedVaultNotArchived(t *testing.T) {
	now := int64(100 * day)
	client := &fakeClient{}
	client.set([]ledger.Account{
		vaultAccount(testAddr(10), 1, now-day, 30*day, false), // active
	})

	m, store := newTestMonitor(t, client, now)
	ctx := context.Background()

	m.RunOnce(ctx)
	client.set(nil)

	result := m.RunOnce(ctx)
	require.Zero(t, result.Claimed)
	require.Equal(t, 1, result.Closed)

	claimed, err := store.Claimed()
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestStartStop(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestMonitor(t, client, 100*day)

	require.NoError(t, m.Start(context.Background()))
	m.Stop()

	// Stop after stop is a no-op, as is a late start.
	m.Stop()
	require.NoError(t, m.Start(context.Background()))
}

func TestWebhookNotifier(t *testing.T) {
	var received Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	n := &Notification{
		Vault:    testAddr(10),
		Owner:    testAddr(1),
		Band:     BandFinal,
		Deadline: time.Unix(200*day, 0).UTC(),
		Bounty:   5000,
		SentAt:   time.Unix(199*day, 0).UTC(),
	}

	notifier := NewWebhookNotifier(srv.URL, nil)
	require.NoError(t, notifier.Notify(context.Background(), n))

	require.Equal(t, "final", received.BandName)
	require.Equal(t, testAddr(10), received.Vault)
	require.Equal(t, uint64(5000), received.Bounty)
}

func TestWebhookNotifierServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, nil)
	err := notifier.Notify(context.Background(), &Notification{Band: BandExpired})
	require.ErrorContains(t, err, "500")
}
