package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker/sim"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/crypto"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/db"
)

// scriptedFactory hands out sim handles and remembers every handle it built,
// keyed by connection key, so tests can inspect login options per attempt.
type scriptedFactory struct {
	mu       sync.Mutex
	accounts map[string][]broker.Account
	loginErr map[string]error
	built    map[string][]*sim.Handle
}

func newScriptedFactory() *scriptedFactory {
	return &scriptedFactory{
		accounts: make(map[string][]broker.Account),
		loginErr: make(map[string]error),
		built:    make(map[string][]*sim.Handle),
	}
}

func (f *scriptedFactory) factory(creds broker.Credentials) broker.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := creds.ConnectionKey()
	h := sim.NewHandle(f.accounts[key]...)
	h.LoginErr = f.loginErr[key]
	f.built[key] = append(f.built[key], h)
	return h
}

func (f *scriptedFactory) handles(key string) []*sim.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sim.Handle, len(f.built[key]))
	copy(out, f.built[key])
	return out
}

func testCreds(userID string) broker.Credentials {
	return broker.Credentials{
		Broker:      "tradovate",
		UserID:      userID,
		Username:    "trader-" + userID,
		Password:    "hunter2-" + userID,
		DeviceID:    "device-1",
		Environment: "demo",
	}
}

func newTestDaemon(t *testing.T, store *db.Store, f *scriptedFactory) *Daemon {
	t.Helper()
	enc, err := crypto.NewFromPassphrase("daemon-test-passphrase")
	if err != nil {
		t.Fatalf("NewFromPassphrase: %v", err)
	}
	d := New(store, enc, events.NewBus(), f.factory, DefaultConfig())
	d.sleep = func(time.Duration) {}
	return d
}

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.Open(filepath.Join(t.TempDir(), "daemon.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoginConnectsAndPersists(t *testing.T) {
	store := openTestStore(t)
	f := newScriptedFactory()
	creds := testCreds("u1")
	f.accounts[creds.ConnectionKey()] = []broker.Account{{ID: "ACC1", Name: "Demo", Type: "demo", Active: true}}

	d := newTestDaemon(t, store, f)
	accounts, err := d.Login(context.Background(), creds)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "ACC1" {
		t.Fatalf("accounts %+v", accounts)
	}
	if h := d.HandleFor(creds.ConnectionKey()); h == nil || !h.LoggedIn() {
		t.Fatal("expected a live logged-in handle")
	}
	info, ok := d.Record(creds.ConnectionKey())
	if !ok || info.Status != StatusConnected {
		t.Fatalf("record %+v ok=%v", info, ok)
	}

	rows, err := store.ListConnections(context.Background())
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(rows) != 1 || rows[0].ConnectionKey != creds.ConnectionKey() {
		t.Fatalf("persisted rows %+v", rows)
	}
	if !crypto.Encrypted(rows[0].PasswordEnc) {
		t.Fatalf("password persisted in the clear: %q", rows[0].PasswordEnc)
	}
}

func TestLoginSecondCallReusesConnection(t *testing.T) {
	store := openTestStore(t)
	f := newScriptedFactory()
	creds := testCreds("u1")
	f.accounts[creds.ConnectionKey()] = []broker.Account{{ID: "ACC1"}}

	d := newTestDaemon(t, store, f)
	if _, err := d.Login(context.Background(), creds); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	if _, err := d.Login(context.Background(), creds); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if n := len(f.handles(creds.ConnectionKey())); n != 1 {
		t.Fatalf("built %d handles, want 1 (second login should reuse)", n)
	}
}

func TestLoginInFlightGuard(t *testing.T) {
	store := openTestStore(t)
	f := newScriptedFactory()
	creds := testCreds("u1")

	d := newTestDaemon(t, store, f)
	d.mu.Lock()
	d.inflight[creds.ConnectionKey()] = struct{}{}
	d.mu.Unlock()

	if _, err := d.Login(context.Background(), creds); !errors.Is(err, ErrLoginInFlight) {
		t.Fatalf("err=%v, want ErrLoginInFlight", err)
	}
}

func TestLoginFailureKeepsRecordDisconnected(t *testing.T) {
	store := openTestStore(t)
	f := newScriptedFactory()
	creds := testCreds("u1")
	f.loginErr[creds.ConnectionKey()] = errors.New("bad password")

	d := newTestDaemon(t, store, f)
	if _, err := d.Login(context.Background(), creds); err == nil {
		t.Fatal("expected login failure")
	}
	info, ok := d.Record(creds.ConnectionKey())
	if !ok {
		t.Fatal("failed login should still leave a record")
	}
	if info.Status != StatusDisconnected || info.LastError == "" {
		t.Fatalf("record %+v", info)
	}
}

func TestReconnectReusesCachedAccounts(t *testing.T) {
	store := openTestStore(t)
	f := newScriptedFactory()
	creds := testCreds("u1")
	key := creds.ConnectionKey()
	f.accounts[key] = []broker.Account{{ID: "ACC1", Name: "Demo"}}

	d := newTestDaemon(t, store, f)
	if _, err := d.Login(context.Background(), creds); err != nil {
		t.Fatalf("Login: %v", err)
	}
	old := d.HandleFor(key)
	if err := d.Reconnect(context.Background(), key); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	handles := f.handles(key)
	if len(handles) != 2 {
		t.Fatalf("built %d handles, want 2", len(handles))
	}
	opts := handles[1].LoginCalls()
	if len(opts) != 1 || !opts[0].SkipFetchAccounts {
		t.Fatalf("reconnect login opts %+v, want SkipFetchAccounts", opts)
	}
	if len(opts[0].CachedAccounts) != 1 || opts[0].CachedAccounts[0].ID != "ACC1" {
		t.Fatalf("cached accounts %+v", opts[0].CachedAccounts)
	}
	if old.LoggedIn() {
		t.Fatal("old handle should have been disconnected")
	}
	if h := d.HandleFor(key); h == old || h == nil || !h.LoggedIn() {
		t.Fatal("expected a fresh live handle after reconnect")
	}
}

func TestReconnectUnknownKey(t *testing.T) {
	d := newTestDaemon(t, openTestStore(t), newScriptedFactory())
	if err := d.Reconnect(context.Background(), "nope:user"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("err=%v, want ErrConnectionNotFound", err)
	}
}

func TestLogoutDestroysRecordAndRow(t *testing.T) {
	store := openTestStore(t)
	f := newScriptedFactory()
	creds := testCreds("u1")
	key := creds.ConnectionKey()
	f.accounts[key] = []broker.Account{{ID: "ACC1"}}

	d := newTestDaemon(t, store, f)
	if _, err := d.Login(context.Background(), creds); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h := d.HandleFor(key)
	if err := d.Logout(context.Background(), key); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if h.LoggedIn() {
		t.Fatal("logout must disconnect the handle")
	}
	if _, ok := d.Record(key); ok {
		t.Fatal("record should be destroyed on logout")
	}
	rows, err := store.ListConnections(context.Background())
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("persisted rows after logout: %+v", rows)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	f := newScriptedFactory()
	c1, c2 := testCreds("u1"), testCreds("u2")
	f.accounts[c1.ConnectionKey()] = []broker.Account{{ID: "A1"}}
	f.accounts[c2.ConnectionKey()] = []broker.Account{{ID: "A2"}}

	d1 := newTestDaemon(t, store, f)
	for _, c := range []broker.Credentials{c1, c2} {
		if _, err := d1.Login(context.Background(), c); err != nil {
			t.Fatalf("Login %s: %v", c.UserID, err)
		}
	}

	// Fresh process against the same store.
	f2 := newScriptedFactory()
	f2.accounts[c1.ConnectionKey()] = f.accounts[c1.ConnectionKey()]
	f2.accounts[c2.ConnectionKey()] = f.accounts[c2.ConnectionKey()]
	d2 := newTestDaemon(t, store, f2)
	restored, err := d2.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 2 {
		t.Fatalf("restored=%d, want 2", restored)
	}

	for _, c := range []broker.Credentials{c1, c2} {
		info, ok := d2.Record(c.ConnectionKey())
		if !ok || info.Status != StatusConnected {
			t.Fatalf("record %s: %+v ok=%v", c.ConnectionKey(), info, ok)
		}
		handles := f2.handles(c.ConnectionKey())
		if len(handles) != 1 {
			t.Fatalf("built %d handles for %s", len(handles), c.ConnectionKey())
		}
		// The persisted password must round-trip through encryption.
		if got := handles[0].Credentials().Password; got != c.Password {
			t.Fatalf("password %q, want %q", got, c.Password)
		}
		opts := handles[0].LoginCalls()
		if len(opts) != 1 || !opts[0].SkipFetchAccounts {
			t.Fatalf("restore should reuse cached accounts, opts %+v", opts)
		}
	}
}

func TestRestoreInvalidCacheFallsBackPerEntry(t *testing.T) {
	store := openTestStore(t)

	// Three persisted entries; the middle one carries a structurally invalid
	// account cache (an entry with an empty id).
	enc, err := crypto.NewFromPassphrase("daemon-test-passphrase")
	if err != nil {
		t.Fatalf("NewFromPassphrase: %v", err)
	}
	rows := []db.ConnectionRow{
		persistedRow(t, enc, testCreds("u1"), `[{"id":"A1","name":"One"}]`),
		persistedRow(t, enc, testCreds("u2"), `[{"id":"","name":"Broken"}]`),
		persistedRow(t, enc, testCreds("u3"), `[{"id":"A3","name":"Three"}]`),
	}
	if err := store.ReplaceConnections(context.Background(), rows); err != nil {
		t.Fatalf("ReplaceConnections: %v", err)
	}

	f := newScriptedFactory()
	for _, u := range []string{"u1", "u2", "u3"} {
		key := testCreds(u).ConnectionKey()
		f.accounts[key] = []broker.Account{{ID: "FETCHED-" + u}}
	}
	d := newTestDaemon(t, store, f)
	restored, err := d.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 3 {
		t.Fatalf("restored=%d, want 3", restored)
	}

	wantSkip := map[string]bool{"u1": true, "u2": false, "u3": true}
	for u, skip := range wantSkip {
		key := testCreds(u).ConnectionKey()
		handles := f.handles(key)
		if len(handles) != 1 {
			t.Fatalf("%s: built %d handles", u, len(handles))
		}
		opts := handles[0].LoginCalls()
		if len(opts) != 1 || opts[0].SkipFetchAccounts != skip {
			t.Fatalf("%s: opts %+v, want SkipFetchAccounts=%v", u, opts, skip)
		}
	}

	// The invalid entry alone paid for a full fetch.
	accounts, err := d.AccountsFor(testCreds("u2").ConnectionKey())
	if err != nil {
		t.Fatalf("AccountsFor: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "FETCHED-u2" {
		t.Fatalf("u2 accounts %+v, want the re-fetched list", accounts)
	}
}

func TestRestoreFailedEntryStaysDisconnected(t *testing.T) {
	store := openTestStore(t)
	enc, err := crypto.NewFromPassphrase("daemon-test-passphrase")
	if err != nil {
		t.Fatalf("NewFromPassphrase: %v", err)
	}
	good, bad := testCreds("ok"), testCreds("down")
	rows := []db.ConnectionRow{
		persistedRow(t, enc, good, `[{"id":"A1"}]`),
		persistedRow(t, enc, bad, `[{"id":"A2"}]`),
	}
	if err := store.ReplaceConnections(context.Background(), rows); err != nil {
		t.Fatalf("ReplaceConnections: %v", err)
	}

	f := newScriptedFactory()
	f.accounts[good.ConnectionKey()] = []broker.Account{{ID: "A1"}}
	f.loginErr[bad.ConnectionKey()] = errors.New("venue down")

	d := newTestDaemon(t, store, f)
	restored, err := d.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored=%d, want 1", restored)
	}

	// The failing entry burned its full retry budget.
	if n := len(f.handles(bad.ConnectionKey())); n != DefaultConfig().RestoreAttempts {
		t.Fatalf("attempts=%d, want %d", n, DefaultConfig().RestoreAttempts)
	}
	info, ok := d.Record(bad.ConnectionKey())
	if !ok {
		t.Fatal("failed entry must stay registered for manual reconnect")
	}
	if info.Status != StatusDisconnected || info.LastError == "" {
		t.Fatalf("failed entry record %+v", info)
	}
	if h := d.HandleFor(good.ConnectionKey()); h == nil || !h.LoggedIn() {
		t.Fatal("healthy entry should restore despite its neighbor failing")
	}
}

func persistedRow(t *testing.T, enc *crypto.Encryptor, creds broker.Credentials, accountsJSON string) db.ConnectionRow {
	t.Helper()
	pw, err := enc.Encrypt(creds.Password)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return db.ConnectionRow{
		ConnectionKey: creds.ConnectionKey(),
		Broker:        creds.Broker,
		UserID:        creds.UserID,
		Username:      creds.Username,
		PasswordEnc:   pw,
		DeviceID:      creds.DeviceID,
		Environment:   creds.Environment,
		Accounts:      accountsJSON,
	}
}
