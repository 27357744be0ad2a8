package grants

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/grantledger/milestones/pkg/hashproposal"
	"github.com/grantledger/milestones/pkg/scheduling"
	"github.com/grantledger/milestones/pkg/signature"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestDB creates an in-memory SQLite DB with the grant tables migrated.
// A single connection keeps every query on the same in-memory database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, NewGrantStore(db).AutoMigrate())
	return db
}

// testAccount is a NEAR account with one full access key.
type testAccount struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestAccount(t *testing.T, id string) testAccount {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testAccount{id: id, pub: pub, priv: priv}
}

func (a testAccount) signObject(t *testing.T, payload json.RawMessage) signature.SignedPayload {
	t.Helper()
	digest, err := signature.ObjectDigest(payload)
	require.NoError(t, err)
	return a.sign(digest)
}

func (a testAccount) signString(payload string) signature.SignedPayload {
	return a.sign(signature.StringDigest(payload))
}

func (a testAccount) sign(digest []byte) signature.SignedPayload {
	return signature.SignedPayload{
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(a.priv, digest)),
		PublicKey: signature.FormatPublicKey(a.pub),
	}
}

// chainTx is what the fake chain reports for a transaction hash.
type chainTx struct {
	commitment string
	amount     decimal.Decimal
	recipient  string
}

// fakeChain verifies against recorded transactions.
type fakeChain struct {
	mu    sync.Mutex
	txs   map[string]chainTx
	err   error
	calls int
}

func (c *fakeChain) VerifyTransaction(_ context.Context, txHash, commitment string, amount decimal.Decimal, recipient string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	tx, ok := c.txs[txHash]
	if !ok {
		return false, nil
	}
	return tx.commitment == commitment && tx.amount.Equal(amount) && tx.recipient == recipient, nil
}

func (c *fakeChain) add(hash string, tx chainTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txs == nil {
		c.txs = map[string]chainTx{}
	}
	c.txs[hash] = tx
}

// fakeCalendar resolves known links.
type fakeCalendar struct {
	events map[string]time.Time
	err    error
}

func (c *fakeCalendar) ResolveEventTime(_ context.Context, eventURL string) (time.Time, error) {
	if c.err != nil {
		return time.Time{}, c.err
	}
	at, ok := c.events[eventURL]
	if !ok {
		return time.Time{}, scheduling.ErrEventNotFound
	}
	return at, nil
}

// conflictingStore fails the first n saves with ErrConflict.
type conflictingStore struct {
	*GrantStore
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (s *conflictingStore) Save(ctx context.Context, app *GrantApplication) error {
	s.mu.Lock()
	s.saves++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return ErrConflict
	}
	s.mu.Unlock()
	return s.GrantStore.Save(ctx, app)
}

type harness struct {
	engine   *Engine
	store    *GrantStore
	audit    *AuditStore
	chain    *fakeChain
	calendar *fakeCalendar
	keys     signature.StaticKeyResolver
	now      time.Time
}

func newHarness(t *testing.T, features Features) *harness {
	t.Helper()
	db := newTestDB(t)
	h := &harness{
		store:    NewGrantStore(db),
		audit:    NewAuditStore(db),
		chain:    &fakeChain{},
		calendar: &fakeCalendar{events: map[string]time.Time{}},
		keys:     signature.StaticKeyResolver{},
		now:      testNow,
	}
	h.engine = h.build(h.store, features)
	return h
}

func (h *harness) build(store Store, features Features) *Engine {
	cfg := DefaultConfig()
	cfg.Features = features
	return NewEngine(store, signature.NewVerifier(h.keys, nil), h.chain, h.calendar, *cfg,
		WithEventLog(h.audit),
		WithClock(func() time.Time { return h.now }),
	)
}

func (h *harness) account(t *testing.T, id string) testAccount {
	t.Helper()
	a := newTestAccount(t, id)
	h.keys[id] = append(h.keys[id], signature.FormatPublicKey(a.pub))
	return a
}

// seed stores an application with a known salt and the given budgets.
func (h *harness) seed(t *testing.T, owner string, salt hashproposal.Salt, budgets ...int64) *GrantApplication {
	t.Helper()
	app := &GrantApplication{ID: "app-" + owner, OwnerIdentity: owner, CreatedAt: h.now, salt: salt}
	for i, b := range budgets {
		app.appendMilestone(decimal.NewFromInt(b), h.now.AddDate(0, i+1, 0), "milestone")
	}
	require.NoError(t, h.store.Create(context.Background(), app))
	return app
}

func submissionJSON(githubURL string) json.RawMessage {
	return json.RawMessage(`{"githubUrl":"` + githubURL + `","comments":"done"}`)
}

func (h *harness) submit(t *testing.T, owner testAccount, appID string, index int) (*GrantApplication, error) {
	t.Helper()
	data := submissionJSON("https://github.com/bob/repo/pull/1")
	return h.engine.Submit(context.Background(), SubmitRequest{
		ApplicationID: appID,
		Identity:      owner.id,
		Index:         index,
		Signed:        owner.signObject(t, data),
		Data:          data,
	})
}

// fund registers a matching chain transaction and records it.
func (h *harness) fund(t *testing.T, owner testAccount, app *GrantApplication, index int) (*GrantApplication, error) {
	t.Helper()
	m, err := app.Milestone(index)
	require.NoError(t, err)
	hash := fmt.Sprintf("tx-%s-%d", app.ID, index)
	h.chain.add(hash, chainTx{commitment: m.Terms().HashProposal, amount: m.Terms().Budget, recipient: owner.id})
	return h.engine.RecordFunding(context.Background(), RecordFundingRequest{
		ApplicationID:   app.ID,
		Identity:        owner.id,
		Index:           index,
		TransactionHash: hash,
	})
}

func (h *harness) interview(t *testing.T, owner testAccount, appID string, index int, at time.Time) (*GrantApplication, error) {
	t.Helper()
	url := fmt.Sprintf("https://api.calendly.com/scheduled_events/%s-%d", appID, index)
	h.calendar.events[url] = at
	return h.engine.ScheduleInterview(context.Background(), ScheduleInterviewRequest{
		ApplicationID: appID,
		Identity:      owner.id,
		Index:         index,
		InterviewURL:  url,
		Signed:        owner.signString(url),
	})
}

// complete drives milestone index to validated.
func (h *harness) complete(t *testing.T, owner testAccount, appID string, index int) *GrantApplication {
	t.Helper()
	ctx := context.Background()
	_, err := h.submit(t, owner, appID, index)
	require.NoError(t, err)
	app, err := h.engine.Get(ctx, appID, owner.id)
	require.NoError(t, err)
	_, err = h.fund(t, owner, app, index)
	require.NoError(t, err)
	_, err = h.interview(t, owner, appID, index, h.now.Add(-time.Hour))
	require.NoError(t, err)
	app, err = h.engine.Validate(ctx, ValidateRequest{ApplicationID: appID, Index: index, Actor: "admin.near"})
	require.NoError(t, err)
	return app
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "error: %v", err)
}

var errChainDown = errors.New("rpc: connection refused")
