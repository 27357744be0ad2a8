package grants

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantStore_RoundTrip(t *testing.T) {
	store := NewGrantStore(newTestDB(t))
	ctx := context.Background()

	app := &GrantApplication{ID: "app-1", OwnerIdentity: "bob.near", CreatedAt: testNow, salt: "secret"}
	app.appendMilestone(decimal.RequireFromString("1234.56"), testNow.AddDate(0, 1, 0), "first")
	app.appendMilestone(decimal.NewFromInt(10), testNow.AddDate(0, 2, 0), "second")
	require.NoError(t, store.Create(ctx, app))
	assert.Equal(t, int64(1), app.Version())

	m0, _ := app.Milestone(0)
	require.NoError(t, m0.submit(Submission{GithubURL: "https://github.com/bob/x", Comments: "c", SubmittedAt: testNow}))
	require.NoError(t, m0.recordFunding("tx-1", testNow.Add(time.Minute)))
	require.NoError(t, m0.scheduleInterview(Interview{URL: "https://cal/ev", ScheduledAt: testNow, At: testNow.Add(time.Hour)}))
	require.NoError(t, store.Save(ctx, app))
	assert.Equal(t, int64(2), app.Version())

	got, err := store.Load(ctx, "app-1", "bob.near")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version())
	assert.Equal(t, "secret", got.salt.Reveal())
	require.Equal(t, 2, got.Len())

	g0, _ := got.Milestone(0)
	assert.Equal(t, StateInterviewScheduled, g0.State())
	assert.True(t, g0.Terms().Budget.Equal(decimal.RequireFromString("1234.56")))
	assert.Equal(t, m0.Terms().HashProposal, g0.Terms().HashProposal)
	assert.Equal(t, "https://github.com/bob/x", g0.Submission().GithubURL)
	assert.Equal(t, "tx-1", g0.Funding().TransactionHash)
	assert.True(t, g0.Interview().At.Equal(testNow.Add(time.Hour)))

	g1, _ := got.Milestone(1)
	assert.Equal(t, StateCreated, g1.State())
	assert.Equal(t, "second", g1.Terms().Description)
}

func TestGrantStore_LoadMissing(t *testing.T) {
	store := NewGrantStore(newTestDB(t))
	ctx := context.Background()

	app := &GrantApplication{ID: "app-1", OwnerIdentity: "bob.near", CreatedAt: testNow, salt: "s"}
	require.NoError(t, store.Create(ctx, app))

	got, err := store.Load(ctx, "app-1", "mallory.near")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.LoadByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.LoadByID(ctx, "app-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Len())
}

func TestGrantStore_StaleSaveConflicts(t *testing.T) {
	store := NewGrantStore(newTestDB(t))
	ctx := context.Background()

	app := &GrantApplication{ID: "app-1", OwnerIdentity: "bob.near", CreatedAt: testNow, salt: "s"}
	app.appendMilestone(decimal.NewFromInt(1), testNow, "m")
	require.NoError(t, store.Create(ctx, app))

	first, err := store.Load(ctx, "app-1", "bob.near")
	require.NoError(t, err)
	second, err := store.Load(ctx, "app-1", "bob.near")
	require.NoError(t, err)

	m, _ := first.Milestone(0)
	require.NoError(t, m.submit(Submission{GithubURL: "first", SubmittedAt: testNow}))
	require.NoError(t, store.Save(ctx, first))

	m, _ = second.Milestone(0)
	require.NoError(t, m.submit(Submission{GithubURL: "second", SubmittedAt: testNow}))
	assert.ErrorIs(t, store.Save(ctx, second), ErrConflict)
	assert.Equal(t, int64(1), second.Version())

	got, err := store.LoadByID(ctx, "app-1")
	require.NoError(t, err)
	g, _ := got.Milestone(0)
	assert.Equal(t, "first", g.Submission().GithubURL)
}

func TestGrantStore_SaveAppendsMilestone(t *testing.T) {
	store := NewGrantStore(newTestDB(t))
	ctx := context.Background()

	app := &GrantApplication{ID: "app-1", OwnerIdentity: "bob.near", CreatedAt: testNow, salt: "s"}
	app.appendMilestone(decimal.NewFromInt(1), testNow, "m0")
	require.NoError(t, store.Create(ctx, app))

	app.appendMilestone(decimal.NewFromInt(2), testNow, "m1")
	require.NoError(t, store.Save(ctx, app))

	got, err := store.LoadByID(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	m1, _ := got.Milestone(1)
	assert.Equal(t, "m1", m1.Terms().Description)
}

func TestGrantStore_UntrustedFundingIgnored(t *testing.T) {
	db := newTestDB(t)
	store := NewGrantStore(db)
	ctx := context.Background()

	app := &GrantApplication{ID: "app-1", OwnerIdentity: "bob.near", CreatedAt: testNow, salt: "s"}
	app.appendMilestone(decimal.NewFromInt(1), testNow, "m0")
	m, _ := app.Milestone(0)
	require.NoError(t, m.submit(Submission{GithubURL: "u", SubmittedAt: testNow}))
	require.NoError(t, store.Create(ctx, app))

	require.NoError(t, db.Model(&MilestoneRecord{}).
		Where("application_id = ?", "app-1").
		Updates(map[string]any{"near_transaction_hash": "forged", "funded_at": testNow}).Error)

	got, err := store.LoadByID(ctx, "app-1")
	require.NoError(t, err)
	g, _ := got.Milestone(0)
	assert.Nil(t, g.Funding())
	assert.Equal(t, StateSubmitted, g.State())
}

func TestGrantStore_ListByOwner(t *testing.T) {
	store := NewGrantStore(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		app := &GrantApplication{ID: fmt.Sprintf("app-%d", i), OwnerIdentity: "bob.near", CreatedAt: testNow, salt: "s"}
		app.appendMilestone(decimal.NewFromInt(int64(i+1)), testNow, "m")
		require.NoError(t, store.Create(ctx, app))
	}
	other := &GrantApplication{ID: "app-other", OwnerIdentity: "alice.near", CreatedAt: testNow, salt: "s"}
	require.NoError(t, store.Create(ctx, other))

	page1, next, err := store.ListByOwner(ctx, "bob.near", 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "app-0", page1[0].ID)
	assert.Equal(t, "app-1", next)
	assert.Equal(t, 1, page1[0].Len())

	page2, next, err := store.ListByOwner(ctx, "bob.near", 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "app-2", page2[0].ID)

	page3, next, err := store.ListByOwner(ctx, "bob.near", 2, next)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, next)

	none, _, err := store.ListByOwner(ctx, "nobody.near", 10, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditStore_ListByApplication(t *testing.T) {
	audit := NewAuditStore(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, audit.Append(ctx, &MilestoneEventRecord{
			ID:            fmt.Sprintf("ev-%d", i),
			ApplicationID: "app-1",
			Event:         string(EventSubmit),
			Actor:         "bob.near",
			Outcome:       OutcomeRejected,
			CreatedAt:     testNow.Add(time.Duration(i) * time.Second),
		}))
	}

	records, next, total, err := audit.ListByApplication(ctx, "app-1", 2, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, records, 2)
	assert.Equal(t, "ev-2", records[0].ID)
	require.NotEmpty(t, next)

	records, next, _, err = audit.ListByApplication(ctx, "app-1", 2, next)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ev-0", records[0].ID)
	assert.Empty(t, next)

	_, _, _, err = audit.ListByApplication(ctx, "app-1", 2, "garbage")
	assert.Error(t, err)
}

func TestAuditStore_ListByApplication_SharedTimestamp(t *testing.T) {
	audit := NewAuditStore(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, audit.Append(ctx, &MilestoneEventRecord{
			ID:            fmt.Sprintf("ev-%d", i),
			ApplicationID: "app-1",
			Event:         string(EventSubmit),
			Actor:         "bob.near",
			Outcome:       OutcomeRejected,
			CreatedAt:     testNow,
		}))
	}

	var ids []string
	token := ""
	for page := 0; page < 5; page++ {
		records, next, _, err := audit.ListByApplication(ctx, "app-1", 2, token)
		require.NoError(t, err)
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, []string{"ev-4", "ev-3", "ev-2", "ev-1", "ev-0"}, ids)
}
