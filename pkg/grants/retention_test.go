package grants

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetentionWorker(t *testing.T) {
	w := NewRetentionWorker(nil, 30, nil)
	assert.Equal(t, 30*24*time.Hour, w.retention)
	assert.Equal(t, 24*time.Hour, w.interval)
}

func TestRetentionWorker_DisabledReturns(t *testing.T) {
	w := NewRetentionWorker(NewAuditStore(newTestDB(t)), 0, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with retention disabled")
	}
}

func TestRetentionWorker_Prune(t *testing.T) {
	audit := NewAuditStore(newTestDB(t))
	ctx := context.Background()

	for i, age := range []time.Duration{100 * 24 * time.Hour, 40 * 24 * time.Hour, time.Hour} {
		require.NoError(t, audit.Append(ctx, &MilestoneEventRecord{
			ID:            fmt.Sprintf("ev-%d", i),
			ApplicationID: "app-1",
			Event:         string(EventValidate),
			Actor:         "admin.near",
			Outcome:       OutcomeSuccess,
			CreatedAt:     testNow.Add(-age),
		}))
	}

	w := NewRetentionWorker(audit, 30, nil)
	w.now = func() time.Time { return testNow }
	w.prune(ctx)

	records, _, total, err := audit.ListByApplication(ctx, "app-1", 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "ev-2", records[0].ID)
}
