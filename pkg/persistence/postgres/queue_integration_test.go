//go:build integration
// +build integration

package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

var postgresContainer *pgcontainer.PostgresContainer

func TestMain(m *testing.M) {
	code := m.Run()

	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

func setupTestDB(t *testing.T) (*Persistence, context.Context) {
	ctx := context.Background()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = pgcontainer.Run(ctx,
			"postgres:16-alpine",
			pgcontainer.WithDatabase("postlane_test"),
			pgcontainer.WithUsername("postlane"),
			pgcontainer.WithPassword("postlane"),
			pgcontainer.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	cleanupDB(t, databaseURL)

	return p, ctx
}

func cleanupDB(t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer db.Close()

	_, err = db.ExecContext(context.Background(), "TRUNCATE TABLE queue_items, contacts, automations")
	require.NoError(t, err)
}

func pendingItem(automationID, contactID string, executeAt time.Time) *models.QueueItem {
	return &models.QueueItem{
		ID:           uuid.New().String(),
		AutomationID: automationID,
		ContactID:    contactID,
		Status:       models.QueueItemStatusPending,
		ExecuteAt:    executeAt,
	}
}

func TestClaimNextDueExactlyOnceAcrossConnections(t *testing.T) {
	p, ctx := setupTestDB(t)
	queue := p.QueueRepository()
	now := time.Now().UTC()

	const itemCount = 30

	for i := 0; i < itemCount; i++ {
		item := pendingItem(uuid.New().String(), uuid.New().String(), now.Add(-time.Duration(i+1)*time.Second))
		require.NoError(t, queue.Enqueue(ctx, item))
	}

	const claimers = 10

	var (
		mu        sync.Mutex
		waitGroup sync.WaitGroup
	)

	seen := make(map[string]int)

	for i := 0; i < claimers; i++ {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			for {
				item, err := queue.ClaimNextDue(ctx, now)
				if err != nil {
					return
				}

				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}

	waitGroup.Wait()

	assert.Len(t, seen, itemCount)

	for id, count := range seen {
		assert.Equal(t, 1, count, "item %s claimed more than once", id)
	}
}

func TestClaimNextDueExcludesProcessingPair(t *testing.T) {
	p, ctx := setupTestDB(t)
	queue := p.QueueRepository()
	now := time.Now().UTC()

	first := pendingItem("auto-1", "contact-1", now.Add(-2*time.Minute))
	sibling := pendingItem("auto-1", "contact-1", now.Add(-1*time.Minute))

	require.NoError(t, queue.Enqueue(ctx, first))
	require.NoError(t, queue.Enqueue(ctx, sibling))

	claimed, err := queue.ClaimNextDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)

	_, err = queue.ClaimNextDue(ctx, now)
	assert.ErrorIs(t, err, persistence.ErrNoItemDue)

	require.NoError(t, queue.UpdateProgress(ctx, first.ID, models.QueueProgress{
		Status:    models.QueueItemStatusCompleted,
		ExecuteAt: first.ExecuteAt,
	}))

	claimed, err = queue.ClaimNextDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, sibling.ID, claimed.ID)
}

func TestUpdateProgressGuards(t *testing.T) {
	p, ctx := setupTestDB(t)
	queue := p.QueueRepository()
	now := time.Now().UTC()

	item := pendingItem("auto-1", "contact-1", now.Add(-1*time.Minute))
	item.CurrentStepIndex = 1
	require.NoError(t, queue.Enqueue(ctx, item))

	claimed, err := queue.ClaimNextDue(ctx, now)
	require.NoError(t, err)

	err = queue.UpdateProgress(ctx, claimed.ID, models.QueueProgress{
		Status:           models.QueueItemStatusPending,
		ExecuteAt:        claimed.ExecuteAt,
		CurrentStepIndex: 0,
	})
	assert.ErrorIs(t, err, persistence.ErrProgressRegression)

	require.NoError(t, queue.UpdateProgress(ctx, claimed.ID, models.QueueProgress{
		Status:           models.QueueItemStatusFailed,
		ExecuteAt:        claimed.ExecuteAt,
		CurrentStepIndex: 1,
		Attempts:         3,
		ErrorMessage:     "mailer unreachable",
	}))

	err = queue.UpdateProgress(ctx, claimed.ID, models.QueueProgress{
		Status:           models.QueueItemStatusPending,
		ExecuteAt:        claimed.ExecuteAt,
		CurrentStepIndex: 1,
	})
	assert.ErrorIs(t, err, persistence.ErrItemTerminal)

	require.NoError(t, queue.RequeueFailed(ctx, claimed.ID))

	restored, err := queue.ItemByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusPending, restored.Status)
	assert.Zero(t, restored.Attempts)
}

func TestRequeueStaleBoundedByRetryBudget(t *testing.T) {
	p, ctx := setupTestDB(t)
	queue := p.QueueRepository()
	now := time.Now().UTC()

	fresh := pendingItem("auto-1", "contact-1", now.Add(-2*time.Minute))
	exhausted := pendingItem("auto-2", "contact-2", now.Add(-2*time.Minute))
	exhausted.Attempts = 2
	require.NoError(t, queue.Enqueue(ctx, fresh))
	require.NoError(t, queue.Enqueue(ctx, exhausted))

	_, err := queue.ClaimNextDue(ctx, now)
	require.NoError(t, err)
	_, err = queue.ClaimNextDue(ctx, now)
	require.NoError(t, err)

	count, err := queue.RequeueStale(ctx, time.Now().UTC().Add(1*time.Second), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recovered, err := queue.ItemByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusPending, recovered.Status)
	assert.Equal(t, 1, recovered.Attempts)

	failed, err := queue.ItemByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.ErrorMessage, "retry budget exhausted")
}

func TestContactUpsertMergesByOwnerAndEmail(t *testing.T) {
	p, ctx := setupTestDB(t)
	contacts := p.ContactRepository()

	created, err := contacts.UpsertContact(ctx, &models.Contact{
		OwnerID:   "owner-1",
		Email:     "ada@example.com",
		FirstName: "Ada",
		Tags:      []string{"imported"},
	})
	require.NoError(t, err)

	merged, err := contacts.UpsertContact(ctx, &models.Contact{
		OwnerID:      "owner-1",
		Email:        "ada@example.com",
		LastName:     "Lovelace",
		Tags:         []string{"customer"},
		CustomFields: map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, created.ID)
	assert.Equal(t, created.ID, merged.ID)
	assert.Equal(t, "Ada", merged.FirstName)
	assert.Equal(t, "Lovelace", merged.LastName)
	assert.ElementsMatch(t, []string{"imported", "customer"}, merged.Tags)
	assert.Equal(t, "pro", merged.CustomFields["plan"])

	require.NoError(t, contacts.AddTag(ctx, created.ID, "customer"))

	stored, err := contacts.ContactByID(ctx, created.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"imported", "customer"}, stored.Tags)
}

func TestContactUpsertAssignsDistinctIDs(t *testing.T) {
	p, ctx := setupTestDB(t)
	contacts := p.ContactRepository()

	first, err := contacts.UpsertContact(ctx, &models.Contact{
		OwnerID: "owner-1",
		Email:   "ada@example.com",
	})
	require.NoError(t, err)

	// A second distinct contact must insert, not collide on the primary key.
	second, err := contacts.UpsertContact(ctx, &models.Contact{
		OwnerID: "owner-1",
		Email:   "grace@example.com",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, second.ID)
	assert.NotEqual(t, first.ID, second.ID)
}
