package executor_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/postlane/postlane/pkg/eventbus"
	"github.com/postlane/postlane/pkg/events"
	"github.com/postlane/postlane/pkg/executor"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
	"github.com/postlane/postlane/pkg/persistence/file"
	"github.com/postlane/postlane/pkg/protocol"
	"github.com/postlane/postlane/pkg/steps/addtag"
	"github.com/postlane/postlane/pkg/steps/delay"
	"github.com/postlane/postlane/pkg/steps/sendemail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	mu       sync.Mutex
	requests []protocol.SendEmailRequest
	err      error
}

func (m *fakeMailer) Send(_ context.Context, req protocol.SendEmailRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	return m.err
}

func (m *fakeMailer) sent() []protocol.SendEmailRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]protocol.SendEmailRequest(nil), m.requests...)
}

type capturingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *capturingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *capturingBus) types() []events.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()

	types := make([]events.EventType, 0, len(b.events))
	for _, event := range b.events {
		types = append(types, event.GetType())
	}

	return types
}

type fixture struct {
	persistence persistence.Persistence
	mailer      *fakeMailer
	bus         *capturingBus
	executor    *executor.Executor
}

func newFixture(t *testing.T, config executor.Config) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	mailer := &fakeMailer{}
	bus := &capturingBus{}

	registry := executor.NewRegistry(slog.Default())
	registry.Register(sendemail.NewHandlerFactory(mailer))
	registry.Register(delay.NewHandlerFactory())
	registry.Register(addtag.NewHandlerFactory(store.ContactRepository()))

	return &fixture{
		persistence: store,
		mailer:      mailer,
		bus:         bus,
		executor:    executor.NewExecutor(store, registry, bus, slog.Default(), config),
	}
}

func (f *fixture) seedAutomation(t *testing.T, status models.AutomationStatus, steps []models.Step) *models.Automation {
	t.Helper()

	automation := &models.Automation{
		ID:          uuid.New().String(),
		OwnerID:     "owner-1",
		Name:        "welcome sequence",
		Status:      status,
		TriggerType: models.TriggerTypeContactAdded,
		Steps:       steps,
	}
	require.NoError(t, f.persistence.AutomationRepository().SaveAutomation(context.Background(), automation))

	return automation
}

func (f *fixture) seedContact(t *testing.T, email string) *models.Contact {
	t.Helper()

	contact, err := f.persistence.ContactRepository().UpsertContact(context.Background(), &models.Contact{
		OwnerID:   "owner-1",
		Email:     email,
		FirstName: "Ada",
	})
	require.NoError(t, err)

	return contact
}

func (f *fixture) enqueueAndClaim(t *testing.T, automationID, contactID string) *models.QueueItem {
	t.Helper()

	ctx := context.Background()
	item := &models.QueueItem{
		ID:           uuid.New().String(),
		AutomationID: automationID,
		ContactID:    contactID,
		Status:       models.QueueItemStatusPending,
		ExecuteAt:    time.Now().UTC().Add(-1 * time.Second),
	}
	require.NoError(t, f.persistence.QueueRepository().Enqueue(ctx, item))

	claimed, err := f.persistence.QueueRepository().ClaimNextDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, item.ID, claimed.ID)

	return claimed
}

func (f *fixture) reclaim(t *testing.T, at time.Time) *models.QueueItem {
	t.Helper()

	claimed, err := f.persistence.QueueRepository().ClaimNextDue(context.Background(), at)
	require.NoError(t, err)

	return claimed
}

func welcomeSteps() []models.Step {
	return []models.Step{
		{Kind: models.StepKindSendEmail, SendEmail: &models.SendEmailParams{TemplateID: "tpl-welcome", SenderID: "snd-1"}},
		{Kind: models.StepKindDelay, Delay: &models.DelayParams{Duration: models.Duration(1 * time.Hour)}},
		{Kind: models.StepKindAddTag, AddTag: &models.AddTagParams{Tag: "welcomed"}},
	}
}

func TestExecuteNextWalksSendDelayTagSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, executor.DefaultConfig())

	automation := f.seedAutomation(t, models.AutomationStatusActive, welcomeSteps())
	contact := f.seedContact(t, "ada@example.com")
	item := f.enqueueAndClaim(t, automation.ID, contact.ID)

	// Step 0: send_email.
	require.NoError(t, f.executor.ExecuteNext(ctx, item))

	sent := f.mailer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@example.com", sent[0].To)
	assert.Equal(t, "tpl-welcome", sent[0].TemplateID)
	assert.Equal(t, item.ID+":0", sent[0].IdempotencyKey)
	assert.Equal(t, "Ada", sent[0].Variables["first_name"])

	stored, err := f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusPending, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepIndex)

	// Step 1: delay pushes execute_at about an hour out.
	claimed := f.reclaim(t, time.Now().UTC())
	require.NoError(t, f.executor.ExecuteNext(ctx, claimed))

	stored, err = f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentStepIndex)
	assert.WithinDuration(t, time.Now().UTC().Add(1*time.Hour), stored.ExecuteAt, 10*time.Second)

	// The item is not claimable until the delay elapses.
	_, err = f.persistence.QueueRepository().ClaimNextDue(ctx, time.Now().UTC())
	assert.ErrorIs(t, err, persistence.ErrNoItemDue)

	// Step 2: add_tag, claimed as if the hour has passed.
	claimed = f.reclaim(t, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, f.executor.ExecuteNext(ctx, claimed))

	tagged, err := f.persistence.ContactRepository().ContactByID(ctx, contact.ID)
	require.NoError(t, err)
	assert.True(t, tagged.HasTag("welcomed"))

	// Cursor past the last step: next claim completes the item.
	claimed = f.reclaim(t, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, f.executor.ExecuteNext(ctx, claimed))

	stored, err = f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusCompleted, stored.Status)

	assert.Equal(t, []events.EventType{
		events.StepCompletedEvent,
		events.StepCompletedEvent,
		events.StepCompletedEvent,
		events.ItemCompletedEvent,
	}, f.bus.types())
}

func TestExecuteNextRetriesTransientMailerFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, executor.DefaultConfig())
	f.mailer.err = errors.New("smtp relay unreachable")

	automation := f.seedAutomation(t, models.AutomationStatusActive, welcomeSteps())
	contact := f.seedContact(t, "ada@example.com")
	item := f.enqueueAndClaim(t, automation.ID, contact.ID)

	// Attempt 1: requeued with backoff, same step.
	require.NoError(t, f.executor.ExecuteNext(ctx, item))

	stored, err := f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusPending, stored.Status)
	assert.Equal(t, 0, stored.CurrentStepIndex)
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, stored.ExecuteAt.After(time.Now().UTC().Add(20*time.Second)))

	// Attempt 2.
	claimed := f.reclaim(t, stored.ExecuteAt.Add(1*time.Second))
	require.NoError(t, f.executor.ExecuteNext(ctx, claimed))

	stored, err = f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)

	// Attempt 3 exhausts the budget.
	claimed = f.reclaim(t, stored.ExecuteAt.Add(1*time.Second))
	require.NoError(t, f.executor.ExecuteNext(ctx, claimed))

	stored, err = f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.ErrorMessage, "step 0 (send_email)")
	assert.Contains(t, stored.ErrorMessage, "smtp relay unreachable")

	assert.Len(t, f.mailer.sent(), 3)
	assert.Equal(t, []events.EventType{
		events.ItemRequeuedEvent,
		events.ItemRequeuedEvent,
		events.ItemFailedEvent,
	}, f.bus.types())
}

func TestFailedItemDoesNotAffectOtherContacts(t *testing.T) {
	ctx := context.Background()

	config := executor.DefaultConfig()
	config.Retry.MaxAttempts = 1

	f := newFixture(t, config)
	f.mailer.err = errors.New("smtp relay unreachable")

	automation := f.seedAutomation(t, models.AutomationStatusActive, welcomeSteps()[:1])
	failing := f.seedContact(t, "failing@example.com")
	item := f.enqueueAndClaim(t, automation.ID, failing.ID)

	require.NoError(t, f.executor.ExecuteNext(ctx, item))

	stored, err := f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueueItemStatusFailed, stored.Status)

	// The mailer recovers; an item for another contact runs to completion.
	f.mailer.err = nil
	healthy := f.seedContact(t, "healthy@example.com")
	other := f.enqueueAndClaim(t, automation.ID, healthy.ID)

	require.NoError(t, f.executor.ExecuteNext(ctx, other))

	claimed := f.reclaim(t, time.Now().UTC())
	require.NoError(t, f.executor.ExecuteNext(ctx, claimed))

	stored, err = f.persistence.QueueRepository().ItemByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusCompleted, stored.Status)
}

func TestExecuteNextFailsPermanentErrorWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, executor.DefaultConfig())

	automation := f.seedAutomation(t, models.AutomationStatusActive, welcomeSteps()[:1])

	contact := f.seedContact(t, "ada@example.com")
	item := f.enqueueAndClaim(t, automation.ID, contact.ID)

	// Strip the step parameters after the claim: nil params is a permanent error.
	automation.Steps = []models.Step{{Kind: models.StepKindSendEmail}}
	require.NoError(t, f.persistence.AutomationRepository().SaveAutomation(ctx, automation))

	require.NoError(t, f.executor.ExecuteNext(ctx, item))

	stored, err := f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusFailed, stored.Status)
	assert.Empty(t, f.mailer.sent())
}

func TestExecuteNextFailsUnregisteredStepKind(t *testing.T) {
	ctx := context.Background()

	store := file.NewPersistence(t.TempDir())
	registry := executor.NewRegistry(slog.Default())
	exec := executor.NewExecutor(store, registry, nil, slog.Default(), executor.DefaultConfig())

	automation := &models.Automation{
		ID:          uuid.New().String(),
		OwnerID:     "owner-1",
		Name:        "tag only",
		Status:      models.AutomationStatusActive,
		TriggerType: models.TriggerTypeContactAdded,
		Steps:       []models.Step{{Kind: models.StepKindAddTag, AddTag: &models.AddTagParams{Tag: "x"}}},
	}
	require.NoError(t, store.AutomationRepository().SaveAutomation(ctx, automation))

	item := &models.QueueItem{
		ID:           uuid.New().String(),
		AutomationID: automation.ID,
		ContactID:    "contact-1",
		Status:       models.QueueItemStatusPending,
		ExecuteAt:    time.Now().UTC().Add(-1 * time.Second),
	}
	require.NoError(t, store.QueueRepository().Enqueue(ctx, item))

	claimed, err := store.QueueRepository().ClaimNextDue(ctx, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, exec.ExecuteNext(ctx, claimed))

	stored, err := store.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "not registered")
}

func TestExecuteNextFailsWhenAutomationDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, executor.DefaultConfig())

	contact := f.seedContact(t, "ada@example.com")
	item := f.enqueueAndClaim(t, uuid.New().String(), contact.ID)

	require.NoError(t, f.executor.ExecuteNext(ctx, item))

	stored, err := f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "automation no longer exists")
}

func TestExecuteNextSuspendsPausedAutomation(t *testing.T) {
	ctx := context.Background()

	config := executor.DefaultConfig()
	config.Pause = executor.PausePolicySuspend
	config.SuspendRevisit = 5 * time.Minute

	f := newFixture(t, config)

	automation := f.seedAutomation(t, models.AutomationStatusPaused, welcomeSteps())
	contact := f.seedContact(t, "ada@example.com")
	item := f.enqueueAndClaim(t, automation.ID, contact.ID)

	require.NoError(t, f.executor.ExecuteNext(ctx, item))

	stored, err := f.persistence.QueueRepository().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueItemStatusPending, stored.Status)
	assert.Equal(t, 0, stored.CurrentStepIndex)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), stored.ExecuteAt, 10*time.Second)
	assert.Empty(t, f.mailer.sent())
}

func TestExecuteNextDrainsPausedAutomationByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, executor.DefaultConfig())

	automation := f.seedAutomation(t, models.AutomationStatusPaused, welcomeSteps()[:1])
	contact := f.seedContact(t, "ada@example.com")
	item := f.enqueueAndClaim(t, automation.ID, contact.ID)

	require.NoError(t, f.executor.ExecuteNext(ctx, item))

	// Drain policy keeps executing in-flight items.
	assert.Len(t, f.mailer.sent(), 1)
}

func TestRetryPolicyBackoffDoublesUpToCap(t *testing.T) {
	policy := executor.RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     2 * time.Minute,
	}

	assert.Equal(t, 30*time.Second, policy.Backoff(1))
	assert.Equal(t, 1*time.Minute, policy.Backoff(2))
	assert.Equal(t, 2*time.Minute, policy.Backoff(3))
	assert.Equal(t, 2*time.Minute, policy.Backoff(4))
}
