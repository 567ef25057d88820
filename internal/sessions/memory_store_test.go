package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string) *Session {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return &Session{
		ID:             id,
		InstanceID:     "inst-1",
		VisitorID:      "visitor-1",
		FormType:       FormEnrollment,
		ProviderMode:   "demo",
		TotalSteps:     5,
		CurrentStep:    1,
		Data:           map[string]Field{},
		Status:         StatusInProgress,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestMemoryStoreConcurrentUpdatesAllApply(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestSession("s1")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, "s1", func(s *Session) error {
				s.Merge(map[string]string{fmt.Sprintf("k%d", i): "v"}, time.Now())
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Data, 20)
	assert.Equal(t, int64(20), got.Version)
}

func TestMemoryStoreUpdateAbortsOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestSession("s1")))

	boom := errors.New("boom")
	_, err := store.Update(ctx, "s1", func(s *Session) error {
		s.CurrentStep = 3
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get(ctx, "s1")
	assert.Equal(t, 1, got.CurrentStep)
}

func TestMemoryStoreFindActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestSession("s1")))

	got, err := store.FindActive(ctx, "inst-1", "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	_, err = store.FindActive(ctx, "inst-1", "someone-else")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreResumeTokenSingleUse(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.SaveResumeToken(ctx, "tok", "s1", time.Hour))
	id, err := store.ConsumeResumeToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	_, err = store.ConsumeResumeToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStoreResumeTokenExpires(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.SaveResumeToken(ctx, "tok", "s1", time.Hour))
	now = now.Add(2 * time.Hour)
	_, err := store.ConsumeResumeToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStoreStepClaims(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	res, err := store.ClaimStep(ctx, "s1", 4, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = store.ClaimStep(ctx, "s1", 4, time.Minute)
	assert.ErrorIs(t, err, ErrStepInFlight)

	require.NoError(t, store.ReleaseStep(ctx, "s1", 4))
	res, err = store.ClaimStep(ctx, "s1", 4, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, res)

	want := StepResult{SessionID: "s1", Step: 4, NextStep: 5, Payload: map[string]string{"fsr_no": "F1"}, CompletedAt: now}
	require.NoError(t, store.CompleteStep(ctx, want))
	require.NoError(t, store.ReleaseStep(ctx, "s1", 4))

	res, err = store.ClaimStep(ctx, "s1", 4, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, want, *res)
}

func TestMemoryStoreStaleClaimCanBeRetaken(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := store.ClaimStep(ctx, "s1", 4, time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	res, err := store.ClaimStep(ctx, "s1", 4, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, res)
}
