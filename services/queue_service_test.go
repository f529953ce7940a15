package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermatch-system/config"
	"peermatch-system/models"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type publishedEvent struct {
	Channel string
	Type    string
}

type fakeNotifier struct {
	mu         sync.Mutex
	events     []publishedEvent
	subscribed []string
}

func (f *fakeNotifier) Publish(channel string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eventType, _ := payload["type"].(string)
	f.events = append(f.events, publishedEvent{Channel: channel, Type: eventType})
}

func (f *fakeNotifier) Subscribe(channels []string, callback func(channel string, payload map[string]any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, channels...)
}

func (f *fakeNotifier) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

type fakeMirror struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
	purges  int
}

func (f *fakeMirror) Upsert(ctx context.Context, entry *models.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, entry.UserID)
	return nil
}

func (f *fakeMirror) Delete(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, userID)
	return nil
}

func (f *fakeMirror) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return 0, nil
}

func testServiceConfig() *config.Config {
	return &config.Config{
		MinSessionMinutes:     15,
		MaxSessionMinutes:     180,
		CandidateScanPage:     50,
		WaitCreditPerMinute:   2,
		ExpiryLow:             2 * time.Hour,
		ExpiryMedium:          time.Hour,
		ExpiryHigh:            30 * time.Minute,
		CleanupInterval:       time.Hour,
		RebalanceInterval:     time.Hour,
		RebalanceEpsilon:      0.01,
		DefaultMatchTime:      3 * time.Minute,
		MinWaitEstimate:       30 * time.Second,
		StatsCacheTTL:         10 * time.Second,
		HealthQueueSoftCap:    100,
		HealthSlowMatch:       5 * time.Minute,
		HealthHighMatchesHour: 30,
	}
}

func newTestService(t *testing.T) (*QueueService, redismock.ClientMock, *fakeMirror, *fakeNotifier) {
	t.Helper()

	db, mock := redismock.NewClientMock()
	mirror := &fakeMirror{}
	notifier := &fakeNotifier{}

	service := NewQueueService(db, notifier, mirror, testServiceConfig(), nil)
	service.now = func() time.Time { return testNow }

	return service, mock, mirror, notifier
}

// makeEntry builds an entry exactly the way AddToQueue would at testNow.
func makeEntry(userID string, skills []string, sessionType models.SessionType, urgency models.Urgency, joinedAt time.Time, ttl time.Duration) *models.QueueEntry {
	entry := &models.QueueEntry{
		ID:              models.NewEntryID(userID, joinedAt),
		UserID:          userID,
		PreferredSkills: skills,
		SessionType:     sessionType,
		MaxDuration:     60,
		Urgency:         urgency,
		JoinedAt:        joinedAt,
		ExpiresAt:       joinedAt.Add(ttl),
	}
	entry.Priority = ComputePriority(entry, joinedAt, 2)
	return entry
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func expectEntryRemoval(mock redismock.ClientMock, entry *models.QueueEntry) {
	mock.ExpectTxPipeline()
	mock.ExpectZRem(keyQueue, entry.ID).SetVal(1)
	mock.ExpectLRem(urgencyKey(entry.Urgency), 0, entry.ID).SetVal(1)
	mock.ExpectLRem(typeKey(entry.SessionType), 0, entry.ID).SetVal(1)
	mock.ExpectDel(entryKey(entry.ID)).SetVal(1)
	mock.ExpectDel(userKey(entry.UserID)).SetVal(1)
	mock.ExpectSRem(keyMembers, entry.UserID).SetVal(1)
	mock.ExpectTxPipelineExec()
}

func expectBlindRemoval(mock redismock.ClientMock, id string) {
	mock.ExpectTxPipeline()
	mock.ExpectZRem(keyQueue, id).SetVal(1)
	for _, u := range models.Urgencies {
		mock.ExpectLRem(urgencyKey(u), 0, id).SetVal(0)
	}
	for _, st := range models.SessionTypes {
		mock.ExpectLRem(typeKey(st), 0, id).SetVal(0)
	}
	mock.ExpectDel(entryKey(id)).SetVal(0)
	mock.ExpectTxPipelineExec()
}

func TestAddToQueue_ValidationErrors(t *testing.T) {
	service, mock, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   *models.JoinRequest
		field string
	}{
		{
			name:  "empty user id",
			req:   &models.JoinRequest{PreferredSkills: []string{"js"}, SessionType: models.SessionLearning, MaxDuration: 60, Urgency: models.UrgencyLow},
			field: "user_id",
		},
		{
			name:  "no skills",
			req:   &models.JoinRequest{UserID: "u1", SessionType: models.SessionLearning, MaxDuration: 60, Urgency: models.UrgencyLow},
			field: "preferred_skills",
		},
		{
			name:  "unknown session type",
			req:   &models.JoinRequest{UserID: "u1", PreferredSkills: []string{"js"}, SessionType: "mentoring", MaxDuration: 60, Urgency: models.UrgencyLow},
			field: "session_type",
		},
		{
			name:  "unknown urgency",
			req:   &models.JoinRequest{UserID: "u1", PreferredSkills: []string{"js"}, SessionType: models.SessionLearning, MaxDuration: 60, Urgency: "critical"},
			field: "urgency",
		},
		{
			name:  "duration too short",
			req:   &models.JoinRequest{UserID: "u1", PreferredSkills: []string{"js"}, SessionType: models.SessionLearning, MaxDuration: 5, Urgency: models.UrgencyLow},
			field: "max_duration",
		},
		{
			name:  "duration too long",
			req:   &models.JoinRequest{UserID: "u1", PreferredSkills: []string{"js"}, SessionType: models.SessionLearning, MaxDuration: 500, Urgency: models.UrgencyLow},
			field: "max_duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.AddToQueue(ctx, tt.req)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}

	// Validation failures must not touch the store.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddToQueue_Success(t *testing.T) {
	service, mock, mirror, notifier := newTestService(t)
	ctx := context.Background()

	entry := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow, 30*time.Minute)
	data := mustMarshal(t, entry)

	mock.ExpectGet(userKey("u1")).RedisNil()
	mock.ExpectTxPipeline()
	mock.ExpectSet(entryKey(entry.ID), data, 30*time.Minute).SetVal("OK")
	mock.ExpectSet(userKey("u1"), entry.ID, 30*time.Minute).SetVal("OK")
	mock.ExpectZAdd(keyQueue, redis.Z{Score: entry.Priority, Member: entry.ID}).SetVal(1)
	mock.ExpectRPush(urgencyKey(models.UrgencyHigh), entry.ID).SetVal(1)
	mock.ExpectRPush(typeKey(models.SessionLearning), entry.ID).SetVal(1)
	mock.ExpectSAdd(keyMembers, "u1").SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectDel(keyStats).SetVal(1)
	mock.ExpectZRevRank(keyQueue, entry.ID).SetVal(0)
	mock.ExpectZCard(keyQueue).SetVal(1)
	mock.ExpectHMGet(keyMetrics, metricsFieldMatchCount, metricsFieldMatchWaitTotal).SetVal([]interface{}{nil, nil})

	status, err := service.AddToQueue(ctx, &models.JoinRequest{
		UserID:          "u1",
		PreferredSkills: []string{"js"},
		SessionType:     models.SessionLearning,
		MaxDuration:     60,
		Urgency:         models.UrgencyHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, status.Position)
	assert.Equal(t, 1, status.TotalInQueue)
	assert.GreaterOrEqual(t, status.Position, 1)
	assert.LessOrEqual(t, status.Position, status.TotalInQueue)
	// No matches recorded yet: default 180s, halved for high urgency.
	assert.Equal(t, 90.0, status.EstimatedWaitSeconds)
	assert.Equal(t, 180.0, status.AverageMatchSeconds)

	assert.Equal(t, []string{"u1"}, mirror.upserts)
	assert.Contains(t, notifier.eventTypes(), "user_joined")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddToQueue_ReplacesExistingEntry(t *testing.T) {
	service, mock, mirror, _ := newTestService(t)
	ctx := context.Background()

	oldEntry := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyLow, testNow.Add(-10*time.Minute), 2*time.Hour)
	oldData := mustMarshal(t, oldEntry)

	newEntry := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow, 30*time.Minute)
	newData := mustMarshal(t, newEntry)

	// The stale entry is dropped before the fresh one is written.
	mock.ExpectGet(userKey("u1")).SetVal(oldEntry.ID)
	mock.ExpectGet(entryKey(oldEntry.ID)).SetVal(string(oldData))
	expectEntryRemoval(mock, oldEntry)

	mock.ExpectTxPipeline()
	mock.ExpectSet(entryKey(newEntry.ID), newData, 30*time.Minute).SetVal("OK")
	mock.ExpectSet(userKey("u1"), newEntry.ID, 30*time.Minute).SetVal("OK")
	mock.ExpectZAdd(keyQueue, redis.Z{Score: newEntry.Priority, Member: newEntry.ID}).SetVal(1)
	mock.ExpectRPush(urgencyKey(models.UrgencyHigh), newEntry.ID).SetVal(1)
	mock.ExpectRPush(typeKey(models.SessionLearning), newEntry.ID).SetVal(1)
	mock.ExpectSAdd(keyMembers, "u1").SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectDel(keyStats).SetVal(1)
	mock.ExpectZRevRank(keyQueue, newEntry.ID).SetVal(0)
	mock.ExpectZCard(keyQueue).SetVal(1)
	mock.ExpectHMGet(keyMetrics, metricsFieldMatchCount, metricsFieldMatchWaitTotal).SetVal([]interface{}{nil, nil})

	_, err := service.AddToQueue(ctx, &models.JoinRequest{
		UserID:          "u1",
		PreferredSkills: []string{"js"},
		SessionType:     models.SessionLearning,
		MaxDuration:     60,
		Urgency:         models.UrgencyHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"u1"}, mirror.upserts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveFromQueue_NotQueued_Noop(t *testing.T) {
	service, mock, mirror, notifier := newTestService(t)
	ctx := context.Background()

	mock.ExpectGet(userKey("ghost")).RedisNil()

	err := service.RemoveFromQueue(ctx, "ghost")
	require.NoError(t, err)

	assert.Empty(t, mirror.deletes)
	assert.Empty(t, notifier.eventTypes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveFromQueue_Success(t *testing.T) {
	service, mock, mirror, notifier := newTestService(t)
	ctx := context.Background()

	entry := makeEntry("u1", []string{"js"}, models.SessionTeaching, models.UrgencyMedium, testNow.Add(-5*time.Minute), time.Hour)
	data := mustMarshal(t, entry)

	mock.ExpectGet(userKey("u1")).SetVal(entry.ID)
	mock.ExpectGet(entryKey(entry.ID)).SetVal(string(data))
	expectEntryRemoval(mock, entry)
	mock.ExpectDel(keyStats).SetVal(1)

	err := service.RemoveFromQueue(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"u1"}, mirror.deletes)
	assert.Contains(t, notifier.eventTypes(), "user_left")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueueStatus_NotInQueue(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	mock.ExpectGet(userKey("u1")).RedisNil()

	_, err := service.GetQueueStatus(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotInQueue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueueStatus_Success(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	entry := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyMedium, testNow.Add(-10*time.Minute), time.Hour)
	data := mustMarshal(t, entry)

	mock.ExpectGet(userKey("u1")).SetVal(entry.ID)
	mock.ExpectGet(entryKey(entry.ID)).SetVal(string(data))
	mock.ExpectZRevRank(keyQueue, entry.ID).SetVal(2)
	mock.ExpectZCard(keyQueue).SetVal(5)
	mock.ExpectHMGet(keyMetrics, metricsFieldMatchCount, metricsFieldMatchWaitTotal).SetVal([]interface{}{"4", "720"})

	status, err := service.GetQueueStatus(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 3, status.Position)
	assert.Equal(t, 5, status.TotalInQueue)
	// avg 180s, rank 3, medium scaling 0.8
	assert.Equal(t, 432.0, status.EstimatedWaitSeconds)
	assert.Equal(t, 180.0, status.AverageMatchSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueueStatus_ExpiredEntryIsEvicted(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	entry := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow.Add(-2*time.Hour), 30*time.Minute)
	data := mustMarshal(t, entry)

	mock.ExpectGet(userKey("u1")).SetVal(entry.ID)
	mock.ExpectGet(entryKey(entry.ID)).SetVal(string(data))
	expectEntryRemoval(mock, entry)

	_, err := service.GetQueueStatus(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotInQueue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextCandidates_CompatibleOnly(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	requester := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow, 30*time.Minute)
	candidate := makeEntry("u2", []string{"js", "react"}, models.SessionTeaching, models.UrgencyLow, testNow, 2*time.Hour)

	mock.ExpectZRevRange(keyQueue, 0, 49).SetVal([]string{requester.ID, candidate.ID})
	mock.ExpectGet(entryKey(requester.ID)).SetVal(string(mustMarshal(t, requester)))
	mock.ExpectGet(entryKey(candidate.ID)).SetVal(string(mustMarshal(t, candidate)))

	candidates, err := service.GetNextCandidates(context.Background(), "u1", models.SessionLearning, 5)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "u2", candidates[0].UserID)
	// low base 100 + teaching 20 + two skills 20
	assert.Equal(t, 140.0, candidates[0].Priority)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextCandidates_SkipsExpiredAndIncompatible(t *testing.T) {
	service, mock, mirror, _ := newTestService(t)

	expired := makeEntry("u2", []string{"js"}, models.SessionTeaching, models.UrgencyHigh, testNow.Add(-time.Hour), 30*time.Minute)
	incompatible := makeEntry("u3", []string{"go"}, models.SessionLearning, models.UrgencyMedium, testNow, time.Hour)
	match := makeEntry("u4", []string{"go"}, models.SessionCollaboration, models.UrgencyLow, testNow, 2*time.Hour)

	mock.ExpectZRevRange(keyQueue, 0, 49).SetVal([]string{expired.ID, incompatible.ID, match.ID})
	mock.ExpectGet(entryKey(expired.ID)).SetVal(string(mustMarshal(t, expired)))
	expectEntryRemoval(mock, expired)
	mock.ExpectGet(entryKey(incompatible.ID)).SetVal(string(mustMarshal(t, incompatible)))
	mock.ExpectGet(entryKey(match.ID)).SetVal(string(mustMarshal(t, match)))

	candidates, err := service.GetNextCandidates(context.Background(), "u1", models.SessionLearning, 5)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "u4", candidates[0].UserID)
	// The expired entry was lazily evicted, mirror included.
	assert.Equal(t, []string{"u2"}, mirror.deletes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextCandidates_EvictionDoesNotSkipShiftedEntries(t *testing.T) {
	service, mock, _, _ := newTestService(t)
	service.config.CandidateScanPage = 2

	expired := makeEntry("u2", []string{"js"}, models.SessionTeaching, models.UrgencyHigh, testNow.Add(-time.Hour), 30*time.Minute)
	first := makeEntry("u3", []string{"js"}, models.SessionTeaching, models.UrgencyMedium, testNow, time.Hour)
	second := makeEntry("u4", []string{"js"}, models.SessionCollaboration, models.UrgencyLow, testNow, 2*time.Hour)

	// Evicting the expired head shrinks the index, sliding u4 into the
	// window the first page already covered. The next fetch must start at
	// the shifted position or u4 would never be visited.
	mock.ExpectZRevRange(keyQueue, 0, 1).SetVal([]string{expired.ID, first.ID})
	mock.ExpectGet(entryKey(expired.ID)).SetVal(string(mustMarshal(t, expired)))
	expectEntryRemoval(mock, expired)
	mock.ExpectGet(entryKey(first.ID)).SetVal(string(mustMarshal(t, first)))
	mock.ExpectZRevRange(keyQueue, 1, 2).SetVal([]string{second.ID})
	mock.ExpectGet(entryKey(second.ID)).SetVal(string(mustMarshal(t, second)))

	candidates, err := service.GetNextCandidates(context.Background(), "u1", models.SessionLearning, 5)
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	assert.Equal(t, "u3", candidates[0].UserID)
	assert.Equal(t, "u4", candidates[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextCandidates_DeletesCorruptEntries(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	healthy := makeEntry("u2", []string{"js"}, models.SessionTeaching, models.UrgencyLow, testNow, 2*time.Hour)

	mock.ExpectZRevRange(keyQueue, 0, 49).SetVal([]string{"broken_1", healthy.ID})
	mock.ExpectGet(entryKey("broken_1")).SetVal("{not json")
	expectBlindRemoval(mock, "broken_1")
	mock.ExpectGet(entryKey(healthy.ID)).SetVal(string(mustMarshal(t, healthy)))

	candidates, err := service.GetNextCandidates(context.Background(), "u1", models.SessionLearning, 5)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "u2", candidates[0].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextCandidates_StopsAtLimit(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	first := makeEntry("u2", []string{"js"}, models.SessionTeaching, models.UrgencyHigh, testNow, 30*time.Minute)
	second := makeEntry("u3", []string{"js"}, models.SessionCollaboration, models.UrgencyMedium, testNow, time.Hour)

	// The third id must never be loaded once the limit is reached.
	mock.ExpectZRevRange(keyQueue, 0, 49).SetVal([]string{first.ID, second.ID, "u4_999"})
	mock.ExpectGet(entryKey(first.ID)).SetVal(string(mustMarshal(t, first)))
	mock.ExpectGet(entryKey(second.ID)).SetVal(string(mustMarshal(t, second)))

	candidates, err := service.GetNextCandidates(context.Background(), "u1", models.SessionLearning, 2)
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	assert.Equal(t, "u2", candidates[0].UserID)
	assert.Equal(t, "u3", candidates[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextCandidates_InvalidInput(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	var validationErr *ValidationError

	_, err := service.GetNextCandidates(context.Background(), "u1", "mentoring", 5)
	require.ErrorAs(t, err, &validationErr)

	_, err = service.GetNextCandidates(context.Background(), "u1", models.SessionLearning, 0)
	require.ErrorAs(t, err, &validationErr)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpiredEntries(t *testing.T) {
	service, mock, mirror, notifier := newTestService(t)

	expired := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow.Add(-time.Hour), 30*time.Minute)
	live := makeEntry("u2", []string{"go"}, models.SessionTeaching, models.UrgencyLow, testNow, 2*time.Hour)

	mock.ExpectZRange(keyQueue, 0, -1).SetVal([]string{expired.ID, live.ID, "vanished_1"})
	mock.ExpectGet(entryKey(expired.ID)).SetVal(string(mustMarshal(t, expired)))
	expectEntryRemoval(mock, expired)
	mock.ExpectGet(entryKey(live.ID)).SetVal(string(mustMarshal(t, live)))
	mock.ExpectGet(entryKey("vanished_1")).RedisNil()
	expectBlindRemoval(mock, "vanished_1")
	mock.ExpectDel(keyStats).SetVal(1)

	removed, err := service.CleanupExpiredEntries(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"u1"}, mirror.deletes)
	assert.Equal(t, 1, mirror.purges)
	assert.Contains(t, notifier.eventTypes(), "queue_update")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveOrphanedRecords(t *testing.T) {
	service, mock, mirror, _ := newTestService(t)

	mock.ExpectSMembers(keyMembers).SetVal([]string{"u1", "u2"})

	// u1: membership without a per-user pointer.
	mock.ExpectGet(userKey("u1")).RedisNil()
	mock.ExpectSRem(keyMembers, "u1").SetVal(1)

	// u2: intact.
	mock.ExpectGet(userKey("u2")).SetVal("u2_100")
	mock.ExpectExists(entryKey("u2_100")).SetVal(1)

	// One ghost reference left in an urgency list.
	mock.ExpectLRange(urgencyKey(models.UrgencyLow), 0, -1).SetVal([]string{"ghost_1"})
	mock.ExpectZScore(keyQueue, "ghost_1").RedisNil()
	mock.ExpectLRem(urgencyKey(models.UrgencyLow), 0, "ghost_1").SetVal(1)
	mock.ExpectLRange(urgencyKey(models.UrgencyMedium), 0, -1).SetVal([]string{})
	mock.ExpectLRange(urgencyKey(models.UrgencyHigh), 0, -1).SetVal([]string{})
	mock.ExpectLRange(typeKey(models.SessionLearning), 0, -1).SetVal([]string{})
	mock.ExpectLRange(typeKey(models.SessionTeaching), 0, -1).SetVal([]string{})
	mock.ExpectLRange(typeKey(models.SessionCollaboration), 0, -1).SetVal([]string{})

	removed, err := service.RemoveOrphanedRecords(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"u1"}, mirror.deletes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebalanceQueue_UpdatesOnlyDriftedScores(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	fresh := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow, 30*time.Minute)
	stale := makeEntry("u2", []string{"js"}, models.SessionTeaching, models.UrgencyLow, testNow.Add(-10*time.Minute), 2*time.Hour)

	rescored := *stale
	rescored.Priority = ComputePriority(stale, testNow, 2)
	require.Greater(t, rescored.Priority, stale.Priority)

	mock.ExpectZRangeWithScores(keyQueue, 0, -1).SetVal([]redis.Z{
		{Score: fresh.Priority, Member: fresh.ID},
		{Score: stale.Priority, Member: stale.ID},
	})
	mock.ExpectGet(entryKey(fresh.ID)).SetVal(string(mustMarshal(t, fresh)))
	mock.ExpectGet(entryKey(stale.ID)).SetVal(string(mustMarshal(t, stale)))
	mock.ExpectTxPipeline()
	mock.ExpectZAdd(keyQueue, redis.Z{Score: rescored.Priority, Member: stale.ID}).SetVal(0)
	mock.ExpectSet(entryKey(stale.ID), mustMarshal(t, &rescored), redis.KeepTTL).SetVal("OK")
	mock.ExpectTxPipelineExec()

	err := service.RebalanceQueue(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmMatch_LostRace(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	mock.ExpectGet(userKey("u1")).RedisNil()

	err := service.ConfirmMatch(context.Background(), "u1", "u2")
	assert.ErrorIs(t, err, ErrNotInQueue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmMatch_LostRaceLeavesFirstPartyQueued(t *testing.T) {
	service, mock, mirror, notifier := newTestService(t)

	queued := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow.Add(-2*time.Minute), 30*time.Minute)

	// u2 dropped out between candidate retrieval and confirmation. u1 must
	// stay fully queued: no index removal, no mirror delete, no events.
	mock.ExpectGet(userKey("u1")).SetVal(queued.ID)
	mock.ExpectGet(entryKey(queued.ID)).SetVal(string(mustMarshal(t, queued)))
	mock.ExpectGet(userKey("u2")).RedisNil()

	err := service.ConfirmMatch(context.Background(), "u1", "u2")
	assert.ErrorIs(t, err, ErrNotInQueue)

	assert.Empty(t, mirror.deletes)
	assert.Empty(t, notifier.eventTypes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmMatch_Success(t *testing.T) {
	service, mock, mirror, notifier := newTestService(t)

	first := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow.Add(-2*time.Minute), 30*time.Minute)
	second := makeEntry("u2", []string{"js"}, models.SessionTeaching, models.UrgencyLow, testNow.Add(-time.Minute), 2*time.Hour)

	// Both parties are verified before either is removed.
	mock.ExpectGet(userKey("u1")).SetVal(first.ID)
	mock.ExpectGet(entryKey(first.ID)).SetVal(string(mustMarshal(t, first)))
	mock.ExpectGet(userKey("u2")).SetVal(second.ID)
	mock.ExpectGet(entryKey(second.ID)).SetVal(string(mustMarshal(t, second)))
	expectEntryRemoval(mock, first)
	expectEntryRemoval(mock, second)

	mock.ExpectTxPipeline()
	mock.ExpectHIncrBy(keyMetrics, metricsFieldMatchCount, 2).SetVal(2)
	mock.ExpectHIncrByFloat(keyMetrics, metricsFieldMatchWaitTotal, 180).SetVal(180)
	mock.ExpectIncr(matchHourKey(testNow)).SetVal(1)
	mock.ExpectExpire(matchHourKey(testNow), 2*time.Hour).SetVal(true)
	mock.ExpectTxPipelineExec()
	mock.ExpectDel(keyStats).SetVal(1)

	err := service.ConfirmMatch(context.Background(), "u1", "u2")
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "u2"}, mirror.deletes)
	assert.Contains(t, notifier.eventTypes(), "match_found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueueStats_Computed(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	first := makeEntry("u1", []string{"js"}, models.SessionLearning, models.UrgencyHigh, testNow.Add(-time.Minute), 30*time.Minute)
	second := makeEntry("u2", []string{"go"}, models.SessionLearning, models.UrgencyMedium, testNow.Add(-time.Minute), time.Hour)
	third := makeEntry("u3", []string{"go"}, models.SessionTeaching, models.UrgencyLow, testNow.Add(-time.Minute), 2*time.Hour)

	mock.ExpectGet(keyStats).RedisNil()
	mock.ExpectZCard(keyQueue).SetVal(3)
	mock.ExpectLLen(typeKey(models.SessionLearning)).SetVal(2)
	mock.ExpectLLen(typeKey(models.SessionTeaching)).SetVal(1)
	mock.ExpectLLen(typeKey(models.SessionCollaboration)).SetVal(0)
	mock.ExpectLLen(urgencyKey(models.UrgencyLow)).SetVal(1)
	mock.ExpectLLen(urgencyKey(models.UrgencyMedium)).SetVal(1)
	mock.ExpectLLen(urgencyKey(models.UrgencyHigh)).SetVal(1)
	mock.ExpectZRevRange(keyQueue, 0, statsSampleSize-1).SetVal([]string{first.ID, second.ID, third.ID})
	mock.ExpectGet(entryKey(first.ID)).SetVal(string(mustMarshal(t, first)))
	mock.ExpectGet(entryKey(second.ID)).SetVal(string(mustMarshal(t, second)))
	mock.ExpectGet(entryKey(third.ID)).SetVal(string(mustMarshal(t, third)))
	mock.ExpectGet(matchHourKey(testNow)).SetVal("2")
	mock.ExpectGet(matchHourKey(testNow.Add(-time.Hour))).SetVal("4")

	expected := &models.QueueStats{
		TotalInQueue: 3,
		BySessionType: map[models.SessionType]int{
			models.SessionLearning:      2,
			models.SessionTeaching:      1,
			models.SessionCollaboration: 0,
		},
		ByUrgency: map[models.Urgency]int{
			models.UrgencyLow:    1,
			models.UrgencyMedium: 1,
			models.UrgencyHigh:   1,
		},
		AvgWaitSeconds: 60,
		MatchesPerHour: 6,
		LastUpdated:    testNow,
	}
	mock.ExpectSet(keyStats, mustMarshal(t, expected), 10*time.Second).SetVal("OK")

	stats := service.GetQueueStats(context.Background())

	assert.False(t, stats.Estimated)
	assert.Equal(t, 3, stats.TotalInQueue)
	assert.Equal(t, 2, stats.BySessionType[models.SessionLearning])
	assert.Equal(t, 1, stats.BySessionType[models.SessionTeaching])
	assert.Equal(t, 0, stats.BySessionType[models.SessionCollaboration])

	urgencyTotal := 0
	for _, count := range stats.ByUrgency {
		urgencyTotal += count
	}
	assert.Equal(t, 3, urgencyTotal)
	assert.Equal(t, 60.0, stats.AvgWaitSeconds)
	assert.Equal(t, 6.0, stats.MatchesPerHour)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueueStats_CachedCopyServed(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	cached := &models.QueueStats{TotalInQueue: 7, LastUpdated: testNow}
	mock.ExpectGet(keyStats).SetVal(string(mustMarshal(t, cached)))

	stats := service.GetQueueStats(context.Background())

	assert.Equal(t, 7, stats.TotalInQueue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueueStats_DegradesWhenStoreDown(t *testing.T) {
	service, mock, _, _ := newTestService(t)

	storeDown := errors.New("connection refused")
	mock.ExpectGet(keyStats).SetErr(storeDown)
	mock.ExpectZCard(keyQueue).SetErr(storeDown)

	stats := service.GetQueueStats(context.Background())

	require.NotNil(t, stats)
	assert.True(t, stats.Estimated)
	// Midday falls in the daytime band of the heuristic.
	assert.Equal(t, 25, stats.TotalInQueue)
	assert.Positive(t, stats.AvgWaitSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeToQueueUpdates(t *testing.T) {
	service, _, _, notifier := newTestService(t)

	service.SubscribeToQueueUpdates(func(channel string, payload map[string]any) {})

	assert.Equal(t, []string{channelQueueEvents}, notifier.subscribed)
}
