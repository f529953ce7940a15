package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"peermatch-system/config"
	"peermatch-system/models"
	"peermatch-system/monitoring"
)

// statsSampleSize bounds how many top-ranked entries the stats pass loads
// when computing the average wait.
const statsSampleSize = 50

// QueueService is the matchmaking queue manager. All authoritative state
// lives in Redis, so the service itself is stateless and can run as
// multiple replicas. Multi-index mutations go through MULTI/EXEC pipelines;
// anything that still desyncs (an interrupted operation mid-flight) is
// repaired by the maintenance cleanup pass, not by rollback.
type QueueService struct {
	Redis    *redis.Client
	notifier Notifier
	mirror   QueueMirror
	config   *config.Config
	monitor  *monitoring.Monitor

	now func() time.Time
}

func NewQueueService(redisClient *redis.Client, notifier Notifier, mirror QueueMirror, cfg *config.Config, monitor *monitoring.Monitor) *QueueService {
	return &QueueService{
		Redis:    redisClient,
		notifier: notifier,
		mirror:   mirror,
		config:   cfg,
		monitor:  monitor,
		now:      time.Now,
	}
}

// AddToQueue validates and admits a join request. A pre-existing live entry
// for the same user is replaced, never duplicated. Returns the freshly
// computed queue status.
func (s *QueueService) AddToQueue(ctx context.Context, req *models.JoinRequest) (*models.QueueStatus, error) {
	if err := s.validate(req); err != nil {
		s.trackOp("add", "invalid")
		return nil, err
	}

	// Idempotent re-admission: drop any live entry first.
	if err := s.removeCurrentEntry(ctx, req.UserID); err != nil {
		s.trackOp("add", "error")
		return nil, err
	}

	now := s.now()
	ttl := s.config.ExpiryFor(string(req.Urgency))

	entry := &models.QueueEntry{
		ID:              models.NewEntryID(req.UserID, now),
		UserID:          req.UserID,
		PreferredSkills: req.PreferredSkills,
		SessionType:     req.SessionType,
		MaxDuration:     req.MaxDuration,
		Urgency:         req.Urgency,
		JoinedAt:        now,
		ExpiresAt:       now.Add(ttl),
	}
	entry.Priority = ComputePriority(entry, now, s.config.WaitCreditPerMinute)

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(entry.ID), data, ttl)
		pipe.Set(ctx, userKey(entry.UserID), entry.ID, ttl)
		pipe.ZAdd(ctx, keyQueue, redis.Z{Score: entry.Priority, Member: entry.ID})
		pipe.RPush(ctx, urgencyKey(entry.Urgency), entry.ID)
		pipe.RPush(ctx, typeKey(entry.SessionType), entry.ID)
		pipe.SAdd(ctx, keyMembers, entry.UserID)
		return nil
	})
	if err != nil {
		s.trackOp("add", "error")
		return nil, storeErr("add", err)
	}

	if s.mirror != nil {
		if err := s.mirror.Upsert(ctx, entry); err != nil {
			slog.Warn("mirror upsert failed", "user", entry.UserID, "error", err)
		}
	}

	s.publishEvent("user_joined", entry.UserID, map[string]any{
		"session_type": string(entry.SessionType),
		"urgency":      string(entry.Urgency),
	})
	s.invalidateStats(ctx)
	s.trackOp("add", "success")

	return s.statusForEntry(ctx, entry)
}

// RemoveFromQueue drops the user's live entry from every index. Removing a
// user who is not queued is a no-op; the Matcher relies on that when it
// loses a confirmation race.
func (s *QueueService) RemoveFromQueue(ctx context.Context, userID string) error {
	id, err := s.Redis.Get(ctx, userKey(userID)).Result()
	if err == redis.Nil {
		s.trackOp("remove", "noop")
		return nil
	} else if err != nil {
		s.trackOp("remove", "error")
		return storeErr("remove", err)
	}

	entry, _, err := s.loadEntry(ctx, id)
	if err != nil {
		return err
	}

	if err := s.removeEntry(ctx, id, entry, userID); err != nil {
		s.trackOp("remove", "error")
		return err
	}

	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, userID); err != nil {
			slog.Warn("mirror delete failed", "user", userID, "error", err)
		}
	}

	s.publishEvent("user_left", userID, nil)
	s.invalidateStats(ctx)
	s.trackOp("remove", "success")
	return nil
}

// GetQueueStatus computes the user's 1-based rank and wait estimate.
func (s *QueueService) GetQueueStatus(ctx context.Context, userID string) (*models.QueueStatus, error) {
	id, err := s.Redis.Get(ctx, userKey(userID)).Result()
	if err == redis.Nil {
		return nil, ErrNotInQueue
	} else if err != nil {
		return nil, storeErr("status", err)
	}

	entry, corrupt, err := s.loadEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil || corrupt || entry.Expired(s.now()) {
		// Dead entry found on read; evict lazily instead of waiting for
		// the sweep.
		if evictErr := s.removeEntry(ctx, id, entry, userID); evictErr != nil {
			slog.Warn("lazy eviction failed", "entry", id, "error", evictErr)
		}
		return nil, ErrNotInQueue
	}

	return s.statusForEntry(ctx, entry)
}

func (s *QueueService) statusForEntry(ctx context.Context, entry *models.QueueEntry) (*models.QueueStatus, error) {
	rank, err := s.Redis.ZRevRank(ctx, keyQueue, entry.ID).Result()
	if err == redis.Nil {
		return nil, ErrNotInQueue
	} else if err != nil {
		return nil, storeErr("status", err)
	}

	total, err := s.Redis.ZCard(ctx, keyQueue).Result()
	if err != nil {
		return nil, storeErr("status", err)
	}

	avg := s.averageMatchSeconds(ctx)
	position := int(rank) + 1

	estimate := float64(position) * avg * urgencyETAFactor(entry.Urgency)
	if floor := s.config.MinWaitEstimate.Seconds(); estimate < floor {
		estimate = floor
	}

	return &models.QueueStatus{
		Position:             position,
		TotalInQueue:         int(total),
		EstimatedWaitSeconds: estimate,
		AverageMatchSeconds:  avg,
	}, nil
}

// urgencyETAFactor scales the wait estimate: urgent users are drained
// sooner than their raw rank suggests, low-urgency users later.
func urgencyETAFactor(u models.Urgency) float64 {
	switch u {
	case models.UrgencyHigh:
		return 0.5
	case models.UrgencyMedium:
		return 0.8
	default:
		return 1.2
	}
}

// GetQueueStats returns the aggregate queue view. It never fails: when the
// store is unreachable it falls back to a time-of-day estimate flagged
// Estimated, so dashboards and admission decisions stay available.
func (s *QueueService) GetQueueStats(ctx context.Context) *models.QueueStats {
	if cached, err := s.Redis.Get(ctx, keyStats).Result(); err == nil {
		var stats models.QueueStats
		if json.Unmarshal([]byte(cached), &stats) == nil {
			return &stats
		}
	}

	stats, err := s.computeStats(ctx)
	if err != nil {
		slog.Warn("stats computation degraded to estimate", "error", err)
		s.trackOp("stats", "degraded")
		return s.fallbackStats()
	}

	if data, err := json.Marshal(stats); err == nil {
		if err := s.Redis.Set(ctx, keyStats, data, s.config.StatsCacheTTL).Err(); err != nil {
			slog.Warn("stats cache write failed", "error", err)
		}
	}
	return stats
}

func (s *QueueService) computeStats(ctx context.Context) (*models.QueueStats, error) {
	now := s.now()

	total, err := s.Redis.ZCard(ctx, keyQueue).Result()
	if err != nil {
		return nil, storeErr("stats", err)
	}

	byType := make(map[models.SessionType]int, len(models.SessionTypes))
	for _, t := range models.SessionTypes {
		n, err := s.Redis.LLen(ctx, typeKey(t)).Result()
		if err != nil {
			return nil, storeErr("stats", err)
		}
		byType[t] = int(n)
	}

	byUrgency := make(map[models.Urgency]int, len(models.Urgencies))
	for _, u := range models.Urgencies {
		n, err := s.Redis.LLen(ctx, urgencyKey(u)).Result()
		if err != nil {
			return nil, storeErr("stats", err)
		}
		byUrgency[u] = int(n)
	}

	ids, err := s.Redis.ZRevRange(ctx, keyQueue, 0, statsSampleSize-1).Result()
	if err != nil {
		return nil, storeErr("stats", err)
	}

	var waitTotal float64
	var waitCount int
	for _, id := range ids {
		entry, _, err := s.loadEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		waitTotal += now.Sub(entry.JoinedAt).Seconds()
		waitCount++
	}

	avgWait := 0.0
	if waitCount > 0 {
		avgWait = waitTotal / float64(waitCount)
	}

	return &models.QueueStats{
		TotalInQueue:   int(total),
		BySessionType:  byType,
		ByUrgency:      byUrgency,
		AvgWaitSeconds: avgWait,
		MatchesPerHour: s.matchesPerHour(ctx, now),
		LastUpdated:    now,
	}, nil
}

func (s *QueueService) matchesPerHour(ctx context.Context, now time.Time) float64 {
	cur, _ := s.Redis.Get(ctx, matchHourKey(now)).Int()
	prev, _ := s.Redis.Get(ctx, matchHourKey(now.Add(-time.Hour))).Int()

	// Blend the previous bucket out as the current hour progresses.
	frac := float64(now.Minute()) / 60
	return float64(prev)*(1-frac) + float64(cur)
}

// fallbackStats is the degraded-mode answer: a plausible, clearly-marked
// estimate shaped by time of day.
func (s *QueueService) fallbackStats() *models.QueueStats {
	now := s.now()

	total := 8
	switch hour := now.Hour(); {
	case hour >= 17 && hour <= 22:
		total = 40
	case hour >= 9 && hour <= 16:
		total = 25
	}

	return &models.QueueStats{
		TotalInQueue: total,
		BySessionType: map[models.SessionType]int{
			models.SessionLearning:      total * 40 / 100,
			models.SessionTeaching:      total * 30 / 100,
			models.SessionCollaboration: total * 30 / 100,
		},
		ByUrgency: map[models.Urgency]int{
			models.UrgencyLow:    total * 20 / 100,
			models.UrgencyMedium: total * 50 / 100,
			models.UrgencyHigh:   total * 30 / 100,
		},
		AvgWaitSeconds: s.config.DefaultMatchTime.Seconds() * 2,
		MatchesPerHour: float64(total) / 2,
		Estimated:      true,
		LastUpdated:    now,
	}
}

// GetNextCandidates scans the ranked index from the highest priority down
// and returns up to limit live entries compatible with the requester's
// session type. Expired or corrupt entries found along the way are evicted
// on sight so a bad record never blocks the queue.
func (s *QueueService) GetNextCandidates(ctx context.Context, excludeUserID string, sessionType models.SessionType, limit int) ([]*models.QueueEntry, error) {
	if !sessionType.Valid() {
		return nil, &ValidationError{Field: "session_type", Reason: "unknown session type"}
	}
	if limit <= 0 {
		return nil, &ValidationError{Field: "limit", Reason: "must be positive"}
	}

	now := s.now()
	page := int64(s.config.CandidateScanPage)
	candidates := make([]*models.QueueEntry, 0, limit)

	for offset := int64(0); ; {
		ids, err := s.Redis.ZRevRange(ctx, keyQueue, offset, offset+page-1).Result()
		if err != nil {
			return nil, storeErr("candidates", err)
		}
		if len(ids) == 0 {
			break
		}

		evicted := 0
		for _, id := range ids {
			entry, corrupt, err := s.loadEntry(ctx, id)
			if err != nil {
				return nil, err
			}
			if entry == nil || corrupt {
				s.lazyEvict(ctx, id, nil)
				evicted++
				continue
			}
			if entry.Expired(now) {
				s.lazyEvict(ctx, id, entry)
				evicted++
				continue
			}
			if entry.UserID == excludeUserID {
				continue
			}
			if !Compatible(sessionType, entry.SessionType) {
				continue
			}

			candidates = append(candidates, entry)
			if len(candidates) == limit {
				return candidates, nil
			}
		}

		if int64(len(ids)) < page {
			break
		}
		// Evictions shrink the ranked index, sliding the remaining entries
		// toward the already-scanned window. Advance past only the entries
		// that are still in the index.
		offset += int64(len(ids) - evicted)
	}

	return candidates, nil
}

// ConfirmMatch is the Matcher's confirmation path: it removes both paired
// entries, records match throughput, and announces the match. If either
// party is no longer queued the caller lost a confirmation race and gets
// ErrNotInQueue; it must re-poll for candidates.
func (s *QueueService) ConfirmMatch(ctx context.Context, userA, userB string) error {
	now := s.now()

	// Verify both parties before touching either, so a lost race leaves the
	// still-queued user exactly where they were.
	type party struct {
		userID string
		id     string
		entry  *models.QueueEntry
	}
	parties := make([]party, 0, 2)
	for _, uid := range []string{userA, userB} {
		id, err := s.Redis.Get(ctx, userKey(uid)).Result()
		if err == redis.Nil {
			s.trackOp("match", "lost_race")
			return ErrNotInQueue
		} else if err != nil {
			return storeErr("match", err)
		}

		entry, _, err := s.loadEntry(ctx, id)
		if err != nil {
			return err
		}
		parties = append(parties, party{userID: uid, id: id, entry: entry})
	}

	var totalWait float64
	for _, p := range parties {
		if err := s.removeEntry(ctx, p.id, p.entry, p.userID); err != nil {
			return err
		}
		if s.mirror != nil {
			if err := s.mirror.Delete(ctx, p.userID); err != nil {
				slog.Warn("mirror delete failed", "user", p.userID, "error", err)
			}
		}

		if p.entry != nil {
			wait := now.Sub(p.entry.JoinedAt)
			totalWait += wait.Seconds()
			if s.monitor != nil {
				s.monitor.TrackMatchWait(wait)
			}
		}
	}

	_, err := s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, keyMetrics, metricsFieldMatchCount, 2)
		pipe.HIncrByFloat(ctx, keyMetrics, metricsFieldMatchWaitTotal, totalWait)
		pipe.Incr(ctx, matchHourKey(now))
		pipe.Expire(ctx, matchHourKey(now), 2*time.Hour)
		return nil
	})
	if err != nil {
		slog.Warn("match metrics update failed", "error", err)
	}

	payload := map[string]any{"users": []string{userA, userB}}
	s.publishEvent("match_found", userA, payload)
	if s.notifier != nil {
		s.notifier.Publish(userChannel(userB), map[string]any{
			"type":    "match_found",
			"user_id": userB,
			"users":   []string{userA, userB},
		})
	}

	s.invalidateStats(ctx)
	s.trackOp("match", "success")
	return nil
}

// CleanupExpiredEntries removes every entry past its expiry from all four
// indices and purges the mirror's expired rows. Returns the number of
// entries removed from the ranked index.
func (s *QueueService) CleanupExpiredEntries(ctx context.Context) (int, error) {
	now := s.now()

	ids, err := s.Redis.ZRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return 0, storeErr("cleanup", err)
	}

	removed := 0
	for _, id := range ids {
		entry, corrupt, err := s.loadEntry(ctx, id)
		if err != nil {
			return removed, err
		}

		switch {
		case entry == nil || corrupt:
			// Record already expired via TTL, or unreadable: either way the
			// index reference is dead.
			if err := s.removeEntry(ctx, id, nil, ""); err != nil {
				return removed, err
			}
			removed++
		case entry.Expired(now):
			if err := s.removeEntry(ctx, id, entry, entry.UserID); err != nil {
				return removed, err
			}
			if s.mirror != nil {
				if err := s.mirror.Delete(ctx, entry.UserID); err != nil {
					slog.Warn("mirror delete failed", "user", entry.UserID, "error", err)
				}
			}
			removed++
		}
	}

	if s.mirror != nil {
		if _, err := s.mirror.PurgeExpired(ctx, now); err != nil {
			slog.Warn("mirror purge failed", "error", err)
		}
	}

	if removed > 0 {
		s.publishEvent("queue_update", "", map[string]any{"expired": removed})
		s.invalidateStats(ctx)
	}
	return removed, nil
}

// RemoveOrphanedRecords is the defensive pass: per-user pointers whose entry
// record is gone, membership-set users with no pointer, and list ids missing
// from the ranked index all get swept. Empty urgency/type lists vanish on
// their own once drained.
func (s *QueueService) RemoveOrphanedRecords(ctx context.Context) (int, error) {
	users, err := s.Redis.SMembers(ctx, keyMembers).Result()
	if err != nil {
		return 0, storeErr("orphans", err)
	}

	removed := 0
	for _, uid := range users {
		id, err := s.Redis.Get(ctx, userKey(uid)).Result()
		if err == redis.Nil {
			if err := s.Redis.SRem(ctx, keyMembers, uid).Err(); err != nil {
				return removed, storeErr("orphans", err)
			}
			if s.mirror != nil {
				if err := s.mirror.Delete(ctx, uid); err != nil {
					slog.Warn("mirror delete failed", "user", uid, "error", err)
				}
			}
			removed++
			continue
		} else if err != nil {
			return removed, storeErr("orphans", err)
		}

		exists, err := s.Redis.Exists(ctx, entryKey(id)).Result()
		if err != nil {
			return removed, storeErr("orphans", err)
		}
		if exists == 0 {
			if err := s.removeEntry(ctx, id, nil, uid); err != nil {
				return removed, err
			}
			removed++
		}
	}

	// List references that no longer rank in the main index.
	lists := make([]string, 0, len(models.Urgencies)+len(models.SessionTypes))
	for _, u := range models.Urgencies {
		lists = append(lists, urgencyKey(u))
	}
	for _, t := range models.SessionTypes {
		lists = append(lists, typeKey(t))
	}

	for _, list := range lists {
		ids, err := s.Redis.LRange(ctx, list, 0, -1).Result()
		if err != nil {
			return removed, storeErr("orphans", err)
		}
		for _, id := range ids {
			_, err := s.Redis.ZScore(ctx, keyQueue, id).Result()
			if err == redis.Nil {
				if err := s.Redis.LRem(ctx, list, 0, id).Err(); err != nil {
					return removed, storeErr("orphans", err)
				}
				removed++
			} else if err != nil {
				return removed, storeErr("orphans", err)
			}
		}
	}

	return removed, nil
}

// RebalanceQueue re-derives every live entry's score from the current time
// so wait credit accrues even for users who never touched the queue during
// the interval. Only entries whose score moved past epsilon are rewritten.
func (s *QueueService) RebalanceQueue(ctx context.Context) error {
	now := s.now()

	members, err := s.Redis.ZRangeWithScores(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return storeErr("rebalance", err)
	}

	updated := 0
	for _, member := range members {
		id, ok := member.Member.(string)
		if !ok {
			continue
		}

		entry, corrupt, err := s.loadEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry == nil || corrupt {
			continue // cleanup pass owns dead references
		}

		score := ComputePriority(entry, now, s.config.WaitCreditPerMinute)
		if math.Abs(score-member.Score) <= s.config.RebalanceEpsilon {
			continue
		}

		entry.Priority = score
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}

		_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, keyQueue, redis.Z{Score: score, Member: id})
			pipe.Set(ctx, entryKey(id), data, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return storeErr("rebalance", err)
		}
		updated++
	}

	if updated > 0 {
		slog.Info("queue rebalanced", "entries", updated, "scanned", len(members))
	}
	return nil
}

// SubscribeToQueueUpdates registers a listener for aggregate queue events
// (user_joined, user_left, match_found, queue_update). Delivery is
// at-least-once; callers must tolerate duplicates and reordering.
func (s *QueueService) SubscribeToQueueUpdates(callback func(channel string, payload map[string]any)) {
	if s.notifier == nil {
		return
	}
	s.notifier.Subscribe([]string{channelQueueEvents}, callback)
}

func (s *QueueService) validate(req *models.JoinRequest) error {
	if req.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if len(req.PreferredSkills) == 0 {
		return &ValidationError{Field: "preferred_skills", Reason: "at least one skill is required"}
	}
	if !req.SessionType.Valid() {
		return &ValidationError{Field: "session_type", Reason: "unknown session type"}
	}
	if !req.Urgency.Valid() {
		return &ValidationError{Field: "urgency", Reason: "unknown urgency level"}
	}
	if req.MaxDuration < s.config.MinSessionMinutes || req.MaxDuration > s.config.MaxSessionMinutes {
		return &ValidationError{
			Field:  "max_duration",
			Reason: "must be between " + strconv.Itoa(s.config.MinSessionMinutes) + " and " + strconv.Itoa(s.config.MaxSessionMinutes) + " minutes",
		}
	}
	return nil
}

// removeCurrentEntry drops the user's live entry without publishing leave
// events; used for the silent replace on re-admission.
func (s *QueueService) removeCurrentEntry(ctx context.Context, userID string) error {
	id, err := s.Redis.Get(ctx, userKey(userID)).Result()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		return storeErr("add", err)
	}

	entry, _, err := s.loadEntry(ctx, id)
	if err != nil {
		return err
	}
	return s.removeEntry(ctx, id, entry, userID)
}

// removeEntry deletes one entry from every index in a single MULTI/EXEC
// batch. With a nil entry the urgency/type lists are swept blind, since the
// serialized record that named them is gone.
func (s *QueueService) removeEntry(ctx context.Context, id string, entry *models.QueueEntry, userID string) error {
	if entry != nil && userID == "" {
		userID = entry.UserID
	}

	_, err := s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keyQueue, id)
		if entry != nil {
			pipe.LRem(ctx, urgencyKey(entry.Urgency), 0, id)
			pipe.LRem(ctx, typeKey(entry.SessionType), 0, id)
		} else {
			for _, u := range models.Urgencies {
				pipe.LRem(ctx, urgencyKey(u), 0, id)
			}
			for _, t := range models.SessionTypes {
				pipe.LRem(ctx, typeKey(t), 0, id)
			}
		}
		pipe.Del(ctx, entryKey(id))
		if userID != "" {
			pipe.Del(ctx, userKey(userID))
			pipe.SRem(ctx, keyMembers, userID)
		}
		return nil
	})
	if err != nil {
		return storeErr("remove", err)
	}
	return nil
}

func (s *QueueService) lazyEvict(ctx context.Context, id string, entry *models.QueueEntry) {
	if err := s.removeEntry(ctx, id, entry, ""); err != nil {
		slog.Warn("lazy eviction failed", "entry", id, "error", err)
		return
	}
	if entry != nil && s.mirror != nil {
		if err := s.mirror.Delete(ctx, entry.UserID); err != nil {
			slog.Warn("mirror delete failed", "user", entry.UserID, "error", err)
		}
	}
	s.trackOp("evict", "success")
}

// loadEntry fetches and decodes one serialized entry. A missing record
// returns (nil, false, nil); an unreadable one returns corrupt=true so the
// caller can delete it on sight.
func (s *QueueService) loadEntry(ctx context.Context, id string) (*models.QueueEntry, bool, error) {
	data, err := s.Redis.Get(ctx, entryKey(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, storeErr("load", err)
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		slog.Warn("corrupt queue entry", "entry", id, "error", err)
		return nil, true, nil
	}
	return &entry, false, nil
}

func (s *QueueService) averageMatchSeconds(ctx context.Context) float64 {
	values, err := s.Redis.HMGet(ctx, keyMetrics, metricsFieldMatchCount, metricsFieldMatchWaitTotal).Result()
	if err != nil || len(values) != 2 {
		return s.config.DefaultMatchTime.Seconds()
	}

	count := parseMetric(values[0])
	total := parseMetric(values[1])
	if count <= 0 {
		return s.config.DefaultMatchTime.Seconds()
	}
	return total / count
}

func parseMetric(v any) float64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0
	}
	return f
}

// invalidateStats drops the cached aggregate so the next read recomputes.
func (s *QueueService) invalidateStats(ctx context.Context) {
	if err := s.Redis.Del(ctx, keyStats).Err(); err != nil {
		slog.Warn("stats cache invalidation failed", "error", err)
	}
}

func (s *QueueService) publishEvent(eventType, userID string, extra map[string]any) {
	if s.notifier == nil {
		return
	}

	payload := map[string]any{"type": eventType}
	if userID != "" {
		payload["user_id"] = userID
	}
	for k, v := range extra {
		payload[k] = v
	}

	s.notifier.Publish(channelQueueEvents, payload)
	if userID != "" {
		s.notifier.Publish(userChannel(userID), payload)
	}
}

func (s *QueueService) trackOp(operation, status string) {
	if s.monitor != nil {
		s.monitor.TrackQueueOperation(operation, status)
	}
}
