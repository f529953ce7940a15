package services

import (
	"fmt"
	"time"

	"peermatch-system/models"
)

// Redis key namespace. Index members are entry ids, never serialized
// payloads, so removal does not depend on byte-for-byte JSON equality.
const (
	keyQueue   = "mq:queue"   // ZSET: entry id scored by priority
	keyMembers = "mq:members" // SET: user ids with a live entry
	keyStats   = "mq:stats"   // STRING: cached QueueStats JSON
	keyMetrics = "mq:metrics" // HASH: match_count, match_wait_total
)

const (
	metricsFieldMatchCount     = "match_count"
	metricsFieldMatchWaitTotal = "match_wait_total"
)

func entryKey(id string) string {
	return fmt.Sprintf("mq:entry:%s", id)
}

func userKey(userID string) string {
	return fmt.Sprintf("mq:user:%s", userID)
}

func urgencyKey(u models.Urgency) string {
	return fmt.Sprintf("mq:urgency:%s", u)
}

func typeKey(t models.SessionType) string {
	return fmt.Sprintf("mq:type:%s", t)
}

func matchHourKey(t time.Time) string {
	return fmt.Sprintf("mq:matches:%s", t.UTC().Format("2006010215"))
}

// QueueIndexKeys lists the per-type and per-urgency index keys with their
// label values, so external collectors never re-derive the key namespace.
func QueueIndexKeys() (byType, byUrgency map[string]string) {
	byType = make(map[string]string, len(models.SessionTypes))
	for _, t := range models.SessionTypes {
		byType[string(t)] = typeKey(t)
	}

	byUrgency = make(map[string]string, len(models.Urgencies))
	for _, u := range models.Urgencies {
		byUrgency[string(u)] = urgencyKey(u)
	}
	return byType, byUrgency
}

// Publish/subscribe channels. Every queue change lands on the aggregate
// channel; per-user channels carry targeted notifications.
const channelQueueEvents = "queue-events"

func userChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}
