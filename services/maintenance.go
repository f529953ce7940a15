package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"peermatch-system/config"
	"peermatch-system/models"
	"peermatch-system/monitoring"
)

// HealthStatus is the scheduler's 0-100 judgement of queue health, refreshed
// after every cleanup pass.
type HealthStatus struct {
	IsHealthy bool               `json:"is_healthy"`
	Score     int                `json:"score"`
	Issues    []string           `json:"issues"`
	Metrics   *models.QueueStats `json:"metrics"`
	CheckedAt time.Time          `json:"checked_at"`
}

// CleanupReport summarizes an operator-triggered maintenance run.
type CleanupReport struct {
	ExpiredEntries  int           `json:"expired_entries"`
	OrphanedRecords int           `json:"orphaned_records"`
	Elapsed         time.Duration `json:"elapsed"`
}

// MaintenanceService runs the queue's two periodic background tasks:
// cleanup (expired entries + orphaned records + mirror purge + health
// recompute) and rebalance (wait-credit score refresh). Each task is
// single-flight: a slow pass never overlaps itself, though the two tasks
// may overlap each other.
type MaintenanceService struct {
	queue   *QueueService
	config  *config.Config
	monitor *monitoring.Monitor

	running  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	cleanupBusy   atomic.Bool
	rebalanceBusy atomic.Bool

	mu         sync.RWMutex
	lastHealth *HealthStatus
}

func NewMaintenanceService(queue *QueueService, cfg *config.Config, monitor *monitoring.Monitor) *MaintenanceService {
	return &MaintenanceService{
		queue:   queue,
		config:  cfg,
		monitor: monitor,
	}
}

// Start launches both periodic tasks. Calling Start on a running scheduler
// is a no-op.
func (m *MaintenanceService) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.stopChan = make(chan struct{})

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.rebalanceLoop()

	slog.Info("maintenance scheduler started",
		"cleanup_interval", m.config.CleanupInterval,
		"rebalance_interval", m.config.RebalanceInterval)
}

// Stop cancels both periodic tasks and waits for in-flight passes.
func (m *MaintenanceService) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}

	close(m.stopChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("maintenance scheduler stopped")
	case <-time.After(30 * time.Second):
		slog.Warn("timeout waiting for maintenance tasks to stop")
	}
}

func (m *MaintenanceService) Running() bool {
	return m.running.Load()
}

func (m *MaintenanceService) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup(context.Background())
		case <-m.stopChan:
			return
		}
	}
}

func (m *MaintenanceService) rebalanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runRebalance(context.Background())
		case <-m.stopChan:
			return
		}
	}
}

func (m *MaintenanceService) runCleanup(ctx context.Context) (expired, orphans int) {
	if !m.cleanupBusy.CompareAndSwap(false, true) {
		slog.Warn("cleanup pass still running, skipping tick")
		return 0, 0
	}
	defer m.cleanupBusy.Store(false)

	expired, err := m.queue.CleanupExpiredEntries(ctx)
	if err != nil {
		slog.Error("cleanup pass failed", "error", err)
	}

	orphans, err = m.queue.RemoveOrphanedRecords(ctx)
	if err != nil {
		slog.Error("orphan pass failed", "error", err)
	}

	if expired > 0 || orphans > 0 {
		slog.Info("cleanup pass finished", "expired", expired, "orphans", orphans)
	}

	m.refreshHealth(ctx)
	return expired, orphans
}

func (m *MaintenanceService) runRebalance(ctx context.Context) {
	if !m.rebalanceBusy.CompareAndSwap(false, true) {
		slog.Warn("rebalance pass still running, skipping tick")
		return
	}
	defer m.rebalanceBusy.Store(false)

	if err := m.queue.RebalanceQueue(ctx); err != nil {
		slog.Error("rebalance pass failed", "error", err)
	}
}

// ForceCleanup runs both maintenance passes synchronously, for
// operator-triggered repair.
func (m *MaintenanceService) ForceCleanup(ctx context.Context) *CleanupReport {
	start := time.Now()

	expired, orphans := m.runCleanup(ctx)
	m.runRebalance(ctx)

	return &CleanupReport{
		ExpiredEntries:  expired,
		OrphanedRecords: orphans,
		Elapsed:         time.Since(start),
	}
}

// GetHealthStatus returns the most recent health judgement, computing one
// on demand if no cleanup pass has run yet.
func (m *MaintenanceService) GetHealthStatus(ctx context.Context) *HealthStatus {
	m.mu.RLock()
	health := m.lastHealth
	m.mu.RUnlock()

	if health == nil {
		return m.refreshHealth(ctx)
	}
	return health
}

func (m *MaintenanceService) refreshHealth(ctx context.Context) *HealthStatus {
	stats := m.queue.GetQueueStats(ctx)
	avgMatch := m.queue.averageMatchSeconds(ctx)
	health := m.computeHealth(stats, avgMatch)

	if m.monitor != nil {
		m.monitor.SetHealthScore(health.Score)
	}

	m.mu.Lock()
	m.lastHealth = health
	m.mu.Unlock()
	return health
}

// computeHealth starts at 100 and applies the threshold bands: up to -30
// for queue size past the soft cap, up to -20 for slow matching, up to +10
// back for strong throughput.
func (m *MaintenanceService) computeHealth(stats *models.QueueStats, avgMatchSeconds float64) *HealthStatus {
	score := 100.0
	issues := []string{}

	softCap := float64(m.config.HealthQueueSoftCap)
	if total := float64(stats.TotalInQueue); total > softCap && softCap > 0 {
		penalty := 30 * (total - softCap) / softCap
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
		issues = append(issues, fmt.Sprintf("queue size %d above soft cap %d", stats.TotalInQueue, m.config.HealthQueueSoftCap))
	}

	slowMatch := m.config.HealthSlowMatch.Seconds()
	if avgMatchSeconds > slowMatch && slowMatch > 0 {
		penalty := 20 * (avgMatchSeconds - slowMatch) / slowMatch
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
		issues = append(issues, fmt.Sprintf("average match time %.0fs above threshold %.0fs", avgMatchSeconds, slowMatch))
	}

	if high := m.config.HealthHighMatchesHour; high > 0 {
		bonus := 10 * stats.MatchesPerHour / high
		if bonus > 10 {
			bonus = 10
		}
		score += bonus

		if stats.MatchesPerHour < high/4 && stats.TotalInQueue > 0 {
			issues = append(issues, fmt.Sprintf("match throughput %.1f/h below expected %.1f/h", stats.MatchesPerHour, high))
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return &HealthStatus{
		IsHealthy: score >= 70,
		Score:     int(score),
		Issues:    issues,
		Metrics:   stats,
		CheckedAt: time.Now(),
	}
}
