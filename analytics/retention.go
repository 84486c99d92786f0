package analytics

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// DefaultRetentionSchedule runs shortly after midnight UTC.
const DefaultRetentionSchedule = "5 0 * * *"

// Retention prunes daily counters older than a fixed number of days.
type Retention struct {
	agg    *Aggregator
	days   int
	cron   *cron.Cron
	logger log.FieldLogger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// NewRetention keeps the last days days of counters, today included.
func NewRetention(agg *Aggregator, days int, logger log.FieldLogger) *Retention {
	if logger == nil {
		logger = agg.logger
	}
	return &Retention{
		agg:    agg,
		days:   days,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger.WithField("component", "analytics.retention"),
		now:    time.Now,
	}
}

// Run prunes once and returns the number of counters removed.
func (r *Retention) Run() int {
	today := r.now().UTC().Truncate(24 * time.Hour)
	cutoff := today.AddDate(0, 0, -(r.days - 1))

	removed := r.agg.PruneBefore(cutoff)
	if removed > 0 {
		r.logger.WithFields(log.Fields{
			"removed": removed,
			"cutoff":  cutoff.Format(dateLayout),
		}).Info("pruned usage counters")
	}
	return removed
}

// Start schedules Run. An empty schedule or non-positive retention disables pruning.
func (r *Retention) Start(schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schedule == "" || r.days <= 0 {
		r.logger.Info("retention disabled")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.Run() }); err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}

	r.cron.Start()
	r.running = true
	r.logger.WithFields(log.Fields{
		"schedule":       schedule,
		"retention_days": r.days,
	}).Info("retention scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running prune to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
	}
}

// NextRun returns the next scheduled prune, or nil when not scheduled.
func (r *Retention) NextRun() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
