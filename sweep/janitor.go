// Package sweep - periodic cleanup of expired records
package sweep

import (
	"context"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// DefaultSweepInterval how often the janitor runs unless configured otherwise
const DefaultSweepInterval = time.Minute * 15

// Target a store the janitor sweeps expired records out of
type Target interface {
	/*
		DeleteExpired remove every record whose expiration has passed

			@param ctx context.Context - execution context
			@param now time.Time - the reference timestamp
			@returns number of records removed
	*/
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// namedTarget a sweep target with a name for logging
type namedTarget struct {
	name   string
	target Target
}

/*
Janitor periodically removes expired records from its registered targets.

A failing target is logged and skipped; the remaining targets are still
swept, and the janitor keeps running.
*/
type Janitor interface {
	/*
		AddTarget register a store for sweeping. Not safe to call once Run started.

			@param name string - target name, used in logs
			@param target Target - the store to sweep
	*/
	AddTarget(name string, target Target)

	/*
		SweepOnce run one sweep across every registered target

			@param ctx context.Context - execution context
			@returns total number of records removed
	*/
	SweepOnce(ctx context.Context) int

	/*
		Run sweep on a fixed interval until the context is cancelled

			@param ctx context.Context - execution context
	*/
	Run(ctx context.Context)
}

// janitor implements Janitor
type janitor struct {
	goutils.Component

	interval time.Duration
	targets  []namedTarget
}

/*
NewJanitor define a new cleanup janitor

	@param interval time.Duration - time between sweeps; <= 0 selects the default
	@returns janitor instance
*/
func NewJanitor(interval time.Duration) (Janitor, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	logTags := log.Fields{"package": "bonfire", "module": "sweep", "component": "janitor"}

	return &janitor{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		interval: interval,
	}, nil
}

/*
AddTarget register a store for sweeping. Not safe to call once Run started.

	@param name string - target name, used in logs
	@param target Target - the store to sweep
*/
func (j *janitor) AddTarget(name string, target Target) {
	j.targets = append(j.targets, namedTarget{name: name, target: target})
}

/*
SweepOnce run one sweep across every registered target

	@param ctx context.Context - execution context
	@returns total number of records removed
*/
func (j *janitor) SweepOnce(ctx context.Context) int {
	now := time.Now()

	total := 0
	for _, entry := range j.targets {
		removed, err := entry.target.DeleteExpired(ctx, now)
		if err != nil {
			log.WithError(err).WithFields(j.LogTags).
				Errorf("Sweep of '%s' failed", entry.name)
			continue
		}
		if removed > 0 {
			log.WithFields(j.LogTags).
				Infof("Swept %d expired records from '%s'", removed, entry.name)
		}
		total += removed
	}
	return total
}

/*
Run sweep on a fixed interval until the context is cancelled

	@param ctx context.Context - execution context
*/
func (j *janitor) Run(ctx context.Context) {
	log.WithFields(j.LogTags).Infof("Sweeping every %s", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.WithFields(j.LogTags).Info("Janitor stopped")
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}
