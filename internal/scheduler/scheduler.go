// Package scheduler runs the watering decision cycle on a fixed recurrence
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/robfig/cron/v3"
)

var logger = loggo.GetLogger("garden.scheduler")

// EvaluateFunc runs one decision cycle
type EvaluateFunc func(ctx context.Context) (entities.WateringRecap, error)

// Scheduler triggers the watering evaluation every recurrence. A cycle that
// is still running when the next one is due makes the latter skip.
type Scheduler struct {
	cron       *cron.Cron
	job        cron.Job
	recurrence time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	manual     sync.WaitGroup
}

// New creates a scheduler for the evaluation
func New(recurrence time.Duration, evaluate EvaluateFunc) *Scheduler {
	log := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:       cron.New(cron.WithLogger(log)),
		recurrence: recurrence,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.job = cron.NewChain(cron.Recover(log), cron.SkipIfStillRunning(log)).Then(cron.FuncJob(func() {
		logger.Debugf("starting watering job")
		recap, err := evaluate(s.ctx)
		if err != nil {
			logger.Errorf("scheduled watering evaluation failed: %v", err)
			return
		}
		logger.Infof("requested %d watering using %dml", recap.Actions, recap.Water)
	}))
	return s
}

// Spec is the cron expression of the recurrence
func (s *Scheduler) Spec() string {
	return fmt.Sprintf("@every %s", s.recurrence)
}

// Start schedules the job and runs a first cycle right away
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddJob(s.Spec(), s.job); err != nil {
		return errors.Annotate(err, "failed to set up cron job")
	}
	s.cron.Start()
	logger.Infof("scheduler started, watering evaluated %s", s.Spec())
	s.RunNow()
	return nil
}

// RunNow triggers a cycle outside the recurrence
func (s *Scheduler) RunNow() {
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		s.job.Run()
	}()
}

// Stop cancels the running cycle and waits for it to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.manual.Wait()
	logger.Infof("scheduler stopped")
}

// cronLogger routes the cron library logs to loggo
type cronLogger struct {
	logger loggo.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugf("%s%s", msg, formatKeysAndValues(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("%s: %v%s", msg, err, formatKeysAndValues(keysAndValues))
}

func formatKeysAndValues(keysAndValues []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}
