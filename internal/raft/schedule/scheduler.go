package schedule

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ElectionTimeout is a cancellable one-shot timer. The zero value is a
// timeout that was never scheduled; cancelling it is a no-op.
type ElectionTimeout struct {
	timer *time.Timer
}

// Cancel stops the timer. The task may still run if it already fired.
func (t ElectionTimeout) Cancel() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// LogReplicationTask is a cancellable periodic task. The zero value is a
// task that was never scheduled; cancelling it is a no-op.
type LogReplicationTask struct {
	done chan struct{}
	once *sync.Once
}

// Cancel stops the periodic task.
func (t LogReplicationTask) Cancel() {
	if t.done != nil {
		t.once.Do(func() { close(t.done) })
	}
}

// Scheduler creates the election timeout of followers and candidates and
// the replication ticker of leaders.
type Scheduler interface {
	ScheduleElectionTimeout(task func()) ElectionTimeout
	ScheduleLogReplicationTask(task func()) LogReplicationTask
	Stop() error
}

// DefaultScheduler runs tasks on real timers. The election timeout is drawn
// uniformly from [minElectionTimeout, maxElectionTimeout] on every schedule,
// as described in Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf); randomisation keeps
// repeated split votes unlikely.
type DefaultScheduler struct {
	minElectionTimeout     time.Duration
	maxElectionTimeout     time.Duration
	logReplicationDelay    time.Duration
	logReplicationInterval time.Duration
}

func NewDefaultScheduler(minElectionTimeout, maxElectionTimeout, logReplicationDelay, logReplicationInterval time.Duration) *DefaultScheduler {
	if minElectionTimeout <= 0 || maxElectionTimeout < minElectionTimeout {
		panic("schedule: invalid election timeout range")
	}
	return &DefaultScheduler{
		minElectionTimeout:     minElectionTimeout,
		maxElectionTimeout:     maxElectionTimeout,
		logReplicationDelay:    logReplicationDelay,
		logReplicationInterval: logReplicationInterval,
	}
}

func (s *DefaultScheduler) ScheduleElectionTimeout(task func()) ElectionTimeout {
	// +1 makes the upper bound inclusive.
	d := s.minElectionTimeout + time.Duration(rand.Int63n(int64(s.maxElectionTimeout-s.minElectionTimeout)+1))
	log.Debugf("schedule election timeout in %v", d)
	return ElectionTimeout{timer: time.AfterFunc(d, task)}
}

func (s *DefaultScheduler) ScheduleLogReplicationTask(task func()) LogReplicationTask {
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(s.logReplicationDelay):
		case <-done:
			return
		}
		task()

		ticker := time.NewTicker(s.logReplicationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task()
			case <-done:
				return
			}
		}
	}()
	return LogReplicationTask{done: done, once: &sync.Once{}}
}

func (s *DefaultScheduler) Stop() error {
	return nil
}

// NullScheduler never fires anything. Tests drive timeouts and replication
// ticks by calling the node's handlers directly.
type NullScheduler struct{}

func (NullScheduler) ScheduleElectionTimeout(func()) ElectionTimeout       { return ElectionTimeout{} }
func (NullScheduler) ScheduleLogReplicationTask(func()) LogReplicationTask { return LogReplicationTask{} }
func (NullScheduler) Stop() error                                          { return nil }
