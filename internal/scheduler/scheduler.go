// Package scheduler drives the client's wave loop: a probabilistic
// failure filter per team, a bounded worker pool sized dynamically off
// the previous wave's timing, and tokens handed to the uploader after
// each wave.
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ctfops/flagfarm/internal/runner"
)

// RunFunc executes one exploit run against a team; swapped out in tests.
type RunFunc func(ctx context.Context, team string) runner.Result

// Scheduler owns the per-team failure counters and worker-pool sizing
// between waves. It is single-writer: all state mutation happens on the
// goroutine that calls RunWave; the worker pool's outputs are merged back
// in before RunWave returns.
type Scheduler struct {
	run              RunFunc
	failureThreshold int
	maxFailures      int
	alwaysRetry      bool

	nWorkers int
	rand     *rand.Rand

	failureCounters map[string]int
}

// New builds a Scheduler. nWorkers starts at runtime.NumCPU(), matching
// the original's os.cpu_count() default.
func New(run RunFunc, failureThreshold, maxFailures int, alwaysRetry bool) *Scheduler {
	return &Scheduler{
		run:              run,
		failureThreshold: failureThreshold,
		maxFailures:      maxFailures,
		alwaysRetry:      alwaysRetry,
		nWorkers:         runtime.NumCPU(),
		rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
		failureCounters:  map[string]int{},
	}
}

// WaveResult summarizes one wave: the flags captured and how many teams
// failed outright (crashed or timed out; "no flags" does not count).
type WaveResult struct {
	Tokens      []runner.Token
	Failures    int
	Skipped     int
	Duration    time.Duration
}

// shouldRun applies the probabilistic failure filter: skip with
// probability rising as the team's failure counter grows past
// failure_threshold, so chronically-failing teams are retried less often
// but never entirely abandoned.
func (s *Scheduler) shouldRun(team string) bool {
	if s.alwaysRetry {
		return true
	}
	counter := s.failureCounters[team]
	if counter == 0 {
		return true
	}
	return s.rand.Intn(counter+1) <= s.failureThreshold
}

// recordOutcome updates team's failure counter from the run's outcome.
func (s *Scheduler) recordOutcome(team string, outcome runner.Outcome) {
	counter := s.failureCounters[team]
	if outcome.IsFailure() {
		if counter < s.maxFailures {
			s.failureCounters[team] = counter + 1
		}
		return
	}
	// Success (including "no flags") improves the counter.
	if counter > s.failureThreshold {
		s.failureCounters[team] = s.failureThreshold // give it another chance
	} else if counter > 0 {
		s.failureCounters[team] = counter - 1
	}
}

// RunWave runs the exploit against every team still surviving the failure
// filter, bounded to s.nWorkers concurrent runs, and returns the
// aggregated tokens.
func (s *Scheduler) RunWave(ctx context.Context, teams []string, logger *zap.Logger) WaveResult {
	start := time.Now()
	sem := semaphore.NewWeighted(int64(s.nWorkers))
	g, gctx := errgroup.WithContext(ctx)

	type outcome struct {
		team   string
		result runner.Result
	}
	outcomes := make(chan outcome, len(teams))
	skipped := 0

	for _, team := range teams {
		team := team
		if !s.shouldRun(team) {
			skipped++
			logger.Debug("skipping team, too many consecutive failures", zap.String("team", team))
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break // context canceled
		}
		g.Go(func() error {
			defer sem.Release(1)
			result := s.run(gctx, team)
			outcomes <- outcome{team: team, result: result}
			return nil
		})
	}

	_ = g.Wait()
	close(outcomes)

	var tokens []runner.Token
	failures := 0
	for o := range outcomes {
		s.recordOutcome(o.team, o.result.Outcome)
		if o.result.Outcome.IsFailure() {
			failures++
		}
		tokens = append(tokens, o.result.Tokens...)
	}

	return WaveResult{Tokens: tokens, Failures: failures, Skipped: skipped, Duration: time.Since(start)}
}

// Recompute resizes the worker pool:
// teams_per_worker = ceil(len(teams)/n_workers)
// time_per_team = wave_time / teams_per_worker
// n_workers' = ceil((time_per_team * len(teams)) / deadline), clamped to [1, NumCPU].
func (s *Scheduler) Recompute(nTeams int, deadline, waveTime time.Duration, logger *zap.Logger) {
	if s.nWorkers < 1 {
		s.nWorkers = 1
	}
	teamsPerWorker := math.Ceil(float64(nTeams) / float64(s.nWorkers))
	if teamsPerWorker == 0 {
		teamsPerWorker = 1
	}
	timePerTeam := waveTime.Seconds() / teamsPerWorker
	next := math.Ceil((timePerTeam * float64(nTeams)) / deadline.Seconds())

	n := int(next)
	if n < 1 {
		n = 1
	}
	if cpu := runtime.NumCPU(); n > cpu {
		n = cpu
	}

	logger.Debug("recomputed worker pool size",
		zap.Float64("teams_per_worker", teamsPerWorker),
		zap.Float64("time_per_team", timePerTeam),
		zap.Int("n_workers", n))
	s.nWorkers = n
}
