// Package reconcile implements the Supervisor Loop: the single-threaded
// cooperative cycle driver from §4.7 that ties the Topology Observer,
// Cluster Prober, State Classifier, Plan Generator, Actuator and Account
// Bootstrapper together.
//
// Grounded on the teacher's cmd/mup/cluster.go command-loop shape and
// pkg/supervisor's process-lifecycle signal handling, generalized from a
// one-shot CLI invocation to a recurring ticker-driven loop.
package reconcile

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zph/rsopctl/pkg/actuate"
	"github.com/zph/rsopctl/pkg/bootstrap"
	"github.com/zph/rsopctl/pkg/classify"
	"github.com/zph/rsopctl/pkg/logger"
	"github.com/zph/rsopctl/pkg/planner"
	"github.com/zph/rsopctl/pkg/rserrors"
	"github.com/zph/rsopctl/pkg/rsmongo"
	"github.com/zph/rsopctl/pkg/rstypes"
)

// Topology is the Supervisor's view of the Topology Observer, narrowed to
// what one cycle needs.
type Topology interface {
	Observe(ctx context.Context) (rstypes.ExpectedMemberSet, error)
}

// Prober is the Supervisor's view of the Cluster Prober.
type Prober interface {
	Probe(ctx context.Context, members []rstypes.NodeEndpoint) map[rstypes.NodeEndpoint]rstypes.ObservedNodeView
}

// Bootstrapper is the Supervisor's view of the Account Bootstrapper.
type Bootstrapper interface {
	Run(ctx context.Context, primary rstypes.NodeEndpoint) error
}

// Options configures one Supervisor instance.
type Options struct {
	ReplicaSetName      string
	CycleInterval       time.Duration
	ElectionTimeout     time.Duration
	CycleDeadline       time.Duration
	CycleSchedule       string // optional cron expression, overrides CycleInterval
	ScaleDownHysteresis int
	Bootstrap           bootstrap.Config
}

// Supervisor runs run_cycle on a cadence until asked to stop, never
// overlapping two cycles, per §4.7 and §5's ordering guarantees.
type Supervisor struct {
	opts      Options
	topology  Topology
	prober    Prober
	actuator  *actuate.Actuator
	bootstrap Bootstrapper
	metrics   *Metrics

	cycleNum uint64

	// carried across cycles for scale-down hysteresis, primary-loss
	// escalation, and minimal-churn redeploy pairing; zero/nil until the
	// first successful observation.
	priorExpectedCount   int
	priorDecreaseCycles  int
	priorNoPrimaryCycles int
	priorConfig          *rstypes.ReplicaSetConfig

	// bootstrapComplete latches once the Account Bootstrapper has
	// succeeded; until then every cycle with a known primary retries it,
	// per §4.6's "retried on subsequent cycles until successful".
	bootstrapComplete bool
}

// New wires one Supervisor from its collaborators.
func New(opts Options, topology Topology, prober Prober, cred *rsmongo.Credentials, metrics *Metrics) *Supervisor {
	act := actuate.New()
	act.Credentials = cred
	if opts.ElectionTimeout > 0 {
		act.ElectionTimeout = opts.ElectionTimeout
	}

	boot := bootstrap.New(opts.Bootstrap)

	sup := &Supervisor{
		opts:      opts,
		topology:  topology,
		prober:    prober,
		actuator:  act,
		bootstrap: boot,
		metrics:   metrics,
	}

	act.OnInitiated = func(ctx context.Context, primary rstypes.NodeEndpoint) error {
		return sup.attemptBootstrap(ctx, primary)
	}

	return sup
}

// attemptBootstrap runs the Account Bootstrapper against primary unless it
// has already succeeded once. Safe to call every cycle: once
// bootstrapComplete latches, this is a no-op check, not a repeated
// connection attempt.
func (s *Supervisor) attemptBootstrap(ctx context.Context, primary rstypes.NodeEndpoint) error {
	if s.bootstrapComplete {
		return nil
	}
	if s.metrics != nil {
		s.metrics.BootstrapAttempts.Inc()
	}
	if err := s.bootstrap.Run(ctx, primary); err != nil {
		return err
	}
	s.bootstrapComplete = true
	return nil
}

var allClusterStates = []string{
	rstypes.FreshDeploy.String(),
	rstypes.RedeployIPChange.String(),
	rstypes.Scale.String(),
	rstypes.SplitView.String(),
	rstypes.PrimaryLoss.String(),
	rstypes.SteadyState.String(),
	rstypes.Unstable.String(),
}

// Run drives the cooperative loop until ctx is canceled or a terminating
// signal (SIGINT/SIGTERM) arrives; the in-flight cycle always completes
// before the loop exits. When opts.CycleSchedule is set, cycles fire on
// that cron cadence instead of a fixed interval.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.opts.CycleSchedule != "" {
		return s.runScheduled(ctx)
	}
	return s.runTicker(ctx)
}

func (s *Supervisor) runTicker(ctx context.Context) error {
	interval := s.opts.CycleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		s.runOneCycle(ctx)

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, exiting after in-flight cycle", nil)
			return nil
		case <-time.After(interval):
		}
	}
}

// runScheduled drives cycles from a cron expression instead of a fixed
// interval, for operators who want cadence windows (e.g. avoiding
// maintenance hours) rather than a plain period.
func (s *Supervisor) runScheduled(ctx context.Context) error {
	sched, err := cron.ParseStandard(s.opts.CycleSchedule)
	if err != nil {
		return &rserrors.ConfigError{Cause: err}
	}

	next := sched.Next(time.Now())
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, exiting after in-flight cycle", nil)
			return nil
		case <-time.After(time.Until(next)):
			s.runOneCycle(ctx)
			next = sched.Next(time.Now())
		}
	}
}

// runOneCycle executes exactly one run_cycle() with an overall deadline,
// recording metrics and logging the outcome. Panics and errors never
// propagate past this call: every failure is logged and healed by the
// next cycle's convergence attempt, per §7's propagation policy.
func (s *Supervisor) runOneCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Cycle(s.cycleNum).Errorf("cycle panicked: %v", r)
		}
	}()
	_, _ = s.RunOnce(ctx)
}

// RunOnce executes exactly one run_cycle() with an overall deadline,
// recording metrics and logging the outcome, then returns it to the
// caller. The loop driver (runOneCycle) discards the result since every
// failure is logged and healed by the next cycle's convergence attempt,
// per §7's propagation policy; callers driving a single cycle directly
// (the "once" CLI command) use the returned value instead.
func (s *Supervisor) RunOnce(ctx context.Context) (CycleOutcome, error) {
	deadline := s.opts.CycleDeadline
	if deadline <= 0 {
		deadline = 3 * s.opts.CycleInterval
	}
	if deadline <= 0 {
		deadline = 90 * time.Second
	}
	cycleCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	s.cycleNum++
	start := time.Now()
	log := logger.Cycle(s.cycleNum)

	result, err := s.runCycle(cycleCtx)
	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.CycleDuration.Observe(duration.Seconds())
	}

	if err != nil {
		log.WithError(err).Warn("cycle did not complete")
		if s.metrics != nil {
			s.metrics.CyclesTotal.WithLabelValues("error").Inc()
		}
		return result, err
	}

	fields := logger.Fields{"classification": result.State.String(), "duration_ms": duration.Milliseconds()}
	if result.HasPrimary {
		fields["primary"] = result.Primary.String()
		log.WithFields(fields).Infof("ReplicaSet Primary is: %s", result.Primary.IP)
	} else {
		log.WithFields(fields).Info("cycle complete")
	}

	if s.metrics != nil {
		s.metrics.CyclesTotal.WithLabelValues(result.State.String()).Inc()
		s.metrics.observeClassification(allClusterStates, result.State.String())
	}

	return result, nil
}

// CycleOutcome is what one run_cycle produces, for logging, metrics, and
// CLI reporting.
type CycleOutcome struct {
	State      rstypes.ClusterState
	HasPrimary bool
	Primary    rstypes.NodeEndpoint
}

// runCycle implements run_cycle(): observe, probe, classify, plan,
// actuate — strictly in that order, per §5's ordering guarantees.
func (s *Supervisor) runCycle(ctx context.Context) (CycleOutcome, error) {
	expected, err := s.topology.Observe(ctx)
	if err != nil {
		return CycleOutcome{}, &rserrors.ObserveError{Cause: err}
	}

	observed := s.prober.Probe(ctx, expected.Sorted())

	result := classify.Classify(expected, observed, s.priorExpectedCount, s.priorDecreaseCycles, s.opts.ScaleDownHysteresis, s.priorNoPrimaryCycles)
	s.updateHysteresisState(expected, result)

	if result.HasPrimary && !s.bootstrapComplete {
		if err := s.attemptBootstrap(ctx, result.Primary); err != nil {
			logger.Cycle(s.cycleNum).WithError(err).Warn("account bootstrap not yet complete, retrying next cycle")
		}
	}

	plan := planner.Generate(result, s.opts.ReplicaSetName, expected, observed, s.priorConfig)

	if plan.Action != rstypes.NoOp {
		if _, err := s.actuator.Apply(ctx, plan, expected); err != nil {
			return CycleOutcome{State: result.State, HasPrimary: result.HasPrimary, Primary: result.Primary}, err
		}
		if plan.Config != nil {
			s.priorConfig = plan.Config
		}
	}

	return CycleOutcome{State: result.State, HasPrimary: result.HasPrimary, Primary: result.Primary}, nil
}

// updateHysteresisState tracks whether the expected member count has just
// decreased, and for how many consecutive cycles, so Classify can hold a
// scale-down for opts.ScaleDownHysteresis cycles before acting on it. It
// also tracks how many consecutive cycles have ended with no primary, so
// Classify can escalate a stale primary loss per §8 scenario 5.
func (s *Supervisor) updateHysteresisState(expected rstypes.ExpectedMemberSet, result classify.Result) {
	if expected.ExpectedCount < s.priorExpectedCount {
		s.priorDecreaseCycles++
	} else {
		s.priorDecreaseCycles = 0
	}
	s.priorExpectedCount = expected.ExpectedCount

	if result.HasPrimary {
		s.priorNoPrimaryCycles = 0
	} else {
		s.priorNoPrimaryCycles++
	}
}
