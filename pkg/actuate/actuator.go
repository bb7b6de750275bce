// Package actuate implements the Actuator: it submits a Plan's config to
// the cluster via replSetInitiate/replSetReconfig and waits out the
// resulting election, per §4.5.
//
// Grounded on the teacher's pkg/upgrade/replica_set.go for the
// initiate/reconfig/poll-for-primary idiom, and pkg/retry for the
// backoff wrapper around each admin call.
package actuate

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zph/rsopctl/pkg/logger"
	"github.com/zph/rsopctl/pkg/retry"
	"github.com/zph/rsopctl/pkg/rserrors"
	"github.com/zph/rsopctl/pkg/rsmongo"
	"github.com/zph/rsopctl/pkg/rstypes"
)

// Result is the Actuator's verdict for one apply, per §4.5's contract.
type Result int

const (
	Applied Result = iota
	RetryableFailure
	FatalFailure
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "Applied"
	case RetryableFailure:
		return "RetryableFailure"
	case FatalFailure:
		return "FatalFailure"
	default:
		return "Unknown"
	}
}

// BootstrapFunc is invoked exactly once, immediately after a successful
// Initiate, to hand control to the Account Bootstrapper.
type BootstrapFunc func(ctx context.Context, primary rstypes.NodeEndpoint) error

// Actuator applies plans against a live cluster.
type Actuator struct {
	Credentials     *rsmongo.Credentials
	ElectionTimeout time.Duration
	OnInitiated     BootstrapFunc
}

// New returns an Actuator using the spec's default 60s election timeout.
func New() *Actuator {
	return &Actuator{ElectionTimeout: 60 * time.Second}
}

// Apply executes plan.Action against the cluster and returns the
// resulting Result plus a reason error (nil on Applied/NoOp).
func (a *Actuator) Apply(ctx context.Context, plan *rstypes.Plan, expected rstypes.ExpectedMemberSet) (Result, error) {
	switch plan.Action {
	case rstypes.NoOp:
		return Applied, nil
	case rstypes.Initiate:
		return a.applyInitiate(ctx, plan, expected)
	case rstypes.Reconfigure:
		return a.applyReconfigure(ctx, plan, expected, false)
	case rstypes.ForceReconfigure:
		return a.applyForceReconfigure(ctx, plan, expected)
	default:
		return FatalFailure, errors.New("unknown plan action")
	}
}

func (a *Actuator) applyInitiate(ctx context.Context, plan *rstypes.Plan, expected rstypes.ExpectedMemberSet) (Result, error) {
	err := retry.Default.Do(ctx, func() error {
		return a.runAdmin(ctx, plan.TargetNode, "replSetInitiate", configDoc(plan.Config))
	})
	if err != nil {
		return classifyAdminErr(err)
	}

	primary, ok := a.waitForPrimary(ctx, expected)
	if !ok {
		return RetryableFailure, errors.New("no writable primary emerged before election timeout")
	}

	if a.OnInitiated != nil {
		if err := a.OnInitiated(ctx, primary); err != nil {
			logger.Info("bootstrap deferred to next cycle", logger.Fields{"error": err.Error()})
		}
	}
	return Applied, nil
}

// applyReconfigure implements Reconfigure's retry-then-fallback protocol:
// up to 3 attempts against the primary, falling back to ForceReconfigure
// when the server reports it has lost primary status mid-reconfigure.
func (a *Actuator) applyReconfigure(ctx context.Context, plan *rstypes.Plan, expected rstypes.ExpectedMemberSet, forced bool) (Result, error) {
	const maxPrimaryRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxPrimaryRetries; attempt++ {
		err := retry.Default.Do(ctx, func() error {
			return a.runAdmin(ctx, plan.TargetNode, "replSetReconfig", reconfigDoc(plan.Config, forced))
		})
		if err == nil {
			return Applied, nil
		}
		lastErr = err
		if !isLostPrimary(err) {
			return classifyAdminErr(err)
		}
	}

	logger.Warn("reconfigure lost primary repeatedly, falling back to force", logger.Fields{"target": plan.TargetNode.String()})
	forcedPlan := &rstypes.Plan{Action: rstypes.ForceReconfigure, TargetNode: plan.TargetNode, Config: plan.Config, Force: true}
	result, err := a.applyForceReconfigure(ctx, forcedPlan, expected)
	if err != nil {
		return result, err
	}
	logger.Info("forced reconfigure applied after lost primary", logger.Fields{"target": plan.TargetNode.String(), "cause": lastErr.Error()})
	return result, nil
}

func (a *Actuator) applyForceReconfigure(ctx context.Context, plan *rstypes.Plan, expected rstypes.ExpectedMemberSet) (Result, error) {
	err := retry.Default.Do(ctx, func() error {
		return a.runAdmin(ctx, plan.TargetNode, "replSetReconfig", reconfigDoc(plan.Config, true))
	})
	if err != nil {
		return classifyAdminErr(err)
	}

	if _, ok := a.waitForPrimary(ctx, expected); !ok {
		return RetryableFailure, errors.New("no writable primary emerged after forced reconfigure")
	}
	return Applied, nil
}

// waitForPrimary polls hello across expected.Members until one reports
// isWritablePrimary=true or ElectionTimeout elapses.
func (a *Actuator) waitForPrimary(ctx context.Context, expected rstypes.ExpectedMemberSet) (rstypes.NodeEndpoint, bool) {
	deadline := time.Now().Add(a.ElectionTimeout)
	for time.Now().Before(deadline) {
		for _, ep := range expected.Sorted() {
			if a.isWritablePrimary(ctx, ep) {
				return ep, true
			}
		}
		select {
		case <-ctx.Done():
			return rstypes.NodeEndpoint{}, false
		case <-time.After(2 * time.Second):
		}
	}
	return rstypes.NodeEndpoint{}, false
}

func (a *Actuator) isWritablePrimary(ctx context.Context, ep rstypes.NodeEndpoint) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI("mongodb://" + ep.Host()).SetDirect(true).
		SetConnectTimeout(5 * time.Second).SetServerSelectionTimeout(5 * time.Second)
	if a.Credentials != nil {
		opts.SetAuth(options.Credential{Username: a.Credentials.Username, Password: a.Credentials.Password})
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return false
	}
	defer client.Disconnect(ctx)

	var hello bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return false
	}
	v, ok := hello["isWritablePrimary"].(bool)
	return ok && v
}

// runAdmin connects to target and issues a single admin command, using
// a.Credentials whenever they are set. A failed connect is retryable; a
// command error goes through wrapAdminErr, so an authentication failure,
// during Initiate or otherwise, comes back as AdminErrorFatal.
func (a *Actuator) runAdmin(ctx context.Context, target rstypes.NodeEndpoint, command string, doc bson.D) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI("mongodb://" + target.Host()).SetDirect(true).
		SetConnectTimeout(10 * time.Second).SetServerSelectionTimeout(10 * time.Second)
	if a.Credentials != nil {
		opts.SetAuth(options.Credential{Username: a.Credentials.Username, Password: a.Credentials.Password})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return retry.Retryable{Err: &rserrors.AdminErrorRetryable{Cause: err}}
	}
	defer client.Disconnect(ctx)

	var reply bson.M
	if err := client.Database("admin").RunCommand(ctx, doc).Decode(&reply); err != nil {
		return wrapAdminErr(err)
	}
	return nil
}

func configDoc(cfg *rstypes.ReplicaSetConfig) bson.D {
	return bson.D{{Key: "replSetInitiate", Value: toBSONConfig(cfg)}}
}

func reconfigDoc(cfg *rstypes.ReplicaSetConfig, force bool) bson.D {
	return bson.D{
		{Key: "replSetReconfig", Value: toBSONConfig(cfg)},
		{Key: "force", Value: force},
	}
}

func toBSONConfig(cfg *rstypes.ReplicaSetConfig) bson.M {
	members := make(bson.A, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		doc := bson.M{"_id": m.ID, "host": m.Host}
		if m.Priority != nil {
			doc["priority"] = *m.Priority
		}
		if m.Votes != nil {
			doc["votes"] = *m.Votes
		}
		members = append(members, doc)
	}
	return bson.M{"_id": cfg.Name, "version": cfg.Version, "members": members}
}

// wrapAdminErr classifies an admin command failure per §7's taxonomy:
// "not primary"/election-in-progress/transient network become
// AdminErrorRetryable (wrapped for retry.Do); schema/validation
// rejections become AdminErrorFatal.
func wrapAdminErr(err error) error {
	if isLostPrimary(err) || rsmongoTransient(err) {
		return retry.Retryable{Err: &rserrors.AdminErrorRetryable{Cause: err}}
	}
	return &rserrors.AdminErrorFatal{Cause: err}
}

func isLostPrimary(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 10107, 13435, 189: // NotWritablePrimary, NotPrimaryNoSecondaryOk, PrimarySteppedDown
			return true
		}
	}
	return false
}

func rsmongoTransient(err error) bool {
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

func classifyAdminErr(err error) (Result, error) {
	var retryable *rserrors.AdminErrorRetryable
	if errors.As(err, &retryable) {
		return RetryableFailure, err
	}
	var fatal *rserrors.AdminErrorFatal
	if errors.As(err, &fatal) {
		return FatalFailure, err
	}
	return FatalFailure, err
}
