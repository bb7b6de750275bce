// Package rsmongo implements the Cluster Prober: it contacts each
// candidate endpoint, issues hello/replSetGetStatus/replSetGetConfig, and
// classifies the result per §4.2.
//
// Grounded on the connect/RunCommand/Disconnect idiom of the teacher's
// pkg/upgrade/replica_set.go and pkg/operation/mongodb_client.go, fanned
// out with golang.org/x/sync/errgroup instead of the teacher's ad hoc
// channel-of-results pattern (pkg/apply/applier.go's executeParallel).
package rsmongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/zph/rsopctl/pkg/retry"
	"github.com/zph/rsopctl/pkg/rstypes"
)

// Credentials are applied to every admin connection the Prober opens
// while its Credentials field is set; with nil, probes connect
// unauthenticated. The Prober never sets or clears them itself, and the
// Supervisor does not switch them when bootstrap completes.
type Credentials struct {
	Username string
	Password string
}

// Prober implements §4.2's probe() contract.
type Prober struct {
	PerProbeTimeout time.Duration
	Credentials     *Credentials // nil means unauthenticated probes
}

// New returns a Prober with the spec's default 5s per-probe timeout.
func New() *Prober {
	return &Prober{PerProbeTimeout: 5 * time.Second}
}

// Probe contacts every member concurrently and returns one
// ObservedNodeView per endpoint. Each goroutine writes only its own slot
// of a results slice, and the returned map is filled from that slice
// after the errgroup join barrier, so no mutex is needed (§5's "write
// once, read after join barrier" rule).
func (p *Prober) Probe(ctx context.Context, members []rstypes.NodeEndpoint) map[rstypes.NodeEndpoint]rstypes.ObservedNodeView {
	views := make(map[rstypes.NodeEndpoint]rstypes.ObservedNodeView, len(members))

	g, gctx := errgroup.WithContext(ctx)
	results := make([]rstypes.ObservedNodeView, len(members))
	for i, m := range members {
		i, m := i, m
		g.Go(func() error {
			results[i] = p.probeOne(gctx, m)
			return nil
		})
	}
	_ = g.Wait() // probeOne never returns an error; each result is self-describing

	for i, m := range members {
		views[m] = results[i]
	}
	return views
}

// probeOne runs the per-node protocol from §4.2 steps 1-5, retrying a
// Transient classification up to K times with backoff before it becomes
// final.
func (p *Prober) probeOne(ctx context.Context, ep rstypes.NodeEndpoint) rstypes.ObservedNodeView {
	view := rstypes.ObservedNodeView{Endpoint: ep}

	err := retry.Probe.Do(ctx, func() error {
		v, probeErr := p.attempt(ctx, ep)
		view = v
		if view.State == rstypes.StateTransient {
			return retry.Retryable{Err: probeErr}
		}
		return nil
	})
	_ = err // retry.Do's terminal error is already reflected in view.State/Err

	return view
}

// attempt performs one connection + hello + replSetGetStatus/Config round
// trip and classifies the outcome per §4.2 step 4.
func (p *Prober) attempt(ctx context.Context, ep rstypes.NodeEndpoint) (rstypes.ObservedNodeView, error) {
	view := rstypes.ObservedNodeView{Endpoint: ep}

	ctx, cancel := context.WithTimeout(ctx, p.PerProbeTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI("mongodb://" + ep.Host()).
		SetDirect(true).
		SetConnectTimeout(p.PerProbeTimeout).
		SetServerSelectionTimeout(p.PerProbeTimeout)
	if p.Credentials != nil {
		opts.SetAuth(options.Credential{Username: p.Credentials.Username, Password: p.Credentials.Password})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		view.State = rstypes.StateUnreachable
		view.Err = err
		return view, err
	}
	defer client.Disconnect(ctx)

	admin := client.Database("admin")

	var hello bson.M
	if err := admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return classifyError(view, err)
	}
	if v, ok := hello["isWritablePrimary"].(bool); ok && v {
		view.IsPrimary = true
	}

	var status bson.M
	statusErr := admin.RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&status)
	if statusErr != nil {
		return classifyError(view, statusErr)
	}

	var cfgResult bson.M
	if err := admin.RunCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).Decode(&cfgResult); err != nil {
		return classifyError(view, err)
	}

	cfgDoc, _ := cfgResult["config"].(bson.M)
	view.State = rstypes.StateMember
	view.RSName, _ = cfgDoc["_id"].(string)
	if v, ok := cfgDoc["version"].(int32); ok {
		view.ConfigVersion = int64(v)
	}
	view.ConfiguredMembers = map[string]int{}
	if members, ok := cfgDoc["members"].(bson.A); ok {
		for _, mi := range members {
			md, ok := mi.(bson.M)
			if !ok {
				continue
			}
			host, ok := md["host"].(string)
			if !ok {
				continue
			}
			id, ok := memberID(md["_id"])
			if !ok {
				continue
			}
			view.ConfiguredMembers[host] = id
		}
	}

	return view, nil
}

// memberID normalizes replSetGetConfig's per-member _id, which the driver
// decodes as int32 for small values but may return as int64/float64
// depending on how the document was built, into a plain int.
func memberID(v interface{}) (int, bool) {
	switch id := v.(type) {
	case int32:
		return int(id), true
	case int64:
		return int(id), true
	case int:
		return id, true
	case float64:
		return int(id), true
	default:
		return 0, false
	}
}

func classifyError(view rstypes.ObservedNodeView, err error) (rstypes.ObservedNodeView, error) {
	view.Err = err
	switch {
	case isUnreachable(err):
		view.State = rstypes.StateUnreachable
	case isTransient(err):
		view.State = rstypes.StateTransient
	case isUninitialized(err):
		view.State = rstypes.StateUninitialized
	default:
		view.State = rstypes.StateUnreachable
	}
	return view, err
}
