package cloud

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aethernetio/aether-client-go/wire"
)

// RequestPolicy selects which member servers of a Cloud a CloudRequest
// fans out to (spec §4.6).
type RequestPolicy struct {
	kind     policyKind
	priority int
	replicas int
}

type policyKind int

const (
	policyMainServer policyKind = iota
	policyPriority
	policyReplica
	policyAll
)

// MainServer targets only the cloud's first (preferred) member.
func MainServer() RequestPolicy { return RequestPolicy{kind: policyMainServer} }

// Priority targets the i-th member in the cloud's preference order.
func Priority(i int) RequestPolicy { return RequestPolicy{kind: policyPriority, priority: i} }

// Replica targets the first n members, any one success is a success.
func Replica(n int) RequestPolicy { return RequestPolicy{kind: policyReplica, replicas: n} }

// All targets every member server.
func All() RequestPolicy { return RequestPolicy{kind: policyAll} }

// targets resolves a policy against a Cloud's current member list.
func (p RequestPolicy) targets(ids []uint16) []uint16 {
	switch p.kind {
	case policyMainServer:
		if len(ids) == 0 {
			return nil
		}
		return ids[:1]
	case policyPriority:
		if p.priority >= len(ids) {
			return nil
		}
		return ids[p.priority : p.priority+1]
	case policyReplica:
		n := p.replicas
		if n > len(ids) {
			n = len(ids)
		}
		return ids[:n]
	default: // policyAll
		return ids
	}
}

// ErrNoTargets is returned when a policy resolves to zero reachable
// servers, mirroring EmptyConnectionsWA in the original CloudRequest
// (cloud_connections/cloud_request.cpp): an immediately-failed request
// rather than one that waits forever.
var ErrNoTargets = errors.New("cloud: request policy resolved no targets")

// skipQuarantined drops any id still serving conns' requarantine backoff
// (spec §4.5 step 1: "skip any server_id in quarantined unless deadline
// <= now"), preserving order.
func skipQuarantined(conns *CloudConnections, ids []uint16) []uint16 {
	out := make([]uint16, 0, len(ids))
	for _, id := range ids {
		if !conns.IsQuarantined(id) {
			out = append(out, id)
		}
	}
	return out
}

const defaultRequestTimeout = 30 * time.Second

// Request fans an ApiCall out to a Cloud's members per policy and
// resolves as soon as any one target succeeds, or fails once every
// target has (spec §4.6; grounded on CloudRequestAction::MakeRequest and
// cloud_request_internal::ReplicaWA's "any success or all failed" OR
// semantics). Each per-target call runs through CloudConnections so
// later requests to the same server reuse the same long-lived
// ServerSession rather than dialing fresh. A failed target is not
// retried; ctx (or defaultRequestTimeout) bounds the whole request.
func Request(ctx context.Context, cloudObj *Cloud, conns *CloudConnections, sessionKeys map[uint16][]byte, policy RequestPolicy, call wire.ApiCall) (wire.ApiCall, error) {
	ids := policy.targets(cloudObj.ServerIDs())
	ids = skipQuarantined(conns, ids)
	if len(ids) == 0 {
		return wire.ApiCall{}, ErrNoTargets
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	type result struct {
		resp wire.ApiCall
		err  error
	}
	results := make(chan result, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		server, ok := cloudObj.Server(id)
		if !ok {
			results <- result{err: ErrNoTargets}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := conns.Ensure(server, sessionKeys[id])
			if err != nil {
				results <- result{err: err}
				return
			}
			start := time.Now()
			resp, err := sess.Call(ctx, call)
			if err == nil {
				if ch := server.PreferredChannel(); ch != nil {
					ch.RecordRTT(time.Since(start))
				}
			}
			results <- result{resp: resp, err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	failed := 0
	for r := range results {
		if r.err == nil {
			return r.resp, nil
		}
		lastErr = r.err
		failed++
		if failed == len(ids) {
			break
		}
	}
	if lastErr == nil {
		lastErr = ErrNoTargets
	}
	return wire.ApiCall{}, lastErr
}
