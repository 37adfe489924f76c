package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// Operation names, recorded with every idempotency record.
const (
	OpStore               = "store"
	OpCorrect             = "correct"
	OpIngest              = "ingest"
	OpReinterpret         = "reinterpret"
	OpCreateRelationship  = "relationship.create"
	OpDeleteRelationship  = "relationship.delete"
	OpRestoreRelationship = "relationship.restore"
)

// request identifies one mutating call at the idempotency controller.
type request struct {
	op     string
	caller string
	key    string
	hash   string
}

func (e *Engine) newRequest(op, caller, key string, payload ir.Value) (request, error) {
	if caller == "" {
		return request{}, validationf("%s: caller id is required", op)
	}
	if key == "" {
		return request{}, validationf("%s: idempotency key is required", op)
	}
	hash, err := ir.RequestHash(op, payload)
	if err != nil {
		return request{}, validationf("%s: payload cannot be canonicalised: %v", op, err)
	}
	return request{op: op, caller: caller, key: key, hash: hash}, nil
}

func (r request) lockName() string {
	return r.caller + "\x00" + r.key
}

// commitFunc records a request's result inside the transaction that
// commits its effects.
type commitFunc[R any] func(ctx context.Context, w store.Writer, sourceID string, result R) error

// errCommitted marks an execute error raised after the result was
// committed (an interpretation failure). The recorded result is returned
// alongside the error.
type errCommitted struct{ err error }

func (e errCommitted) Error() string { return e.err.Error() }
func (e errCommitted) Unwrap() error { return e.err }

// runIdempotent is the idempotency controller.
//
//  1. A recorded result for (caller, key) is returned as is.
//  2. Otherwise the (caller, key) lock is taken, bounded by the lock
//     timeout; a timeout is a retryable CONFLICT.
//  3. The record is checked again under the lock: the loser of a race
//     receives the winner's result.
//  4. execute runs and must call commit in its final transaction.
//
// The returned result is always decoded from the recorded bytes, so the
// first call and every retry observe the same value. deduplicated is true
// when an earlier call's record was returned.
func runIdempotent[R any](ctx context.Context, e *Engine, req request,
	execute func(ctx context.Context, commit commitFunc[R]) error,
) (result R, deduplicated bool, err error) {
	defer func() {
		e.observeRequest(req, deduplicated, err)
	}()

	if result, found, err := lookupRecord[R](ctx, e, e.provider, req); err != nil || found {
		return result, found, err
	}

	release, err := e.idemLocks.Acquire(ctx, req.lockName(), e.lockTimeout)
	if err != nil {
		return result, false, e.lockError("idempotency", req.key, err)
	}
	defer release()

	if result, found, err := lookupRecord[R](ctx, e, e.provider, req); err != nil || found {
		return result, found, err
	}

	var recorded []byte
	commit := func(ctx context.Context, w store.Writer, sourceID string, r R) error {
		data, err := canonicalJSON(r)
		if err != nil {
			return fmt.Errorf("%s: encode result: %w", req.op, err)
		}
		inserted, err := w.PutIdempotencyRecord(ctx, ir.IdempotencyRecord{
			CallerID:    req.caller,
			Key:         req.key,
			Operation:   req.op,
			RequestHash: req.hash,
			SourceID:    sourceID,
			Result:      data,
			CreatedAt:   e.clock.Now(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			// Only reachable if a record appeared despite the lock.
			return NewConflictError("idempotency", req.key)
		}
		recorded = data
		return nil
	}

	execErr := execute(ctx, commit)
	if recorded == nil {
		if execErr == nil {
			execErr = fmt.Errorf("%s: completed without recording a result", req.op)
		}
		return result, false, e.classify(execErr)
	}
	if err := json.Unmarshal(recorded, &result); err != nil {
		return result, false, fmt.Errorf("%s: decode result: %w", req.op, err)
	}
	if execErr != nil {
		var committed errCommitted
		if errors.As(execErr, &committed) {
			execErr = committed.err
		}
		return result, false, e.classify(execErr)
	}
	return result, false, nil
}

// lookupRecord returns the recorded result for req, if any. A payload
// differing from the recorded one is logged; the first write still wins.
func lookupRecord[R any](ctx context.Context, e *Engine, r store.Reader, req request) (R, bool, error) {
	var result R
	rec, err := r.GetIdempotencyRecord(ctx, req.caller, req.key)
	if store.IsNotFound(err) {
		return result, false, nil
	}
	if err != nil {
		return result, false, fmt.Errorf("%s: idempotency lookup: %w", req.op, err)
	}
	if rec.Operation != req.op {
		return result, false, validationf("idempotency key %q was already used for %s, not %s",
			req.key, rec.Operation, req.op)
	}
	if rec.RequestHash != req.hash {
		e.logger.Warn("idempotency key reused with a different payload",
			"operation", req.op, "caller_id", req.caller, "key", req.key,
			"recorded_hash", rec.RequestHash, "request_hash", req.hash)
	}
	if err := json.Unmarshal(rec.Result, &result); err != nil {
		return result, false, fmt.Errorf("%s: decode recorded result: %w", req.op, err)
	}
	e.logger.Debug("request deduplicated",
		"operation", req.op, "caller_id", req.caller, "key", req.key, "source_id", rec.SourceID)
	return result, true, nil
}

func (e *Engine) observeRequest(req request, deduplicated bool, err error) {
	outcome := string(OutcomeCreated)
	switch {
	case deduplicated:
		outcome = string(OutcomeDeduplicated)
	case IsInterpretationFailure(err):
		outcome = string(OutcomeFailed)
	case err != nil:
		outcome = "error"
	}
	e.metrics.Request(req.op, outcome)
	if err != nil && !IsInterpretationFailure(err) {
		e.logger.Info("request rejected",
			"operation", req.op, "caller_id", req.caller, "key", req.key, "error", err)
		return
	}
	e.logger.Info("request processed",
		"operation", req.op, "caller_id", req.caller, "key", req.key, "outcome", outcome)
}

// lockError converts a failed lock acquisition.
func (e *Engine) lockError(kind, key string, err error) error {
	var timeout errLockTimeout
	if errors.As(err, &timeout) {
		if key == "" {
			key = timeout.name
		}
		e.metrics.LockTimeout(kind)
		e.logger.Warn("lock timeout", "kind", kind, "key", key, "timeout", e.lockTimeout)
		return NewConflictError(kind, key)
	}
	return err
}

// canonicalJSON encodes v with encoding/json and re-serialises the result
// canonically, so recorded results are byte-stable.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := ir.ParseValue(raw)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(val)
}
