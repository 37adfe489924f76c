package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/truthlayer/internal/interpret"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/resolve"
	"github.com/roach88/truthlayer/internal/store"
)

// IngestRequest stores raw content, optionally interpreting it.
// Exactly one of Content and FilePath is set.
type IngestRequest struct {
	CallerID       string
	IdempotencyKey string
	Content        []byte
	FilePath       string
	FileName       string // recorded on the source; defaults to FilePath's base name
	MimeType       string // detected from the file name when empty
	Interpret      bool
	Config         interpret.Config
}

// ReinterpretRequest starts a new interpretation run over a stored source.
type ReinterpretRequest struct {
	CallerID       string
	IdempotencyKey string
	SourceID       string
	Config         interpret.Config
}

// IngestResult reports an ingest or reinterpretation.
type IngestResult struct {
	Outcome       Outcome         `json:"outcome"`
	SourceID      string          `json:"source_id"`
	ContentHash   string          `json:"content_hash"`
	MimeType      string          `json:"mime_type"`
	ContentReused bool            `json:"content_reused,omitempty"`
	Run           *RunSummary     `json:"run,omitempty"`
	Entities      []EntitySummary `json:"entities,omitempty"`
	FragmentIDs   []string        `json:"fragment_ids,omitempty"`
}

// RunSummary describes an interpretation run's terminal state.
type RunSummary struct {
	ID             string         `json:"id"`
	Extractor      string         `json:"extractor"`
	Status         ir.RunStatus   `json:"status"`
	Error          string         `json:"error,omitempty"`
	SchemaVersions map[string]int `json:"schema_versions"`
}

// Interpreted reports whether the result carries a successful run.
func (r IngestResult) Interpreted() bool {
	return r.Run != nil && r.Run.Status == ir.RunSucceeded
}

// Ingest persists raw content as a source and, when asked, interprets it.
//
// An interpretation failure is a partial success: the source and the
// failed run are committed, the result reports them, and the error is an
// INTERPRETATION_FAILURE. A retry with the same key returns the same
// result and error; a new run needs Reinterpret.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	data, fileName, err := readContent(req)
	if err != nil {
		return IngestResult{}, err
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = interpret.DetectMIME(fileName)
	}
	cfgJSON, err := req.Config.Canonical()
	if err != nil {
		return IngestResult{}, validationf("ingest: config: %v", err)
	}
	contentHash := ir.ContentHash(data)

	r, err := e.newRequest(OpIngest, req.CallerID, req.IdempotencyKey, ir.Object{
		"content_hash": ir.String(contentHash),
		"mime_type":    ir.String(mimeType),
		"interpret":    ir.Bool(req.Interpret),
		"config":       ir.String(cfgJSON),
	})
	if err != nil {
		return IngestResult{}, err
	}

	result, dedup, err := runIdempotent(ctx, e, r, func(ctx context.Context, commit commitFunc[IngestResult]) error {
		src := ir.Source{
			ID:             ir.SourceID(req.CallerID, req.IdempotencyKey),
			CallerID:       req.CallerID,
			IdempotencyKey: req.IdempotencyKey,
			ContentHash:    contentHash,
			MimeType:       mimeType,
			Size:           int64(len(data)),
			FileName:       fileName,
			CreatedAt:      e.clock.Now(),
		}
		result := IngestResult{
			Outcome:     OutcomeCreated,
			SourceID:    src.ID,
			ContentHash: contentHash,
			MimeType:    mimeType,
		}
		if !req.Interpret {
			return e.provider.Update(ctx, func(w store.Writer) error {
				if err := e.persistSource(ctx, w, src, data, &result); err != nil {
					return err
				}
				return commit(ctx, w, src.ID, result)
			})
		}
		return e.interpretSource(ctx, src, data, OpIngest, req.Config, &result, func(ctx context.Context, w store.Writer) error {
			return e.persistSource(ctx, w, src, data, &result)
		}, commit)
	})
	if dedup {
		result.Outcome = OutcomeDeduplicated
		if result.Run != nil && result.Run.Status == ir.RunFailed {
			err = e.replayedFailure(result)
		}
	}
	return result, err
}

// Reinterpret runs interpretation again over a stored source. It creates a
// new run and new observations; earlier runs and their observations are
// untouched.
func (e *Engine) Reinterpret(ctx context.Context, req ReinterpretRequest) (IngestResult, error) {
	cfgJSON, err := req.Config.Canonical()
	if err != nil {
		return IngestResult{}, validationf("reinterpret: config: %v", err)
	}
	r, err := e.newRequest(OpReinterpret, req.CallerID, req.IdempotencyKey, ir.Object{
		"source_id": ir.String(req.SourceID),
		"config":    ir.String(cfgJSON),
	})
	if err != nil {
		return IngestResult{}, err
	}
	if req.SourceID == "" {
		return IngestResult{}, validationf("reinterpret: source id is required")
	}

	result, dedup, err := runIdempotent(ctx, e, r, func(ctx context.Context, commit commitFunc[IngestResult]) error {
		src, err := e.provider.GetSource(ctx, req.SourceID)
		if err != nil {
			if store.IsNotFound(err) {
				return notFoundf("source %s does not exist", req.SourceID)
			}
			return err
		}
		data, err := e.provider.ReadBlob(ctx, src.ContentHash)
		if err != nil {
			return fmt.Errorf("reinterpret %s: %w", src.ID, err)
		}
		result := IngestResult{
			Outcome:     OutcomeCreated,
			SourceID:    src.ID,
			ContentHash: src.ContentHash,
			MimeType:    src.MimeType,
		}
		trigger := OpReinterpret + ":" + req.CallerID + ":" + req.IdempotencyKey
		return e.interpretSource(ctx, src, data, trigger, req.Config, &result, nil, commit)
	})
	if dedup {
		result.Outcome = OutcomeDeduplicated
		if result.Run != nil && result.Run.Status == ir.RunFailed {
			err = e.replayedFailure(result)
		}
	}
	return result, err
}

// persistSource stores the blob and source row, noting whether another of
// the caller's sources already holds the same bytes.
func (e *Engine) persistSource(ctx context.Context, w store.Writer, src ir.Source, data []byte, result *IngestResult) error {
	existing, err := w.FindSourceByContent(ctx, src.CallerID, src.ContentHash)
	switch {
	case err == nil:
		result.ContentReused = existing.ID != src.ID
	case !store.IsNotFound(err):
		return err
	}
	if err := w.PutBlob(ctx, src.ContentHash, data); err != nil {
		return err
	}
	_, err = w.InsertSource(ctx, src)
	return err
}

// interpretSource is the two-transaction interpretation flow:
//
//  1. before (if any) and the running run are committed, so the source
//     survives whatever extraction does
//  2. extraction and validation run outside any transaction or lock
//  3. the run's terminal state, its observations and fragments, the
//     recomputed snapshots and the request record commit together
func (e *Engine) interpretSource(ctx context.Context, src ir.Source, data []byte, trigger string, cfg interpret.Config,
	result *IngestResult, before func(context.Context, store.Writer) error, commit commitFunc[IngestResult],
) error {
	run, err := e.interpreter.Start(src, trigger, cfg)
	if err != nil {
		return validationf("%v", err)
	}

	err = e.provider.Update(ctx, func(w store.Writer) error {
		if before != nil {
			if err := before(ctx, w); err != nil {
				return err
			}
		}
		// A retry after a crash between the two transactions finds the
		// run already started.
		if _, err := w.GetRun(ctx, run.ID); err == nil {
			return nil
		} else if !store.IsNotFound(err) {
			return err
		}
		return w.InsertRun(ctx, run)
	})
	if err != nil {
		return err
	}

	out, runErr := e.interpreter.Execute(ctx, run, src, data, cfg, e.schemas)
	run = out.Run
	result.Run = &RunSummary{
		ID:             run.ID,
		Extractor:      run.Extractor,
		Status:         run.Status,
		Error:          run.Error,
		SchemaVersions: run.SchemaVersions,
	}
	e.metrics.Run(string(run.Status))

	if runErr != nil {
		result.Outcome = OutcomeFailed
		err := e.provider.Update(ctx, func(w store.Writer) error {
			if err := w.FinishRun(ctx, run.ID, ir.RunFailed, run.Error, *run.CompletedAt); err != nil {
				return err
			}
			return commit(ctx, w, src.ID, *result)
		})
		if err != nil {
			return err
		}
		return errCommitted{err: runErr}
	}

	observations, fragments, err := e.planRun(src, out)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(observations))
	for _, batch := range observations {
		ids = append(ids, batch.entityID)
	}

	release, err := e.lockEntities(ctx, ids)
	if err != nil {
		return err
	}
	defer release()

	return e.provider.Update(ctx, func(w store.Writer) error {
		if err := w.FinishRun(ctx, run.ID, ir.RunSucceeded, "", *run.CompletedAt); err != nil {
			return err
		}
		appended := 0
		var accepted []runBatch
		for _, batch := range observations {
			missing, err := missingRequired(ctx, w, batch)
			if err != nil {
				return err
			}
			if len(missing) == 0 {
				accepted = append(accepted, batch)
				continue
			}
			reason := fmt.Sprintf("new %s entity is missing required fields %v", batch.def.EntityType, missing)
			for i, obs := range batch.observations {
				frag, err := runFragment(src.ID, run.ID, obs.EntityType, obs.Field, obs.Value, batch.ordinals[i], reason, obs.ObservedAt)
				if err != nil {
					return err
				}
				fragments = append(fragments, frag)
			}
		}
		for _, frag := range fragments {
			if _, err := w.AppendRawFragment(ctx, frag); err != nil {
				return err
			}
			result.FragmentIDs = append(result.FragmentIDs, frag.ID)
		}
		for _, batch := range accepted {
			summary := EntitySummary{
				EntityID:      batch.entityID,
				EntityType:    batch.def.EntityType,
				SchemaVersion: batch.def.Version,
			}
			for i := range batch.observations {
				obs := &batch.observations[i]
				if _, err := w.AppendObservation(ctx, obs); err != nil {
					return err
				}
				summary.ObservationIDs = append(summary.ObservationIDs, obs.ID)
				appended++
			}
			snap, err := e.recomputeEntity(ctx, w, batch.entityID, batch.def.EntityType, batch.def)
			if err != nil {
				return err
			}
			summary.Fields = snap.Fields
			summary.SnapshotHash = snap.Hash
			result.Entities = append(result.Entities, summary)
		}
		e.metrics.Appended(appended)
		e.metrics.Fragments(len(fragments))
		return commit(ctx, w, src.ID, *result)
	})
}

// runBatch is the observations one run contributes to one entity.
// ordinals[i] is the extractor position of observations[i].
type runBatch struct {
	entityID     string
	def          ir.SchemaDefinition
	observations []ir.Observation
	ordinals     []int64
}

// missingRequired lists the required fields a batch lacks when it would
// create its entity. Batches for existing entities need none.
func missingRequired(ctx context.Context, r store.Reader, batch runBatch) ([]string, error) {
	_, err := r.GetSnapshot(ctx, batch.entityID)
	switch {
	case err == nil:
		return nil, nil
	case !store.IsNotFound(err):
		return nil, err
	}
	present := make(map[string]bool, len(batch.observations))
	for _, obs := range batch.observations {
		present[obs.Field] = true
	}
	var missing []string
	for _, f := range batch.def.Fields {
		if f.Required && !present[f.Name] {
			missing = append(missing, f.Name)
		}
	}
	return missing, nil
}

func runFragment(sourceID, runID, entityType, key string, value ir.Value, ordinal int64, reason string, at time.Time) (ir.RawFragment, error) {
	id, err := ir.FragmentID(sourceID, runID, entityType, key, value, ordinal)
	if err != nil {
		return ir.RawFragment{}, err
	}
	return ir.RawFragment{
		ID:         id,
		SourceID:   sourceID,
		RunID:      runID,
		EntityType: entityType,
		RawKey:     key,
		RawValue:   value,
		Reason:     reason,
		CreatedAt:  at,
	}, nil
}

// planRun turns a successful run's accepted entities into observations.
// Entities resolving to the same id are merged into one batch; entities
// without identity values become fragments.
func (e *Engine) planRun(src ir.Source, out interpret.Outcome) ([]runBatch, []ir.RawFragment, error) {
	run := out.Run
	observedAt := *run.CompletedAt
	fragments := append([]ir.RawFragment(nil), out.Fragments...)

	var batches []runBatch
	index := map[string]int{}
	for _, ent := range out.Entities {
		entityID, err := resolve.Resolve(ent.EntityType, resolve.IdentityOf(ent.Schema, ent.Object()))
		if errors.Is(err, resolve.ErrEmptyIdentity) {
			for _, f := range ent.Fields {
				frag, err := runFragment(src.ID, run.ID, ent.EntityType, f.Name, f.Value, f.Ordinal,
					"entity has no identity values", observedAt)
				if err != nil {
					return nil, nil, err
				}
				fragments = append(fragments, frag)
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		i, ok := index[entityID]
		if !ok {
			i = len(batches)
			index[entityID] = i
			batches = append(batches, runBatch{entityID: entityID, def: ent.Schema})
		}
		for _, f := range ent.Fields {
			id, err := ir.ObservationID(src.ID, run.ID, entityID, f.Name, f.Value, f.Ordinal)
			if err != nil {
				return nil, nil, err
			}
			batches[i].observations = append(batches[i].observations, ir.Observation{
				ID:               id,
				EntityID:         entityID,
				EntityType:       ent.EntityType,
				Field:            f.Name,
				Value:            f.Value,
				SourceID:         src.ID,
				RunID:            run.ID,
				Kind:             ir.KindInterpreted,
				SourcePriority:   e.priorities.Interpreted,
				SpecificityScore: int64(f.Confidence),
				SchemaVersion:    ent.Schema.Version,
				ObservedAt:       observedAt,
			})
			batches[i].ordinals = append(batches[i].ordinals, f.Ordinal)
		}
	}
	return batches, fragments, nil
}

// replayedFailure rebuilds the INTERPRETATION_FAILURE of a recorded
// failed run.
func (e *Engine) replayedFailure(result IngestResult) error {
	return &Error{
		Code:    CodeInterpretationFailure,
		Message: fmt.Sprintf("interpretation of %s failed (run %s): %s", result.SourceID, result.Run.ID, result.Run.Error),
		Details: map[string]string{"source_id": result.SourceID, "run_id": result.Run.ID},
	}
}

func readContent(req IngestRequest) ([]byte, string, error) {
	switch {
	case req.FilePath != "" && req.Content != nil:
		return nil, "", validationf("ingest: give either content or a file path, not both")
	case req.FilePath != "":
		data, err := os.ReadFile(req.FilePath)
		if err != nil {
			return nil, "", validationf("ingest: read %s: %v", req.FilePath, err)
		}
		name := req.FileName
		if name == "" {
			name = filepath.Base(req.FilePath)
		}
		return data, name, nil
	case req.Content != nil:
		return req.Content, req.FileName, nil
	default:
		return nil, "", validationf("ingest: content or a file path is required")
	}
}
