// Package pipeline orchestrates one dictation's journey from audio file to
// staged ledger write: transcription, field extraction, catalog matching,
// reconciliation and staging behind the review gate.
//
// Processing is strictly sequential. A hospital deposit produces a handful of
// dictations per day and the ledger has a single-writer discipline, so there
// is nothing to win by processing files concurrently and plenty to lose in
// reasoning about interleaved catalog reads.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/extract"
	"github.com/jmtavares/depovox/internal/ledger"
	"github.com/jmtavares/depovox/internal/observe"
	"github.com/jmtavares/depovox/internal/reconcile"
	"github.com/jmtavares/depovox/internal/review"
	"github.com/jmtavares/depovox/internal/transcript"
	"github.com/jmtavares/depovox/pkg/provider/stt"
)

// FileResult is the outcome of processing one dictation end to end.
type FileResult struct {
	// Transcript is the speech-to-text output, also persisted as a JSON
	// artifact when a transcript directory is configured.
	Transcript *transcript.Transcript

	// TranscriptPath is where the transcript artifact was written; empty
	// when artifact persistence is disabled.
	TranscriptPath string

	// Record is the validated extraction.
	Record *extract.Record

	// Match is the catalog resolution for the record's drug mention.
	Match catalog.Result

	// Staged is the record held by the review gate, awaiting confirmation.
	Staged *review.StagedRecord
}

// FileError pairs a failed dictation with its reason. Failures are always
// reported with the transcript reference, never silently dropped.
type FileError struct {
	Path  string
	Stage string
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("pipeline: %s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// BatchReport summarises a batch run.
type BatchReport struct {
	Results []*FileResult
	Failed  []*FileError
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithLanguage sets the transcription language hint. Default: "pt".
func WithLanguage(lang string) Option {
	return func(p *Pipeline) {
		p.language = lang
	}
}

// WithSTTModel records the STT model name in transcript artifacts.
func WithSTTModel(model string) Option {
	return func(p *Pipeline) {
		p.sttModel = model
	}
}

// WithTranscriptDir enables transcript JSON artifacts in the given directory.
func WithTranscriptDir(dir string) Option {
	return func(p *Pipeline) {
		p.transcriptDir = dir
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline wires the processing stages together. Construct one per run; it
// is safe for concurrent use but processes batches sequentially by design.
type Pipeline struct {
	stt        stt.Provider
	extractor  *extract.Extractor
	matcher    *catalog.Matcher
	reconciler *reconcile.Reconciler
	gate       *review.Gate
	store      ledger.Store

	log     *slog.Logger
	metrics *observe.Metrics

	language      string
	sttModel      string
	transcriptDir string
}

// New assembles a [Pipeline] from its stages.
func New(
	sttProvider stt.Provider,
	extractor *extract.Extractor,
	matcher *catalog.Matcher,
	reconciler *reconcile.Reconciler,
	gate *review.Gate,
	store ledger.Store,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		stt:        sttProvider,
		extractor:  extractor,
		matcher:    matcher,
		reconciler: reconciler,
		gate:       gate,
		store:      store,
		log:        slog.Default(),
		metrics:    observe.DefaultMetrics(),
		language:   "pt",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProcessFile runs one audio file through the full pipeline and stages the
// result. The returned [FileResult] carries every intermediate artifact so
// the caller can report or persist them.
func (p *Pipeline) ProcessFile(ctx context.Context, audioPath string) (*FileResult, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.process_file")
	defer span.End()

	fileStart := time.Now()
	defer func() {
		p.metrics.FileDuration.Record(ctx, time.Since(fileStart).Seconds())
	}()

	log := p.log.With(slog.String("audio", audioPath))

	sttStart := time.Now()
	res, err := p.stt.Transcribe(ctx, audioPath, p.language)
	p.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil {
		p.metrics.RecordRecordFailure(ctx, "transcription")
		return nil, &FileError{Path: audioPath, Stage: "transcription", Err: err}
	}

	tr := transcript.FromResult(audioPath, p.sttModel, res, time.Now())
	result := &FileResult{Transcript: &tr}

	if p.transcriptDir != "" {
		path, err := tr.Save(p.transcriptDir)
		if err != nil {
			p.metrics.RecordRecordFailure(ctx, "transcription")
			return nil, &FileError{Path: audioPath, Stage: "transcription", Err: err}
		}
		result.TranscriptPath = path
		log.Debug("transcript artifact written", slog.String("path", path))
	}

	if err := p.processTranscript(ctx, &tr, result); err != nil {
		return result, err
	}
	return result, nil
}

// ProcessTranscript runs an already-transcribed dictation (e.g. a transcript
// artifact from a previous run) through extraction, matching, reconciliation
// and staging.
func (p *Pipeline) ProcessTranscript(ctx context.Context, tr *transcript.Transcript) (*FileResult, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.process_transcript")
	defer span.End()

	result := &FileResult{Transcript: tr}
	if err := p.processTranscript(ctx, tr, result); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Pipeline) processTranscript(ctx context.Context, tr *transcript.Transcript, result *FileResult) error {
	ref := tr.Ref()
	log := p.log.With(slog.String("transcript", ref))

	extractStart := time.Now()
	rec, err := p.extractor.Extract(ctx, tr.Text)
	p.metrics.ExtractionDuration.Record(ctx, time.Since(extractStart).Seconds())
	if err != nil {
		p.metrics.RecordRecordFailure(ctx, "extraction")
		return &FileError{Path: ref, Stage: "extraction", Err: err}
	}
	result.Record = rec

	drugs, err := p.store.ListDrugs(ctx)
	if err != nil {
		// Catalog unreachable: no record can make progress.
		return &FileError{Path: ref, Stage: "catalog", Err: err}
	}

	match := p.matcher.Match(rec.Query(), drugs)
	result.Match = match
	p.metrics.RecordMatchOutcome(ctx, string(match.Outcome))
	log.Info("catalog match",
		slog.String("drug", rec.DrugName),
		slog.String("outcome", string(match.Outcome)),
		slog.Float64("score", match.Score),
	)

	tx, err := p.reconciler.Reconcile(rec, ref, match)
	if err != nil {
		var amb *reconcile.AmbiguityError
		if errors.As(err, &amb) {
			// Not a failure: park the record with its candidates so the
			// reviewer can pick the drug and re-enter reconciliation.
			result.Staged = p.gate.StageAmbiguous(rec, ref, amb.Candidates)
			p.metrics.StagedRecords.Add(ctx, 1)
			log.Info("record parked for drug resolution",
				slog.String("record_id", result.Staged.ID),
				slog.Int("candidates", len(amb.Candidates)),
			)
			return nil
		}
		p.metrics.RecordRecordFailure(ctx, "reconcile")
		return &FileError{Path: ref, Stage: "reconcile", Err: err}
	}

	batch, err := p.gate.Stage(ctx, []*reconcile.Transaction{tx})
	if err != nil {
		p.metrics.RecordRecordFailure(ctx, "stage")
		return &FileError{Path: ref, Stage: "stage", Err: err}
	}
	result.Staged = batch.Records[0]
	p.metrics.StagedRecords.Add(ctx, 1)

	log.Info("record staged",
		slog.String("record_id", result.Staged.ID),
		slog.Int("delta", tx.Delta),
		slog.Bool("duplicate", result.Staged.Duplicate),
	)
	return nil
}

// Batch processes each file in order. Record-level failures are collected
// and reported per file; they never abort the rest of the batch. Only a
// cancelled context stops the run early.
func (p *Pipeline) Batch(ctx context.Context, audioPaths []string) (*BatchReport, error) {
	report := &BatchReport{}

	for _, path := range audioPaths {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("pipeline: batch: %w", err)
		}

		res, err := p.ProcessFile(ctx, path)
		if err != nil {
			var fe *FileError
			if !errors.As(err, &fe) {
				fe = &FileError{Path: path, Stage: "pipeline", Err: err}
			}
			report.Failed = append(report.Failed, fe)
			p.log.Warn("dictation failed",
				slog.String("audio", fe.Path),
				slog.String("stage", fe.Stage),
				slog.String("error", fe.Err.Error()),
			)
			continue
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

// SelectCandidate resolves an ambiguous record to one of its candidates and
// replans it through the pipeline's reconciler, leaving it staged for commit.
func (p *Pipeline) SelectCandidate(ctx context.Context, recordID string, drugID int64) error {
	return p.gate.SelectCandidate(ctx, recordID, drugID, p.reconciler)
}

// Commit confirms one staged record through the review gate and records the
// committed movement.
func (p *Pipeline) Commit(ctx context.Context, recordID string) error {
	rec, err := p.gate.Record(recordID)
	if err != nil {
		return err
	}
	if err := p.gate.Commit(ctx, recordID); err != nil {
		return err
	}
	p.metrics.StagedRecords.Add(ctx, -1)
	if rec.Tx.HasMovement() {
		p.metrics.RecordCommittedMovement(ctx, string(rec.Tx.Movement.Type))
	}
	return nil
}

// CommitAll confirms every committable record of a batch: exact and fuzzy
// matches without duplicates or unresolved quantities. Returns the IDs it
// committed and the per-record errors for the rest.
func (p *Pipeline) CommitAll(ctx context.Context, batch []*review.StagedRecord) (committed []string, failed []error) {
	for _, rec := range batch {
		if err := p.Commit(ctx, rec.ID); err != nil {
			failed = append(failed, err)
			continue
		}
		committed = append(committed, rec.ID)
	}
	return committed, failed
}
