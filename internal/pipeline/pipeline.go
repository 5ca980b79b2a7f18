// Package pipeline sequences the two phases of a run: landing every
// configured extract, then cleaning and upserting every entity in dependency
// order.
//
// The run is sequential. Each file's append and each entity's upsert commit
// on their own, so a failure stops the run without undoing earlier work, and
// re-running to completion is always safe.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rawstage/internal/config"
	"rawstage/internal/entity"
	"rawstage/internal/landing"
	"rawstage/internal/metrics"
	"rawstage/internal/parser/csv"
	"rawstage/internal/staging"
	"rawstage/internal/storage"
)

// Step names used in errors, logs and metrics.
const (
	StepLand  = "land"
	StepStage = "stage"
)

// StepError is a fatal failure with enough context to diagnose it: the step,
// the entity and the table involved, and the underlying error.
type StepError struct {
	Step   string
	Entity string
	Table  string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s (table %s): %v", e.Step, e.Entity, e.Table, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FileResult describes one landed extract.
type FileResult struct {
	Entity   string
	File     string
	Table    string
	Rows     int64
	Warnings int
	Duration time.Duration
}

// EntityResult describes one staged entity. Skipped is set when the entity
// has no landing table yet.
type EntityResult struct {
	Entity            string
	Table             string
	Skipped           bool
	Read              int
	DroppedMissingKey int
	Duplicates        int
	Canonical         int
	Upserted          int64
	Duration          time.Duration
}

// Report is what a run did, up to the first fatal error.
type Report struct {
	Landed []FileResult
	Staged []EntityResult
}

// ExtractReader loads one source file.
type ExtractReader func(ctx context.Context, entity, path string) (*csv.Extract, error)

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock sets the clock that stamps ingest_ts.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRules replaces the built-in entity rules. Order is dependency order.
func WithRules(rules []entity.Rule) Option {
	return func(p *Pipeline) { p.rules = rules }
}

// WithExtractReader replaces the file reader, csv.ReadExtract by default.
func WithExtractReader(r ExtractReader) Option {
	return func(p *Pipeline) { p.readExtract = r }
}

// Pipeline runs land and stage against one repository. The caller owns the
// repository and closes it.
type Pipeline struct {
	cfg         config.Config
	repo        storage.Repository
	logger      *zap.Logger
	now         func() time.Time
	rules       []entity.Rule
	readExtract ExtractReader

	landing *landing.Writer
	staging *staging.Executor
}

func New(cfg config.Config, repo storage.Repository, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		repo:        repo,
		logger:      zap.NewNop(),
		now:         time.Now,
		rules:       entity.Rules(),
		readExtract: csv.ReadExtract,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.landing = &landing.Writer{Repo: repo, Prefix: cfg.LandingPrefix, Now: p.now, Logger: p.logger}
	p.staging = &staging.Executor{Repo: repo, Logger: p.logger}
	return p
}

// Run lands every source and then stages every entity.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var rep Report
	landed, err := p.Land(ctx)
	rep.Landed = landed
	if err != nil {
		return rep, err
	}
	staged, err := p.Stage(ctx)
	rep.Staged = staged
	return rep, err
}

// Land reads every configured source in order and appends it to its landing
// table. A missing or unreadable file is fatal.
func (p *Pipeline) Land(ctx context.Context) (out []FileResult, err error) {
	start := time.Now()
	defer func() { observeStep(StepLand, start, err) }()

	for _, src := range p.cfg.Sources {
		res, err := p.landOne(ctx, src)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	p.logger.Info("stage=land ok", zap.Int("files", len(out)), zap.Duration("duration", durMS(start)))
	return out, nil
}

func (p *Pipeline) landOne(ctx context.Context, src config.Source) (FileResult, error) {
	start := time.Now()
	path := p.cfg.SourcePath(src)
	table := p.landing.TableName(src.Entity)
	fail := func(err error) (FileResult, error) {
		return FileResult{}, &StepError{Step: StepLand, Entity: src.Entity, Table: table, Err: err}
	}

	ex, err := p.readExtract(ctx, src.Entity, path)
	if err != nil {
		return fail(err)
	}
	for _, w := range ex.Warnings {
		p.logger.Warn("extract row",
			zap.String("entity", src.Entity), zap.String("source_file", path),
			zap.Int("line", w.Line), zap.String("warning", w.Message))
	}

	n, err := p.landing.Land(ctx, ex)
	if err != nil {
		return fail(err)
	}

	labels := metrics.Labels{"entity": src.Entity}
	metrics.IncCounter(metrics.RecordsTotal, float64(n), metrics.Labels{"kind": "landed", "entity": src.Entity})
	metrics.IncCounter(metrics.BatchesTotal, 1, labels)
	metrics.IncCounter(metrics.WarningsTotal, float64(len(ex.Warnings)), labels)

	return FileResult{
		Entity:   src.Entity,
		File:     path,
		Table:    table,
		Rows:     n,
		Warnings: len(ex.Warnings),
		Duration: time.Since(start),
	}, nil
}

// Stage cleans and upserts every entity whose landing table exists, in rule
// order. It stops at the first failure; entities already staged stay
// committed.
func (p *Pipeline) Stage(ctx context.Context) (out []EntityResult, err error) {
	start := time.Now()
	defer func() { observeStep(StepStage, start, err) }()

	for _, rule := range p.rules {
		res, err := p.stageOne(ctx, rule)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	p.logger.Info("stage=stage ok", zap.Int("entities", len(out)), zap.Duration("duration", durMS(start)))
	return out, nil
}

func (p *Pipeline) stageOne(ctx context.Context, rule entity.Rule) (EntityResult, error) {
	start := time.Now()
	rawTable := p.landing.TableName(rule.Source)
	res := EntityResult{Entity: rule.Name, Table: rule.TableName(p.cfg.StagingPrefix)}
	fail := func(table string, err error) (EntityResult, error) {
		return EntityResult{}, &StepError{Step: StepStage, Entity: rule.Name, Table: table, Err: err}
	}

	exists, err := p.repo.TableExists(ctx, rawTable)
	if err != nil {
		return fail(rawTable, err)
	}
	if !exists {
		p.logger.Info("no landing table, skipping", zap.String("entity", rule.Name), zap.String("table", rawTable))
		res.Skipped = true
		return res, nil
	}

	rows, err := p.landing.Read(ctx, rule.Source)
	if err != nil {
		return fail(rawTable, err)
	}

	cleaned, err := entity.Clean(rule, rows)
	if err != nil {
		return fail(rawTable, err)
	}

	spec, err := rule.TableSpec(p.cfg.StagingPrefix)
	if err != nil {
		return fail(res.Table, err)
	}
	if _, err := p.staging.EnsureTable(ctx, spec); err != nil {
		return fail(res.Table, err)
	}

	n, err := p.staging.Upsert(ctx, spec, cleaned.Records)
	if err != nil {
		return fail(res.Table, err)
	}

	res.Read = cleaned.Read
	res.DroppedMissingKey = cleaned.DroppedMissingKey
	res.Duplicates = cleaned.Duplicates
	res.Canonical = len(cleaned.Records)
	res.Upserted = n
	res.Duration = time.Since(start)

	for kind, v := range map[string]int64{
		"read":                int64(res.Read),
		"dropped_missing_key": int64(res.DroppedMissingKey),
		"duplicate":           int64(res.Duplicates),
		"upserted":            n,
	} {
		metrics.IncCounter(metrics.RecordsTotal, float64(v), metrics.Labels{"kind": kind, "entity": rule.Name})
	}
	metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"entity": rule.Name})

	p.logger.Info("staged",
		zap.String("entity", rule.Name),
		zap.String("table", res.Table),
		zap.Int("read", res.Read),
		zap.Int("dropped_missing_key", res.DroppedMissingKey),
		zap.Int("duplicates", res.Duplicates),
		zap.Int64("rows", n),
		zap.Duration("duration", durMS(start)),
	)
	return res, nil
}

func observeStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := metrics.Labels{"step": step, "status": status}
	metrics.IncCounter(metrics.StepTotal, 1, labels)
	metrics.ObserveHistogram(metrics.StepDurationSeconds, time.Since(start).Seconds(), labels)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
