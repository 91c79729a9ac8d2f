// Package loader orchestrates one incremental warehouse load: staging
// snapshots in, dimension merges to completion, then fact
// reconciliation against the merged history.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/lessonlab/warehouse/pkg/dwh"
	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
	"github.com/lessonlab/warehouse/pkg/metrics"
	"github.com/lessonlab/warehouse/pkg/school/dims"
	"github.com/lessonlab/warehouse/pkg/school/facts"
	"github.com/lessonlab/warehouse/pkg/school/staging"
)

// Staging entities fetched at the start of every run.
const (
	EntityUsers           = "users"
	EntityStudents        = "students"
	EntityTeachers        = "teachers"
	EntitySubjects        = "subjects"
	EntityLessons         = "lessons"
	EntityHomeworks       = "homeworks"
	EntityTeacherSubjects = "teacher_subjects"
	EntityPurchases       = "students_purchases"
)

var allEntities = []string{
	EntityUsers, EntityStudents, EntityTeachers, EntitySubjects,
	EntityLessons, EntityHomeworks, EntityTeacherSubjects, EntityPurchases,
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Source   staging.Source
	Students dims.VersionStore
	Teachers dims.VersionStore
	Subjects dims.VersionStore
	Facts    facts.FactStore
	Ops      OpsStore
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Source == nil {
		return errors.New("staging source is required")
	}
	if cfg.Students == nil || cfg.Teachers == nil || cfg.Subjects == nil {
		return errors.New("dimension stores are required")
	}
	if cfg.Facts == nil {
		return errors.New("fact store is required")
	}
	if cfg.Ops == nil {
		return errors.New("ops store is required")
	}
	return nil
}

type Loader struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

// Run executes one full load. Dimensions merge to completion before any
// fact row is reconciled; a dimension failure aborts the run with no
// fact writes. Every write path is a re-emission into a replacing
// table, so a run that dies midway is repaired by running again.
func (l *Loader) Run(ctx context.Context) (*RunStats, error) {
	startedAt := l.cfg.Clock.Now().UTC()
	loadDate := scd2.DateOf(startedAt)
	runID := uuid.New()
	stats := newRunStats(runID, startedAt, loadDate)
	log := l.log.With("runID", runID.String(), "loadDate", loadDate.Format(time.DateOnly))

	if err := l.cfg.Ops.AcquireLock(ctx, runID, startedAt); err != nil {
		if errors.Is(err, ErrRunLocked) {
			return l.finish(ctx, log, stats, err)
		}
		return l.finish(ctx, log, stats, &dwh.InfrastructureError{Op: "acquire run lock", Err: err})
	}
	defer func() {
		if err := l.cfg.Ops.ReleaseLock(ctx, runID, l.cfg.Clock.Now().UTC()); err != nil {
			log.Error("failed to release run lock", "error", err)
		}
	}()

	log.Info("run started")

	snaps, err := l.fetchSnapshots(ctx)
	if err != nil {
		return l.finish(ctx, log, stats, err)
	}

	histories, err := l.mergeDimensions(ctx, log, stats, snaps, loadDate, startedAt)
	if err != nil {
		return l.finish(ctx, log, stats, err)
	}

	if err := l.loadFacts(ctx, log, stats, snaps, histories, startedAt); err != nil {
		return l.finish(ctx, log, stats, err)
	}

	return l.finish(ctx, log, stats, nil)
}

// fetchSnapshots pulls the latest snapshot of every entity before any
// merge begins. A missing or malformed snapshot aborts the run with the
// warehouse untouched.
func (l *Loader) fetchSnapshots(ctx context.Context) (map[string]*staging.Snapshot, error) {
	snaps := make(map[string]*staging.Snapshot, len(allEntities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	results := make([]*staging.Snapshot, len(allEntities))
	for i, entity := range allEntities {
		g.Go(func() error {
			snap, err := l.cfg.Source.FetchLatest(gctx, entity)
			if err != nil {
				return &dwh.ExtractionError{Entity: entity, Err: err}
			}
			results[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, entity := range allEntities {
		snaps[entity] = results[i]
	}
	return snaps, nil
}

type dimHistories struct {
	students *scd2.History
	teachers *scd2.History
	subjects *scd2.History
}

func (l *Loader) mergeDimensions(
	ctx context.Context,
	log *slog.Logger,
	stats *RunStats,
	snaps map[string]*staging.Snapshot,
	loadDate, updatedAt time.Time,
) (*dimHistories, error) {
	studentCands, studentQ := dims.BuildStudents(snaps[EntityStudents], snaps[EntityUsers])
	teacherCands, teacherQ := dims.BuildTeachers(snaps[EntityTeachers], snaps[EntityUsers])
	subjectCands, subjectQ := dims.BuildSubjects(snaps[EntitySubjects])
	l.reportQuarantine(log, studentQ, teacherQ, subjectQ)

	registry := scd2.NewRegistry()
	histories := &dimHistories{}
	results := make([]*dims.MergeResult, 3)

	g, gctx := errgroup.WithContext(ctx)
	merge := func(i int, schema dims.Schema, store dims.VersionStore, cands []dims.Candidate) {
		g.Go(func() error {
			res, err := dims.NewMerger(l.log, schema, store, registry).Merge(gctx, cands, loadDate, updatedAt)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	merge(0, dims.StudentSchema{}, l.cfg.Students, studentCands)
	merge(1, dims.TeacherSchema{}, l.cfg.Teachers, teacherCands)
	merge(2, dims.SubjectSchema{}, l.cfg.Subjects, subjectCands)

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dimension stage failed: %w", err)
	}

	histories.students = results[0].History
	histories.teachers = results[1].History
	histories.subjects = results[2].History
	for i, quarantined := range [][]dwh.QuarantinedRow{studentQ, teacherQ, subjectQ} {
		res := results[i]
		stats.Dimensions[res.History.Dimension()] = DimensionStats{
			Opened:      res.Opened,
			Closed:      res.Closed,
			Unchanged:   res.Unchanged,
			Quarantined: len(quarantined),
		}
	}
	return histories, nil
}

func (l *Loader) loadFacts(
	ctx context.Context,
	log *slog.Logger,
	stats *RunStats,
	snaps map[string]*staging.Snapshot,
	histories *dimHistories,
	updatedAt time.Time,
) error {
	r := facts.NewReconciler(l.log, histories.students, histories.teachers, histories.subjects)

	homeworkRows, homeworkQ := r.Homeworks(snaps[EntityHomeworks], snaps[EntityLessons], snaps[EntityTeacherSubjects])
	lessonRows, lessonQ := r.Lessons(snaps[EntityLessons], snaps[EntityTeacherSubjects])
	saleRows, saleQ := r.Sales(snaps[EntityPurchases])
	l.reportQuarantine(log, homeworkQ, lessonQ, saleQ)

	if err := l.cfg.Facts.WriteHomeworks(ctx, homeworkRows, updatedAt); err != nil {
		return &dwh.InfrastructureError{Op: "write fact_homeworks", Err: err}
	}
	if err := l.cfg.Facts.WriteLessons(ctx, lessonRows, updatedAt); err != nil {
		return &dwh.InfrastructureError{Op: "write fact_lessons", Err: err}
	}
	if err := l.cfg.Facts.WriteSales(ctx, saleRows, updatedAt); err != nil {
		return &dwh.InfrastructureError{Op: "write fact_sales", Err: err}
	}

	stats.Facts["homeworks"] = FactStats{Loaded: len(homeworkRows), Quarantined: len(homeworkQ)}
	stats.Facts["lessons"] = FactStats{Loaded: len(lessonRows), Quarantined: len(lessonQ)}
	stats.Facts["sales"] = FactStats{Loaded: len(saleRows), Quarantined: len(saleQ)}
	return nil
}

func (l *Loader) reportQuarantine(log *slog.Logger, groups ...[]dwh.QuarantinedRow) {
	for _, rows := range groups {
		for _, q := range rows {
			metrics.RowsQuarantined.WithLabelValues(q.Entity, q.Reason).Inc()
			log.Warn("row quarantined",
				"entity", q.Entity,
				"naturalKey", q.NaturalKey,
				"reason", q.Reason,
				"detail", q.Detail,
			)
		}
	}
}

func (l *Loader) finish(ctx context.Context, log *slog.Logger, stats *RunStats, runErr error) (*RunStats, error) {
	stats.FinishedAt = l.cfg.Clock.Now().UTC()
	stats.Success = runErr == nil
	if runErr != nil {
		stats.Error = runErr.Error()
	}

	outcome := "success"
	if runErr != nil {
		outcome = "failure"
	}
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	metrics.RunDuration.Observe(stats.FinishedAt.Sub(stats.StartedAt).Seconds())

	// The run log is best effort: a bookkeeping failure must not mask
	// the run's own outcome.
	if err := l.cfg.Ops.AppendRunLog(ctx, stats); err != nil {
		log.Error("failed to append run log", "error", err)
	}

	if runErr != nil {
		log.Error("run failed", "error", runErr, "duration", stats.FinishedAt.Sub(stats.StartedAt))
		return stats, runErr
	}
	log.Info("run finished", "duration", stats.FinishedAt.Sub(stats.StartedAt))
	return stats, nil
}
