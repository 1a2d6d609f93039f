package load

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/block/lakemirror/pkg/dest"
	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/table"
	"github.com/siddontang/go-log/loggers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type loadState int32

const (
	stateInitial loadState = iota
	stateFullLoad
	stateAppendInserts
	statePKSnapshot
	stateTimestampUpdates
	stateAdditionalUpdates
	stateManifest
	stateDeletes
	stateVacuum
	stateClose
	stateErrCleanup
)

// openJSONMinCompatLevel is the database compatibility level that
// introduced OPENJSON.
const openJSONMinCompatLevel = 130

func (s loadState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateFullLoad:
		return "fullLoad"
	case stateAppendInserts:
		return "appendInserts"
	case statePKSnapshot:
		return "pkSnapshot"
	case stateTimestampUpdates:
		return "timestampUpdates"
	case stateAdditionalUpdates:
		return "additionalUpdates"
	case stateManifest:
		return "manifest"
	case stateDeletes:
		return "deletes"
	case stateVacuum:
		return "vacuum"
	case stateClose:
		return "close"
	case stateErrCleanup:
		return "errCleanup"
	}
	return "unknown"
}

// Runner loads one source table into one destination. Create it with
// NewRunner and call Run exactly once.
type Runner struct {
	config   WriteConfig
	reader   lake.Reader
	tableRef table.Ref
	layout   dest.Layout

	info     *table.Info
	cols     []table.ColumnInfo
	pkCols   []table.ColumnInfo
	deltaCol *table.ColumnInfo

	currentState loadState // must use atomic to get/set

	startTime time.Time

	// Attached logger
	logger loggers.Advanced
	// dlog duplicates pipeline messages into the destination log file.
	dlog *DestLogger
}

func NewRunner(config WriteConfig, reader lake.Reader, ref table.Ref, destination dest.Destination) (*Runner, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, errors.New("reader is required")
	}
	if ref.Name == "" {
		return nil, errors.New("table name is required")
	}
	layout := dest.NewLayout(destination)
	logger := logrus.New()
	return &Runner{
		config:   config,
		reader:   reader,
		tableRef: ref,
		layout:   layout,
		logger:   logger,
		dlog:     NewDestLogger(layout.LogFile(), logger),
	}, nil
}

// SetLogger attaches a logger; pipeline messages are still duplicated
// into the destination log file.
func (r *Runner) SetLogger(logger loggers.Advanced) {
	r.logger = logger
	r.dlog = NewDestLogger(r.layout.LogFile(), logger)
}

func (r *Runner) getCurrentState() loadState {
	return loadState(atomic.LoadInt32((*int32)(&r.currentState)))
}

func (r *Runner) setCurrentState(s loadState) {
	atomic.StoreInt32((*int32)(&r.currentState), int32(s))
}

// Run executes one load. On any failure after the PK manifest has been
// overwritten, the manifest is restored to its pre-run version; the lock
// is released and the destination log flushed on every exit path.
func (r *Runner) Run(originalCtx context.Context) error {
	ctx, cancel := context.WithCancel(originalCtx)
	defer cancel()
	r.startTime = time.Now()

	if err := r.setup(ctx); err != nil {
		_ = r.dlog.Flush()
		return err
	}
	r.dlog.Infof("%s: starting load: mode=%s delta-col=%s pks=%s",
		r.tableRef, r.config.LoadMode, r.deltaColName(), strings.Join(r.pkNames(), ","))

	if err := r.writeSchemaFile(); err != nil {
		_ = r.dlog.Flush()
		return err
	}

	// Snapshot the manifest version before anything is written so a
	// failed run can roll it back.
	priorPKVersion := r.priorManifestVersion(ctx)

	lock, err := dest.AcquireLock(r.layout.LockFile(), r.logger)
	if err != nil {
		r.dlog.Errorf("%s: could not acquire lock: %v", r.tableRef, err)
		_ = r.dlog.Flush()
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.dlog.Warnf("%s: could not release lock: %v", r.tableRef, err)
		}
		_ = r.dlog.Flush()
	}()

	if err := r.dispatch(ctx); err != nil {
		r.setCurrentState(stateErrCleanup)
		r.restoreManifest(ctx, priorPKVersion)
		r.dlog.Errorf("%s: error during load: %v", r.tableRef, err)
		return err
	}

	r.setCurrentState(stateVacuum)
	if err := r.vacuumTransient(ctx); err != nil {
		r.dlog.Warnf("%s: vacuum failed: %v", r.tableRef, err)
	}
	r.setCurrentState(stateClose)
	r.dlog.Infof("%s: load complete: state=%s total-time=%s",
		r.tableRef, r.getCurrentState(), time.Since(r.startTime).Round(time.Second))
	return nil
}

// setup discovers the table metadata and resolves the delta column.
func (r *Runner) setup(ctx context.Context) error {
	r.info = table.NewInfo(r.reader, r.tableRef)
	if err := r.info.SetInfo(ctx); err != nil {
		return err
	}
	r.cols = r.info.Columns
	if len(r.config.PrimaryKeys) > 0 {
		r.info.PrimaryKeys = r.config.PrimaryKeys
	}
	r.pkCols = r.info.PKColumns()

	if r.config.DeltaColumn != "" {
		c, ok := r.info.Column(r.config.DeltaColumn)
		if !ok {
			return fmt.Errorf("configured delta column %q not found on %s", r.config.DeltaColumn, r.tableRef)
		}
		r.deltaCol = &c
	} else {
		// A rowversion column is the natural monotone watermark.
		for _, c := range r.cols {
			dt := strings.ToLower(c.DataType)
			if dt == "rowversion" || dt == "timestamp" {
				col := c
				r.deltaCol = &col
				break
			}
		}
	}

	// OPENJSON needs compatibility level 130; below that the re-fetch of
	// watermark-invisible updates must use the secondary timestamp load.
	if !r.config.NoComplexEntriesLoad {
		level, err := table.CompatibilityLevel(ctx, r.reader)
		if err != nil {
			r.dlog.Debugf("%s: could not read compatibility level: %v", r.tableRef, err)
		} else if level < openJSONMinCompatLevel {
			r.dlog.Infof("%s: compatibility level %d predates OPENJSON, using timestamp fallback", r.tableRef, level)
			r.config.NoComplexEntriesLoad = true
		}
	}
	return nil
}

// dispatch selects the load mode from configuration and destination state.
func (r *Runner) dispatch(ctx context.Context) error {
	deltaExists, err := r.reader.DeltaTableExists(ctx, r.layout.Delta(), false)
	if err != nil {
		return err
	}
	switch {
	case !deltaExists || r.config.LoadMode == LoadModeOverwrite:
		return r.doFullLoad(ctx, lake.ModeOverwrite)
	case r.config.LoadMode == LoadModeAppendInserts:
		if r.deltaCol == nil && len(r.pkCols) == 1 && r.pkCols[0].IsIdentity {
			// Identity keys are usually increasing.
			r.deltaCol = &r.pkCols[0]
		}
		if r.deltaCol == nil {
			return fmt.Errorf("append_inserts requires a delta column on %s", r.tableRef)
		}
		return r.doAppendInsertsLoad(ctx)
	case r.deltaCol == nil || len(r.pkCols) == 0 || r.config.LoadMode == LoadModeForceFull:
		if r.deltaCol == nil {
			r.dlog.Warnf("%s: no delta column, full load", r.tableRef)
		}
		if len(r.pkCols) == 0 {
			r.dlog.Warnf("%s: no primary keys, full load", r.tableRef)
		}
		return r.doFullLoad(ctx, lake.ModeAppend)
	default:
		return r.doDeltaLoad(ctx, r.config.LoadMode == LoadModeSimpleDelta)
	}
}

func (r *Runner) writeSchemaFile() error {
	if err := r.layout.Meta().Mkdir(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r.cols, "", "    ")
	if err != nil {
		return err
	}
	return r.layout.SchemaFile().UploadString(string(b))
}

// priorManifestVersion reads the current manifest version, or nil when the
// manifest does not exist or can't be read.
func (r *Runner) priorManifestVersion(ctx context.Context) *int64 {
	exists, err := r.reader.DeltaTableExists(ctx, r.layout.LatestPK(), false)
	if err != nil || !exists {
		return nil
	}
	version, err := r.reader.DeltaOps(r.layout.LatestPK()).Version()
	if err != nil {
		r.dlog.Warnf("%s: could not get manifest version: %v", r.tableRef, err)
		return nil
	}
	return &version
}

func (r *Runner) restoreManifest(ctx context.Context, prior *int64) {
	if prior == nil {
		return
	}
	ops := r.reader.DeltaOps(r.layout.LatestPK())
	current, err := ops.Version()
	if err != nil {
		r.dlog.Warnf("%s: could not check manifest version for rollback: %v", r.tableRef, err)
		return
	}
	if current > *prior {
		if err := ops.Restore(*prior); err != nil {
			r.dlog.Errorf("%s: manifest rollback to version %d failed: %v", r.tableRef, *prior, err)
			return
		}
		r.dlog.Warnf("%s: manifest rolled back to version %d", r.tableRef, *prior)
	}
}

// vacuumTransient prunes old versions of the bookkeeping tables.
func (r *Runner) vacuumTransient(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, path := range []dest.Destination{
		r.layout.LatestPK(), r.layout.Delta1(), r.layout.Delta2(), r.layout.PrimaryKeysTS(),
	} {
		g.Go(func() error {
			exists, err := r.reader.DeltaTableExists(ctx, path, false)
			if err != nil || !exists {
				return err
			}
			return r.reader.DeltaOps(path).Vacuum()
		})
	}
	return g.Wait()
}

func (r *Runner) pkNames() []string {
	names := make([]string, 0, len(r.pkCols))
	for _, c := range r.pkCols {
		names = append(names, c.Name)
	}
	return names
}

func (r *Runner) deltaColName() string {
	if r.deltaCol == nil {
		return "<none>"
	}
	return r.deltaCol.Name
}
