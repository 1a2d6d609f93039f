package load

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/block/lakemirror/pkg/dest"
	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/table"
	"github.com/block/lakemirror/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

// metadataResults answers the discovery probes for a table with an
// identity bigint pk "id", an nvarchar "name" and a rowversion "ts".
func metadataResults(query string) ([]lake.Row, error) {
	switch {
	case strings.Contains(query, "TABLE_CONSTRAINTS"):
		return []lake.Row{{"COLUMN_NAME": "id"}}, nil
	case strings.Contains(query, "INFORMATION_SCHEMA.COLUMNS"):
		return []lake.Row{
			{"COLUMN_NAME": "id", "DATA_TYPE": "bigint", "is_nullable": false, "is_identity": true,
				"generated_always_type_desc": "NOT_APPLICABLE"},
			{"COLUMN_NAME": "name", "DATA_TYPE": "nvarchar", "is_nullable": true, "is_identity": false,
				"generated_always_type_desc": "NOT_APPLICABLE", "CHARACTER_MAXIMUM_LENGTH": int64(100)},
			{"COLUMN_NAME": "ts", "DATA_TYPE": "rowversion", "is_nullable": false, "is_identity": false,
				"generated_always_type_desc": "NOT_APPLICABLE"},
		}, nil
	case strings.Contains(query, "compatibility_level"):
		return []lake.Row{{"compatibility_level": int64(150)}}, nil
	}
	return nil, nil
}

type testEnv struct {
	fake   *testutils.FakeReader
	root   dest.Destination
	layout dest.Layout
}

func newTestEnv(t *testing.T) *testEnv {
	fake := testutils.NewFakeReader()
	fake.SourceResults = metadataResults
	root := dest.NewLocal(t.TempDir())
	return &testEnv{fake: fake, root: root, layout: dest.NewLayout(root)}
}

func (e *testEnv) newRunner(t *testing.T, config WriteConfig) *Runner {
	r, err := NewRunner(config, e.fake, table.NewRef("user2"), e.root)
	require.NoError(t, err)
	return r
}

func sourceWriteFor(writes []testutils.WriteCall, pathSuffix string) []testutils.WriteCall {
	var out []testutils.WriteCall
	for _, w := range writes {
		if strings.HasSuffix(w.Path, pathSuffix) {
			out = append(out, w)
		}
	}
	return out
}

func TestNewRunnerValidation(t *testing.T) {
	env := newTestEnv(t)
	config := NewWriteConfig()
	config.LoadMode = "bogus"
	_, err := NewRunner(config, env.fake, table.NewRef("user2"), env.root)
	assert.ErrorContains(t, err, "unknown load mode")

	config = NewWriteConfig()
	_, err = NewRunner(config, nil, table.NewRef("user2"), env.root)
	assert.ErrorContains(t, err, "reader is required")

	_, err = NewRunner(config, env.fake, table.Ref{}, env.root)
	assert.ErrorContains(t, err, "table name is required")
}

func TestFirstRunIsFullOverwrite(t *testing.T) {
	env := newTestEnv(t)
	runner := env.newRunner(t, NewWriteConfig())
	require.NoError(t, runner.Run(context.Background()))

	deltaWrites := sourceWriteFor(env.fake.SourceWrites, "delta")
	require.Len(t, deltaWrites, 1)
	assert.Equal(t, lake.ModeOverwrite, deltaWrites[0].Mode)
	assert.Contains(t, deltaWrites[0].Query, `CAST(1 AS bit) AS "__is_full_load"`)
	assert.Contains(t, deltaWrites[0].Query, `CAST(0 AS bit) AS "__is_deleted"`)
	assert.Contains(t, deltaWrites[0].Query, `CAST(GETUTCDATE() AS datetime2(6)) AS "__valid_from"`)
	assert.Contains(t, deltaWrites[0].Query, `FROM "dbo"."user2"`)

	// The manifest is rebuilt from the freshly written rows: pk + delta col.
	require.Len(t, env.fake.LocalWrites, 1)
	assert.True(t, strings.HasSuffix(env.fake.LocalWrites[0].Path, "latest_pk"))
	assert.Equal(t, lake.ModeOverwrite, env.fake.LocalWrites[0].Mode)
	assert.Contains(t, env.fake.LocalWrites[0].Query, `"id", "ts"`)
	assert.NotContains(t, env.fake.LocalWrites[0].Query, "__valid_from >")

	// schema.json captured, lock released.
	exists, err := env.layout.SchemaFile().Exists()
	require.NoError(t, err)
	assert.True(t, exists)
	locked, err := env.layout.LockFile().Exists()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestFullAppendFiltersManifestByPriorMax(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Existing[env.layout.Delta().String()] = true
	env.fake.ExistingExtended[env.layout.Delta().String()] = true
	env.fake.LocalResults = func(query string) ([]lake.Row, error) {
		if strings.Contains(query, `MAX("__valid_from")`) {
			return []lake.Row{{ValidFromCol: "2024-03-01 10:00:00"}}, nil
		}
		return nil, nil
	}
	config := NewWriteConfig()
	config.LoadMode = LoadModeForceFull
	runner := env.newRunner(t, config)
	require.NoError(t, runner.Run(context.Background()))

	deltaWrites := sourceWriteFor(env.fake.SourceWrites, "delta")
	require.Len(t, deltaWrites, 1)
	assert.Equal(t, lake.ModeAppend, deltaWrites[0].Mode)

	require.Len(t, env.fake.LocalWrites, 1)
	assert.Contains(t, env.fake.LocalWrites[0].Query, `"__valid_from" > '2024-03-01 10:00:00'`)
}

func TestAppendModeRunsDeltaWhenKeyed(t *testing.T) {
	env := setupDeltaEnv(t, deltaLocalResults{
		watermark:   int64(500),
		delta1Count: 1,
	})
	config := NewWriteConfig()
	config.LoadMode = LoadModeAppend
	runner := env.newRunner(t, config)
	require.NoError(t, runner.Run(context.Background()))

	// With a delta column and primary keys present, append does not force a
	// full rewrite: the incremental pipeline runs, deletes included.
	assert.Empty(t, sourceWriteFor(env.fake.SourceWrites, "delta"))
	pkts := sourceWriteFor(env.fake.SourceWrites, "primary_keys_ts")
	require.Len(t, pkts, 1)
	d1 := sourceWriteFor(env.fake.SourceWrites, "delta_1")
	require.Len(t, d1, 1)
	assert.Contains(t, d1[0].Query, `WHERE "t"."ts" > 500`)
	assert.NotContains(t, d1[0].Query, `CAST(1 AS bit) AS "__is_full_load"`)
	manifest := sourceWriteFor(env.fake.LocalWrites, "latest_pk")
	require.Len(t, manifest, 1)
}

func TestWatermarkMissingEscalatesToFullAppend(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Existing[env.layout.Delta().String()] = true
	env.fake.Existing[env.layout.LatestPK().String()] = true
	env.fake.LocalResults = func(query string) ([]lake.Row, error) {
		if strings.Contains(query, `"max_ts"`) {
			return []lake.Row{{"max_ts": nil}}, nil
		}
		return nil, nil
	}
	runner := env.newRunner(t, NewWriteConfig())
	require.NoError(t, runner.Run(context.Background()))

	deltaWrites := sourceWriteFor(env.fake.SourceWrites, "delta")
	require.Len(t, deltaWrites, 1)
	assert.Equal(t, lake.ModeAppend, deltaWrites[0].Mode)
	assert.Contains(t, deltaWrites[0].Query, `CAST(1 AS bit) AS "__is_full_load"`)
}

// deltaLocalResults scripts the local engine for a full delta run.
type deltaLocalResults struct {
	watermark          any
	delta1Count        int64
	additionalCount    int64
	minTS              any
	deleteCount        int64
	additionalKeysRows []lake.Row
}

func (s deltaLocalResults) respond(query string) ([]lake.Row, error) {
	switch {
	case strings.Contains(query, `"max_ts"`):
		return []lake.Row{{"max_ts": s.watermark}}, nil
	case strings.Contains(query, `"min_ts"`):
		return []lake.Row{{"min_ts": s.minTS}}, nil
	case strings.Contains(query, `FROM "real_additional_updates"`) && strings.Contains(query, "COUNT"):
		return []lake.Row{{"cnt": s.additionalCount}}, nil
	case strings.Contains(query, `FROM "real_additional_updates"`):
		return s.additionalKeysRows, nil
	case strings.Contains(query, `"delta_1"`) && strings.Contains(query, `"cnt"`):
		return []lake.Row{{"cnt": s.delta1Count}}, nil
	case strings.Contains(query, `"deletes_with_schema"`) && strings.Contains(query, `"cnt"`):
		return []lake.Row{{"cnt": s.deleteCount}}, nil
	}
	return nil, nil
}

func setupDeltaEnv(t *testing.T, script deltaLocalResults) *testEnv {
	env := newTestEnv(t)
	env.fake.Existing[env.layout.Delta().String()] = true
	env.fake.ExistingExtended[env.layout.Delta().String()] = true
	env.fake.Existing[env.layout.LatestPK().String()] = true
	env.fake.Ops[env.layout.LatestPK().String()] = &testutils.FakeDeltaOps{Ver: 3}
	env.fake.LocalResults = script.respond
	return env
}

func TestDeltaLoadPipeline(t *testing.T) {
	env := setupDeltaEnv(t, deltaLocalResults{
		watermark:   int64(500),
		delta1Count: 2,
		deleteCount: 1,
	})
	runner := env.newRunner(t, NewWriteConfig())
	require.NoError(t, runner.Run(context.Background()))

	// Step 1: current key snapshot read through the source.
	pkts := sourceWriteFor(env.fake.SourceWrites, "primary_keys_ts")
	require.Len(t, pkts, 1)
	assert.Equal(t, lake.ModeOverwrite, pkts[0].Mode)
	assert.Contains(t, pkts[0].Query, `"id" AS "id", "ts" AS "ts"`)

	// Step 2: updates above the watermark into delta_1, appended to delta.
	d1 := sourceWriteFor(env.fake.SourceWrites, "delta_1")
	require.Len(t, d1, 1)
	assert.Contains(t, d1[0].Query, `WHERE "t"."ts" > 500`)
	assert.Contains(t, d1[0].Query, `CAST(0 AS bit) AS "__is_full_load"`)
	appends := sourceWriteFor(env.fake.LocalWrites, "delta")
	require.NotEmpty(t, appends)
	assert.Equal(t, `SELECT * FROM "delta_1"`, appends[0].Query)
	assert.Equal(t, lake.ModeAppend, appends[0].Mode)

	// Step 2.5: no watermark-invisible updates; delta_2 primed empty.
	d2 := sourceWriteFor(env.fake.SourceWrites, "delta_2")
	require.Len(t, d2, 1)
	assert.Contains(t, d2[0].Query, "OPENJSON(N'[]')")
	assert.Equal(t, lake.ModeOverwrite, d2[0].Mode)
	// Numeric pk joins without a collation.
	assert.NotContains(t, d2[0].Query, "COLLATE")

	// The diff views compare the snapshot against the prior manifest version.
	var lastPK *testutils.ViewReg
	for i := range env.fake.ViewRegs {
		if env.fake.ViewRegs[i].Name == lastPKVersionView {
			lastPK = &env.fake.ViewRegs[i]
			break
		}
	}
	require.NotNil(t, lastPK)
	require.NotNil(t, lastPK.Version)
	assert.Equal(t, int64(3), *lastPK.Version)
	assert.Contains(t, env.fake.Views["additional_updates"], "EXCEPT")

	// Step 3: manifest, disjoint union of the three parts.
	manifest := sourceWriteFor(env.fake.LocalWrites, "latest_pk")
	require.Len(t, manifest, 1)
	assert.Equal(t, lake.ModeOverwrite, manifest[0].Mode)
	assert.Contains(t, manifest[0].Query, "UNION ALL")
	assert.Contains(t, manifest[0].Query, "ANTI JOIN")

	// Step 4: tombstones appended.
	assert.Contains(t, env.fake.Views["deletes_with_schema"], "1=0")
	assert.Contains(t, env.fake.Views["deletes_with_schema"], `NULL AS "name"`)
	last := env.fake.LocalWrites[len(env.fake.LocalWrites)-1]
	assert.Equal(t, `SELECT * FROM "deletes_with_schema"`, last.Query)
	assert.Equal(t, lake.ModeAppend, last.Mode)

	// All bookkeeping tables vacuumed after success.
	for _, path := range []string{
		env.layout.LatestPK().String(), env.layout.Delta1().String(),
		env.layout.Delta2().String(), env.layout.PrimaryKeysTS().String(),
	} {
		assert.GreaterOrEqual(t, env.fake.Ops[path].Vacuumed, 1, path)
	}
}

func TestAdditionalUpdatesSecondaryTimestampFallback(t *testing.T) {
	env := setupDeltaEnv(t, deltaLocalResults{
		watermark:       int64(500),
		delta1Count:     0,
		additionalCount: 1500,
		minTS:           int64(100),
	})
	runner := env.newRunner(t, NewWriteConfig())
	require.NoError(t, runner.Run(context.Background()))

	// delta_2 is still primed so the manifest union has the path.
	d2 := sourceWriteFor(env.fake.SourceWrites, "delta_2")
	require.Len(t, d2, 1)
	assert.Contains(t, d2[0].Query, "OPENJSON(N'[]')")

	// The replay re-reads delta_1 from the smallest missed delta value.
	d1 := sourceWriteFor(env.fake.SourceWrites, "delta_1")
	require.Len(t, d1, 2)
	assert.Contains(t, d1[0].Query, `> 500`)
	assert.Contains(t, d1[1].Query, `> 100`)

	// No keys were shipped to the source.
	for _, q := range env.fake.LocalQueries {
		if strings.Contains(q, `"p0"`) {
			t.Fatalf("key projection should not run in fallback mode: %s", q)
		}
	}
}

func TestAdditionalUpdatesFallbackOnNoComplexEntries(t *testing.T) {
	env := setupDeltaEnv(t, deltaLocalResults{
		watermark:       int64(500),
		additionalCount: 5,
		minTS:           int64(42),
	})
	config := NewWriteConfig()
	config.NoComplexEntriesLoad = true
	runner := env.newRunner(t, config)
	require.NoError(t, runner.Run(context.Background()))

	d1 := sourceWriteFor(env.fake.SourceWrites, "delta_1")
	require.Len(t, d1, 2)
	assert.Contains(t, d1[1].Query, `> 42`)
}

func TestSimpleDeltaSkipsReconciliation(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Existing[env.layout.Delta().String()] = true
	env.fake.LocalResults = deltaLocalResults{watermark: int64(500), delta1Count: 1}.respond
	// A leftover manifest from an earlier full-delta run must not survive.
	require.NoError(t, env.layout.LatestPK().Mkdir())
	require.NoError(t, env.layout.LatestPK().Join("part-0.parquet").UploadString("x"))

	config := NewWriteConfig()
	config.LoadMode = LoadModeSimpleDelta
	runner := env.newRunner(t, config)
	require.NoError(t, runner.Run(context.Background()))

	assert.Empty(t, sourceWriteFor(env.fake.SourceWrites, "primary_keys_ts"))
	assert.Empty(t, sourceWriteFor(env.fake.SourceWrites, "delta_2"))
	assert.Empty(t, sourceWriteFor(env.fake.LocalWrites, "latest_pk"))

	exists, err := env.layout.LatestPK().Exists()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAppendInsertsPicksIdentityKey(t *testing.T) {
	env := newTestEnv(t)
	// Metadata without a rowversion column: the identity pk is the fallback.
	env.fake.SourceResults = func(query string) ([]lake.Row, error) {
		switch {
		case strings.Contains(query, "TABLE_CONSTRAINTS"):
			return []lake.Row{{"COLUMN_NAME": "id"}}, nil
		case strings.Contains(query, "INFORMATION_SCHEMA.COLUMNS"):
			return []lake.Row{
				{"COLUMN_NAME": "id", "DATA_TYPE": "bigint", "is_nullable": false, "is_identity": true,
					"generated_always_type_desc": "NOT_APPLICABLE"},
				{"COLUMN_NAME": "name", "DATA_TYPE": "nvarchar", "is_nullable": true, "is_identity": false,
					"generated_always_type_desc": "NOT_APPLICABLE", "CHARACTER_MAXIMUM_LENGTH": int64(100)},
			}, nil
		case strings.Contains(query, "compatibility_level"):
			return []lake.Row{{"compatibility_level": int64(150)}}, nil
		}
		return nil, nil
	}
	env.fake.Existing[env.layout.Delta().String()] = true
	env.fake.LocalResults = func(query string) ([]lake.Row, error) {
		switch {
		case strings.Contains(query, `"max_ts"`):
			return []lake.Row{{"max_ts": int64(7)}}, nil
		case strings.Contains(query, `"delta_1"`) && strings.Contains(query, `"cnt"`):
			return []lake.Row{{"cnt": int64(3)}}, nil
		}
		return nil, nil
	}

	config := NewWriteConfig()
	config.LoadMode = LoadModeAppendInserts
	runner := env.newRunner(t, config)
	require.NoError(t, runner.Run(context.Background()))

	d1 := sourceWriteFor(env.fake.SourceWrites, "delta_1")
	require.Len(t, d1, 1)
	assert.Contains(t, d1[0].Query, `WHERE "t"."id" > 7`)
	assert.Contains(t, d1[0].Query, `CAST(0 AS bit) AS "__is_full_load"`)

	// No reconciliation artifacts for append-inserts.
	assert.Empty(t, sourceWriteFor(env.fake.SourceWrites, "primary_keys_ts"))
	assert.Empty(t, sourceWriteFor(env.fake.LocalWrites, "latest_pk"))
}

func TestLockHeldAborts(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.layout.LockFile().UploadString(""))
	runner := env.newRunner(t, NewWriteConfig())
	err := runner.Run(context.Background())
	assert.ErrorIs(t, err, dest.ErrLocked)
	// A held lock is not stolen.
	exists, err2 := env.layout.LockFile().Exists()
	require.NoError(t, err2)
	assert.True(t, exists)
}

func TestFailureRestoresManifestAndReleasesLock(t *testing.T) {
	env := setupDeltaEnv(t, deltaLocalResults{
		watermark:   int64(500),
		delta1Count: 1,
	})
	ops := env.fake.Ops[env.layout.LatestPK().String()]
	env.fake.OnLocalWrite = func(call testutils.WriteCall) error {
		if strings.HasSuffix(call.Path, "latest_pk") {
			ops.Ver++
		}
		return nil
	}
	failing := env.fake.LocalResults
	env.fake.LocalResults = func(query string) ([]lake.Row, error) {
		if strings.Contains(query, `"deletes_with_schema"`) {
			return nil, assert.AnError
		}
		return failing(query)
	}

	runner := env.newRunner(t, NewWriteConfig())
	err := runner.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, []int64{3}, ops.Restored)
	locked, err2 := env.layout.LockFile().Exists()
	require.NoError(t, err2)
	assert.False(t, locked)

	// The destination log was flushed on the failure path.
	logExists, err3 := env.layout.LogFile().Exists()
	require.NoError(t, err3)
	assert.True(t, logExists)
}

func TestManifestMissingDegradesToFullAppend(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Existing[env.layout.Delta().String()] = true
	env.fake.ExistingExtended[env.layout.Delta().String()] = true
	env.fake.LocalResults = func(query string) ([]lake.Row, error) {
		switch {
		case strings.Contains(query, `"latest_pk"`) && strings.Contains(query, `"cnt"`):
			// The rebuild produced nothing usable.
			return []lake.Row{{"cnt": int64(0)}}, nil
		case strings.Contains(query, `MAX("__valid_from")`):
			return []lake.Row{{ValidFromCol: nil}}, nil
		}
		return nil, nil
	}
	runner := env.newRunner(t, NewWriteConfig())
	require.NoError(t, runner.Run(context.Background()))

	// The rebuild was attempted from the destination table.
	var rebuild bool
	for _, w := range env.fake.LocalWrites {
		if strings.HasSuffix(w.Path, "latest_pk") && strings.Contains(w.Query, "ROW_NUMBER()") {
			rebuild = true
		}
	}
	assert.True(t, rebuild)

	deltaWrites := sourceWriteFor(env.fake.SourceWrites, "delta")
	require.Len(t, deltaWrites, 1)
	assert.Equal(t, lake.ModeAppend, deltaWrites[0].Mode)
	assert.Contains(t, deltaWrites[0].Query, `CAST(1 AS bit) AS "__is_full_load"`)
}
