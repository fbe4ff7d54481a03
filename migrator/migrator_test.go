package migrator_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/platforma-dev/dbupdater/catalog"
	"github.com/platforma-dev/dbupdater/database"
	"github.com/platforma-dev/dbupdater/migrator"
	"github.com/platforma-dev/dbupdater/report"
)

type fixture struct {
	db     *database.Database
	runner *migrator.Runner
	out    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(database.DriverSQLite, filepath.Join(t.TempDir(), "migrator.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	out := &bytes.Buffer{}
	runner := migrator.New(db, migrator.Options{
		Reporter: report.Reporter{DatabaseName: "test"},
		Out:      out,
		Lock:     true,
	})

	return &fixture{db: db, runner: runner, out: out}
}

func (f *fixture) entries(t *testing.T, deltaSet string) []database.Entry {
	t.Helper()

	entries, err := f.db.ChangeLog().Entries(context.Background(), deltaSet)
	if err != nil {
		t.Fatalf("failed to read change log: %v", err)
	}
	return entries
}

func (f *fixture) tableExists(t *testing.T, name string) bool {
	t.Helper()

	var count int
	err := f.db.Connection().Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name)
	if err != nil {
		t.Fatalf("failed to look up table %s: %v", name, err)
	}
	return count == 1
}

func scripts(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func changeNumbers(entries []database.Entry) []int {
	numbers := make([]int, 0, len(entries))
	for _, e := range entries {
		numbers = append(numbers, e.ChangeNumber)
	}
	return numbers
}

func TestRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("applies single script end to end", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		fsys := scripts(map[string]string{
			"1.2018-01-12.101632.add_user_table.sql": "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);",
		})

		result, err := f.runner.Run(ctx, "core", fsys)
		if err != nil {
			t.Fatalf("failed to migrate database: %v", err)
		}

		if result.State != migrator.StateDone {
			t.Errorf("expected state Done, got %s", result.State)
		}

		if !f.tableExists(t, "users") {
			t.Fatal("expected users table to exist")
		}

		entries := f.entries(t, "core")
		if len(entries) != 1 {
			t.Fatalf("expected single change log entry, got: %d", len(entries))
		}

		if entries[0].ChangeNumber != 1 {
			t.Errorf("expected change number 1, got %d", entries[0].ChangeNumber)
		}

		if entries[0].ChangeTimestamp != "2018-01-12 101632" {
			t.Errorf("expected timestamp '2018-01-12 101632', got '%s'", entries[0].ChangeTimestamp)
		}

		if entries[0].Filename != "1.2018-01-12.101632.add_user_table.sql" {
			t.Errorf("unexpected filename %s", entries[0].Filename)
		}

		if !strings.Contains(f.out.String(), "1 update file(s) were executed") {
			t.Errorf("unexpected report: %s", f.out.String())
		}
	})

	// Imitates the tool being started twice without new scripts in between.
	t.Run("second run applies nothing", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		fsys := scripts(map[string]string{
			"1.2018-01-12.101632.sql": "CREATE TABLE a (id INTEGER)",
			"2.2018-01-12.101700.sql": "CREATE TABLE b (id INTEGER)",
		})

		_, err := f.runner.Run(ctx, "core", fsys)
		if err != nil {
			t.Fatalf("first run failed: %v", err)
		}

		f.out.Reset()

		result, err := f.runner.Run(ctx, "core", fsys)
		if err != nil {
			t.Fatalf("second run failed: %v", err)
		}

		if len(result.Applied) != 0 {
			t.Fatalf("expected nothing applied, got %d", len(result.Applied))
		}

		if !strings.Contains(f.out.String(), "already up to date") {
			t.Errorf("expected up to date report, got: %s", f.out.String())
		}

		if len(f.entries(t, "core")) != 2 {
			t.Fatalf("expected 2 change log entries")
		}
	})

	t.Run("applies in change number order", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		fsys := scripts(map[string]string{
			"3.2018-01-12.090000.third.sql":  "INSERT INTO seen (n) VALUES (3)",
			"1.2018-01-12.110000.first.sql":  "CREATE TABLE seen (n INTEGER); INSERT INTO seen (n) VALUES (1);",
			"2.2018-01-12.100000.second.sql": "INSERT INTO seen (n) VALUES (2)",
		})

		result, err := f.runner.Run(ctx, "core", fsys)
		if err != nil {
			t.Fatalf("failed to migrate database: %v", err)
		}

		applied := make([]int, 0, len(result.Applied))
		for _, s := range result.Applied {
			applied = append(applied, s.ChangeNumber)
		}
		if !slices.Equal(applied, []int{1, 2, 3}) {
			t.Fatalf("expected applied order [1 2 3], got %v", applied)
		}

		var seen []int
		err = f.db.Connection().Select(&seen, "SELECT n FROM seen ORDER BY rowid")
		if err != nil {
			t.Fatalf("failed to read seen table: %v", err)
		}
		if !slices.Equal(seen, []int{1, 2, 3}) {
			t.Fatalf("expected statements executed in order [1 2 3], got %v", seen)
		}

		if !slices.Equal(changeNumbers(f.entries(t, "core")), []int{1, 2, 3}) {
			t.Fatalf("unexpected change log order")
		}
	})

	t.Run("orders numerically not lexically", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		fsys := scripts(map[string]string{
			"10.2018-01-12.101632.sql": "INSERT INTO t (id) VALUES (10)",
			"2.2018-01-12.101632.sql":  "CREATE TABLE t (id INTEGER)",
		})

		result, err := f.runner.Run(ctx, "core", fsys)
		if err != nil {
			t.Fatalf("expected 2 to run before 10, got: %v", err)
		}

		if result.Applied[0].ChangeNumber != 2 || result.Applied[1].ChangeNumber != 10 {
			t.Fatalf("unexpected order: %+v", result.Applied)
		}

		if result.Watermark != 10 {
			t.Errorf("expected watermark 10, got %d", result.Watermark)
		}
	})

	t.Run("failing script is rolled back and halts the run", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		fsys := scripts(map[string]string{
			"1.2018-01-12.101632.sql":        "CREATE TABLE one (id INTEGER)",
			"2.2018-01-12.101632.sql":        "CREATE TABLE two (id INTEGER)",
			"3.2018-01-12.101632.broken.sql": "CREATE TABLE three (id INTEGER);\nINSERT INTO missing_table VALUES (1);",
			"4.2018-01-12.101632.sql":        "CREATE TABLE four (id INTEGER)",
		})

		result, err := f.runner.Run(ctx, "core", fsys)
		if err == nil {
			t.Fatal("migration expected to fail")
		}
		t.Logf("migration error: %s", err.Error())

		var runErr *migrator.RunError
		if !errors.As(err, &runErr) {
			t.Fatalf("expected *RunError, got %T", err)
		}

		if runErr.Kind != migrator.KindStatementFailure {
			t.Errorf("expected kind StatementFailure, got %s", runErr.Kind)
		}

		if runErr.Phase != migrator.StateApplying {
			t.Errorf("expected failure while applying, got %s", runErr.Phase)
		}

		if runErr.Filename != "3.2018-01-12.101632.broken.sql" {
			t.Errorf("expected failing file to be script 3, got %s", runErr.Filename)
		}

		if !errors.Is(err, migrator.ErrStatementFailed) {
			t.Error("expected error to match ErrStatementFailed")
		}

		var stmtErr *migrator.StatementError
		if !errors.As(err, &stmtErr) || stmtErr.Index != 2 {
			t.Errorf("expected second statement to fail, got %+v", stmtErr)
		}

		if result.State != migrator.StateFailed {
			t.Errorf("expected state Failed, got %s", result.State)
		}

		if result.Watermark != 2 {
			t.Errorf("expected watermark 2, got %d", result.Watermark)
		}

		if !slices.Equal(changeNumbers(f.entries(t, "core")), []int{1, 2}) {
			t.Fatalf("expected change log [1 2], got %v", changeNumbers(f.entries(t, "core")))
		}

		if !f.tableExists(t, "one") || !f.tableExists(t, "two") {
			t.Error("expected scripts 1 and 2 to stay applied")
		}

		// because script 3 should be rolled back
		if f.tableExists(t, "three") {
			t.Error("expected partial effects of script 3 to be rolled back")
		}

		// because the run halts at the first failure
		if f.tableExists(t, "four") {
			t.Error("expected script 4 not to be attempted")
		}

		output := f.out.String()
		if !strings.Contains(output, "Sql update file failed (3.2018-01-12.101632.broken.sql)") {
			t.Errorf("expected failure report naming the file, got: %s", output)
		}

		if strings.Contains(output, "update file(s) were executed") {
			t.Errorf("summary must not be printed on failure, got: %s", output)
		}
	})

	t.Run("watermark only moves forward", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		fsys := scripts(map[string]string{
			"1.2018-01-12.101632.sql": "CREATE TABLE a (id INTEGER)",
			"2.2018-01-12.101632.sql": "CREATE TABLE b (id INTEGER)",
		})

		first, err := f.runner.Run(ctx, "core", fsys)
		if err != nil {
			t.Fatalf("first run failed: %v", err)
		}

		fsys["3.2018-01-13.080000.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE c (id INTEGER)")}

		second, err := f.runner.Run(ctx, "core", fsys)
		if err != nil {
			t.Fatalf("second run failed: %v", err)
		}

		if first.Watermark != 2 || second.StartWatermark != 2 || second.Watermark != 3 {
			t.Fatalf("unexpected watermarks: first=%d second start=%d end=%d", first.Watermark, second.StartWatermark, second.Watermark)
		}

		if len(second.Applied) != 1 || second.Applied[0].ChangeNumber != 3 {
			t.Fatalf("expected only script 3 in second run, got %+v", second.Applied)
		}

		watermark, err := f.db.ChangeLog().Watermark(ctx, "core")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if watermark != 3 {
			t.Fatalf("expected stored watermark 3, got %d", watermark)
		}
	})

	t.Run("delta sets keep separate histories", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		_, err := f.runner.Run(ctx, "core", scripts(map[string]string{
			"1.2018-01-12.101632.sql": "CREATE TABLE core_a (id INTEGER)",
			"2.2018-01-12.101632.sql": "CREATE TABLE core_b (id INTEGER)",
		}))
		if err != nil {
			t.Fatalf("core run failed: %v", err)
		}

		result, err := f.runner.Run(ctx, "reports", scripts(map[string]string{
			"1.2018-01-12.101632.sql": "CREATE TABLE reports_a (id INTEGER)",
		}))
		if err != nil {
			t.Fatalf("reports run failed: %v", err)
		}

		if len(result.Applied) != 1 {
			t.Fatalf("expected reports script 1 to be applied, got %d", len(result.Applied))
		}

		if len(f.entries(t, "core")) != 2 || len(f.entries(t, "reports")) != 1 {
			t.Fatal("unexpected change log contents")
		}
	})

	t.Run("empty script is recorded", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		result, err := f.runner.Run(ctx, "core", scripts(map[string]string{
			"1.2018-01-12.101632.placeholder.sql": "\n\n",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if result.Watermark != 1 {
			t.Fatalf("expected watermark 1, got %d", result.Watermark)
		}
	})

	t.Run("nothing pending", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		result, err := f.runner.Run(ctx, "core", fstest.MapFS{catalog.PlaceholderFile: &fstest.MapFile{}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if result.State != migrator.StateDone || len(result.Applied) != 0 {
			t.Fatalf("unexpected result: %+v", result)
		}

		if !strings.Contains(f.out.String(), "No new update files found - the database is already up to date.") {
			t.Errorf("unexpected report: %s", f.out.String())
		}
	})
}

func TestRun_CatalogFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	testCases := []struct {
		name  string
		files map[string]string
		kind  migrator.Kind
	}{
		{
			name: "duplicate change number",
			files: map[string]string{
				"1.2018-01-12.101632.a.sql": "CREATE TABLE a (id INTEGER)",
				"1.2018-01-12.101633.b.sql": "CREATE TABLE b (id INTEGER)",
			},
			kind: migrator.KindDuplicateChangeNumber,
		},
		{
			name: "malformed filename",
			files: map[string]string{
				"1.2018-01-12.101632.sql": "CREATE TABLE a (id INTEGER)",
				"2.sql":                   "CREATE TABLE b (id INTEGER)",
			},
			kind: migrator.KindMalformedFilename,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			result, err := f.runner.Run(ctx, "core", scripts(tc.files))

			var runErr *migrator.RunError
			if !errors.As(err, &runErr) {
				t.Fatalf("expected *RunError, got %v", err)
			}

			if runErr.Kind != tc.kind {
				t.Errorf("expected kind %s, got %s", tc.kind, runErr.Kind)
			}

			if runErr.Phase != migrator.StateCataloging {
				t.Errorf("expected failure while cataloging, got %s", runErr.Phase)
			}

			if result.State != migrator.StateFailed {
				t.Errorf("expected state Failed, got %s", result.State)
			}

			// because nothing may be applied before the catalog is valid
			if f.tableExists(t, "a") {
				t.Error("expected no script to be applied")
			}

			if len(f.entries(t, "core")) != 0 {
				t.Error("expected empty change log")
			}
		})
	}
}

func TestRun_StoreUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_ = f.db.Close()

	result, err := f.runner.Run(context.Background(), "core", fstest.MapFS{})

	var runErr *migrator.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}

	if runErr.Kind != migrator.KindStoreUnavailable {
		t.Errorf("expected kind StoreUnavailable, got %s", runErr.Kind)
	}

	if runErr.Phase != migrator.StateDeterminingWatermark {
		t.Errorf("expected failure while determining watermark, got %s", runErr.Phase)
	}

	if !errors.Is(err, database.ErrStoreUnavailable) {
		t.Error("expected error to match database.ErrStoreUnavailable")
	}

	if result.State != migrator.StateFailed {
		t.Errorf("expected state Failed, got %s", result.State)
	}
}

func TestRun_RecordFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fsys := scripts(map[string]string{
		"1.2024-01-01.120000.sql": "CREATE TABLE a (id INTEGER)",
		"2.2024-01-02.120000.sql": "CREATE TABLE b (id INTEGER); DROP TABLE " + database.TableName,
	})

	result, err := f.runner.Run(context.Background(), "core", fsys)

	var runErr *migrator.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}

	if runErr.Kind != migrator.KindStoreUnavailable {
		t.Errorf("expected kind StoreUnavailable, got %s", runErr.Kind)
	}

	if runErr.Phase != migrator.StateRecording {
		t.Errorf("expected failure while recording, got %s", runErr.Phase)
	}

	if runErr.Filename != "2.2024-01-02.120000.sql" {
		t.Errorf("expected failing file 2, got %q", runErr.Filename)
	}

	if !errors.Is(err, database.ErrStoreUnavailable) {
		t.Error("expected error to match database.ErrStoreUnavailable")
	}

	if result.Watermark != 1 {
		t.Errorf("expected watermark 1, got %d", result.Watermark)
	}

	if f.tableExists(t, "b") {
		t.Error("expected table b to be rolled back")
	}

	if !f.tableExists(t, database.TableName) {
		t.Fatal("expected change log table to survive the rollback")
	}

	if got := changeNumbers(f.entries(t, "core")); !slices.Equal(got, []int{1}) {
		t.Errorf("expected change log [1], got %v", got)
	}

	if !strings.Contains(f.out.String(), "Sql update file failed (2.2024-01-02.120000.sql)") {
		t.Errorf("expected failure report, got: %s", f.out.String())
	}
}

type unreadableFS struct {
	fstest.MapFS
}

func (u unreadableFS) ReadFile(name string) ([]byte, error) {
	return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrPermission}
}

func TestRun_UnreadableScript(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fsys := unreadableFS{scripts(map[string]string{
		"1.2024-01-01.120000.sql": "CREATE TABLE a (id INTEGER)",
	})}

	_, err := f.runner.Run(context.Background(), "core", fsys)

	var runErr *migrator.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}

	if runErr.Kind != migrator.KindCatalogUnavailable {
		t.Errorf("expected kind CatalogUnavailable, got %s", runErr.Kind)
	}

	if runErr.Phase != migrator.StateApplying {
		t.Errorf("expected failure while applying, got %s", runErr.Phase)
	}

	if !errors.Is(err, fs.ErrPermission) {
		t.Errorf("expected read error to be preserved, got %v", err)
	}

	if !strings.Contains(f.out.String(), "Sql update file failed (1.2024-01-01.120000.sql)") {
		t.Errorf("expected failure report, got: %s", f.out.String())
	}

	if len(f.entries(t, "core")) != 0 {
		t.Error("expected empty change log")
	}
}
