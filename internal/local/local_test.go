package local

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "a/one.html", []byte("first")))
	require.NoError(t, s.Write(ctx, "a/one.html", []byte("second")))
	require.NoError(t, s.Write(ctx, "a/two.html", []byte("2")))
	require.NoError(t, s.Write(ctx, "b/three.html", []byte("3")))

	rc, err := s.Open(ctx, "a/one.html")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "first", string(body))

	names, err := s.List(ctx, "a/")
	require.NoError(t, err)
	require.Equal(t, []string{"a/one.html", "a/two.html"}, names)

	ok, err := s.Exists(ctx, "b/three.html")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Exists(ctx, "b/missing.html")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Compose(ctx, "out/all.csv", []string{"a/one.html", "a/two.html", "b/three.html"}))
	b, err := os.ReadFile(s.Path("out/all.csv"))
	require.NoError(t, err)
	require.Equal(t, "first23", string(b))

	require.NoError(t, s.Remove(ctx, "a/one.html", "a/never-written.html"))
	names, err = s.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a/two.html", "b/three.html", "out/all.csv"}, names)
}

func TestBusDeliversInDueOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(quiet)
	var got []string
	record := func(ctx context.Context, msg models.Message) error {
		got = append(got, msg.Attributes["n"])
		require.NotEmpty(t, msg.ID)
		require.False(t, msg.PublishTime.IsZero())
		return nil
	}
	bus.Subscribe("t", record)

	require.NoError(t, bus.Schedule(ctx, "t", models.Message{Attributes: map[string]string{"n": "late"}}, 20*time.Millisecond))
	require.NoError(t, bus.Publish(ctx, "t", models.Message{Attributes: map[string]string{"n": "first"}}))
	require.NoError(t, bus.Publish(ctx, "t", models.Message{Attributes: map[string]string{"n": "second"}}))
	require.Equal(t, 3, bus.Pending())

	require.NoError(t, bus.Run(ctx))
	require.Equal(t, []string{"first", "second", "late"}, got)
	require.Zero(t, bus.Pending())
}

func TestBusTimeScale(t *testing.T) {
	bus := NewBus(quiet)
	bus.TimeScale = 0.001
	bus.Subscribe("t", func(context.Context, models.Message) error { return nil })
	require.NoError(t, bus.Schedule(context.Background(), "t", models.Message{}, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, bus.Run(ctx))
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestBusErrors(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(quiet)
	calls := 0
	bus.Subscribe("soft", func(context.Context, models.Message) error {
		calls++
		return errors.New("transient")
	})
	require.NoError(t, bus.Publish(ctx, "soft", models.Message{}))
	require.NoError(t, bus.Publish(ctx, "nobody", models.Message{}))
	require.NoError(t, bus.Publish(ctx, "soft", models.Message{}))

	err := bus.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "transient")
	require.Contains(t, err.Error(), "no handler subscribed to topic nobody")
	require.Equal(t, 2, calls)

	bus.Subscribe("fatal", func(context.Context, models.Message) error {
		return &pipeline.FatalError{Stage: pipeline.StateVerifying, Table: "t", Reason: "stale", Err: pipeline.ErrStale}
	})
	require.NoError(t, bus.Publish(ctx, "fatal", models.Message{}))
	require.NoError(t, bus.Publish(ctx, "soft", models.Message{}))
	err = bus.Run(ctx)
	require.ErrorIs(t, err, pipeline.ErrStale)
	require.Equal(t, 1, bus.Pending())
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "state.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDuckDBSink(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	exports, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	sink := NewDuckDBSink(db, exports, quiet)

	const table = "proj.accounts.March-2021"
	require.NoError(t, sink.CreateTable(ctx, table))
	require.ErrorIs(t, sink.CreateTable(ctx, table), pipeline.ErrTableExists)

	n, err := sink.CountProcessed(ctx, table)
	require.NoError(t, err)
	require.Zero(t, n)

	uploaded := time.Date(2021, 4, 1, 9, 0, 0, 0, time.UTC)
	row := func(doc, name string) models.FlatRow {
		return models.FlatRow{
			Date: "2020-03-31", Name: name, Unit: "GBP", Value: "1000",
			DocName: doc, DocType: "html", DocUploadDate: uploaded, ArcName: "Accounts_Monthly_Data-March2021",
			Parsed: true, BalanceSheetDate: "20200331", RegistrationNumber: "00000001",
			StandardType: models.NA, StandardDate: models.NA, StandardLink: models.NA,
		}
	}
	require.NoError(t, sink.AppendRows(ctx, table, []models.FlatRow{row("a.html", "X"), row("a.html", "Y")}))
	require.NoError(t, sink.AppendRows(ctx, table, []models.FlatRow{row("b.html", "X")}))
	require.NoError(t, sink.AppendRows(ctx, table, nil))

	n, err = sink.CountProcessed(ctx, table)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, sink.ExtractToShards(ctx, table, "exports/March-2021"))
	b, err := os.ReadFile(exports.Path("exports/March-2021000000000000.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	require.Len(t, lines, 3)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, len(models.Columns))
	require.Equal(t, "a.html", fields[4])
}

func TestDuckDBJobStore(t *testing.T) {
	ctx := context.Background()
	jobs, err := NewDuckDBJobStore(ctx, openTestDB(t))
	require.NoError(t, err)

	_, err = jobs.Get(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrJobNotFound)

	now := time.Date(2021, 4, 1, 9, 0, 0, 0, time.UTC)
	job := &models.PipelineJob{RunID: "r1", Table: "t", State: "PARSING", ExpectedFileCount: 3, DiscoveredAt: now, UpdatedAt: now}
	require.NoError(t, jobs.Save(ctx, job))
	job.State = "VERIFYING"
	job.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, jobs.Save(ctx, job))

	got, err := jobs.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "VERIFYING", got.State)
	require.Equal(t, 3, got.ExpectedFileCount)
	require.True(t, now.Equal(got.DiscoveredAt))

	require.NoError(t, jobs.Save(ctx, &models.PipelineJob{RunID: "r2", State: "DONE", UpdatedAt: now.Add(time.Hour)}))
	all, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "r2", all[0].RunID)
}

const contexts = `<xbrli:context id="c1"><xbrli:period><xbrli:instant>2020-03-31</xbrli:instant></xbrli:period></xbrli:context>
<xbrli:unit id="GBP"><xbrli:measure>iso4217:GBP</xbrli:measure></xbrli:unit>`

func filing(n int) []byte {
	var b strings.Builder
	b.WriteString("<html><body>" + contexts)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<p><ix:nonFraction name="uk-gaap:Item%d" contextRef="c1" unitRef="GBP">%d</ix:nonFraction></p>`, i, i+1)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func newLocalPipeline(t *testing.T) (*FSStore, *Bus, *DuckDBJobStore) {
	t.Helper()
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	db := openTestDB(t)
	jobs, err := NewDuckDBJobStore(ctx, db)
	require.NoError(t, err)
	bus := NewBus(quiet)
	bus.TimeScale = 0.001

	cfg := pipeline.DefaultConfig()
	cfg.Dataset = "accounts"
	cfg.Workers = 2
	cfg.MemoryBackoff = 0
	ctl, err := pipeline.New(cfg, pipeline.Deps{
		Objects:   store,
		Sink:      NewDuckDBSink(db, store, quiet),
		Publisher: bus,
		Scheduler: bus,
		Jobs:      jobs,
		Logger:    quiet,
	})
	require.NoError(t, err)
	Attach(bus, ctl)
	return store, bus, jobs
}

func TestLocalDirectoryRun(t *testing.T) {
	ctx := context.Background()
	store, bus, jobs := newLocalPipeline(t)
	dir := "Accounts_Monthly_Data-March2021"
	require.NoError(t, store.Write(ctx, dir+"/Prod223_0001_00000001_20200331.html", filing(10)))
	require.NoError(t, store.Write(ctx, dir+"/Prod223_0002_00000002_20200331.html", filing(0)))
	require.NoError(t, store.Write(ctx, dir+"/Prod223_0003_00000003_20200331.html", filing(6)))

	require.NoError(t, bus.Publish(ctx, TopicDiscoverDirectory, models.Message{
		ID:         "discover-1",
		Attributes: map[string]string{models.AttrDirectory: dir},
	}))
	require.NoError(t, bus.Run(ctx))

	all, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, string(pipeline.StateDone), all[0].State)
	require.EqualValues(t, 3, all[0].ProcessedCount)

	b, err := os.ReadFile(store.Path("exports/March-2021.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	require.Len(t, lines, 1+10+1+6)
	require.Equal(t, strings.Join(models.Columns, "\t"), lines[0])

	left, err := store.List(ctx, "exports/")
	require.NoError(t, err)
	require.Equal(t, []string{"exports/March-2021.csv"}, left)
}

func TestLocalArchiveRun(t *testing.T) {
	ctx := context.Background()
	store, bus, jobs := newLocalPipeline(t)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i, n := range []int{7, 8} {
		f, err := w.Create(fmt.Sprintf("Prod223_000%d_0000000%d_20200331.html", i+1, i+1))
		require.NoError(t, err)
		_, err = f.Write(filing(n))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, store.Write(ctx, "Accounts_Monthly_Data-April2021.zip", buf.Bytes()))

	require.NoError(t, bus.Publish(ctx, TopicDiscoverArchive, models.Message{
		ID:         "discover-zip",
		Attributes: map[string]string{models.AttrZipPath: "Accounts_Monthly_Data-April2021.zip"},
	}))
	require.NoError(t, bus.Run(ctx))

	unpacked, err := store.List(ctx, "Accounts_Monthly_Data-April2021/")
	require.NoError(t, err)
	require.Len(t, unpacked, 2)

	all, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, string(pipeline.StateDone), all[0].State)

	b, err := os.ReadFile(store.Path("exports/April-2021.csv"))
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSuffix(string(b), "\n"), "\n"), 1+7+8)
}
