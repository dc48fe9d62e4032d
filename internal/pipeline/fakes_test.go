package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) put(name, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = []byte(body)
}

func (s *memStore) get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[name]
	return string(b), ok
}

func (s *memStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %s not found", name)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStore) Write(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[name]
	return ok, nil
}

func (s *memStore) Remove(_ context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.objects, n)
	}
	return nil
}

func (s *memStore) Compose(_ context.Context, dst string, srcs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	for _, src := range srcs {
		b, ok := s.objects[src]
		if !ok {
			return fmt.Errorf("object %s not found", src)
		}
		buf.Write(b)
	}
	s.objects[dst] = buf.Bytes()
	return nil
}

// memSink keeps rows in memory and extracts them into a memStore, two rows per shard.
type memSink struct {
	mu      sync.Mutex
	tables  map[string][]models.FlatRow
	creates int
	shards  *memStore
	count   func(table string) int64
}

func newMemSink(shards *memStore) *memSink {
	return &memSink{tables: map[string][]models.FlatRow{}, shards: shards}
}

func (s *memSink) CreateTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if _, ok := s.tables[table]; ok {
		return fmt.Errorf("create %s: %w", table, ErrTableExists)
	}
	s.tables[table] = nil
	return nil
}

func (s *memSink) AppendRows(_ context.Context, table string, rows []models.FlatRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		return fmt.Errorf("table %s not found", table)
	}
	s.tables[table] = append(s.tables[table], rows...)
	return nil
}

func (s *memSink) rows(table string) []models.FlatRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FlatRow(nil), s.tables[table]...)
}

func (s *memSink) CountProcessed(_ context.Context, table string) (int64, error) {
	if s.count != nil {
		return s.count(table), nil
	}
	seen := map[string]bool{}
	for _, r := range s.rows(table) {
		seen[r.DocName] = true
	}
	return int64(len(seen)), nil
}

func (s *memSink) ExtractToShards(ctx context.Context, table, prefix string) error {
	rows := s.rows(table)
	for i := 0; i*2 < len(rows) || i == 0; i++ {
		var b strings.Builder
		for _, r := range rows[min(i*2, len(rows)):min(i*2+2, len(rows))] {
			var cols []string
			for _, v := range r.Values() {
				cols = append(cols, fmt.Sprint(v))
			}
			b.WriteString(strings.Join(cols, "\t") + "\n")
		}
		if err := s.shards.Write(ctx, fmt.Sprintf("%s%012d.csv", prefix, i), []byte(b.String())); err != nil {
			return err
		}
	}
	return nil
}

type delivery struct {
	topic string
	msg   models.Message
	delay time.Duration
}

// memBus records published and scheduled messages.
type memBus struct {
	mu        sync.Mutex
	published []delivery
	scheduled []delivery
}

func (b *memBus) Publish(_ context.Context, topic string, msg models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, delivery{topic: topic, msg: msg})
	return nil
}

func (b *memBus) Schedule(_ context.Context, topic string, msg models.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = append(b.scheduled, delivery{topic: topic, msg: msg, delay: delay})
	return nil
}

func (b *memBus) on(topic string) []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []delivery
	for _, d := range b.published {
		if d.topic == topic {
			out = append(out, d)
		}
	}
	return out
}

// take removes and returns everything queued so far.
func (b *memBus) take() (published, scheduled []delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	published, scheduled = b.published, b.scheduled
	b.published, b.scheduled = nil, nil
	return published, scheduled
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]models.PipelineJob
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]models.PipelineJob{}}
}

func (j *memJobs) Save(_ context.Context, job *models.PipelineJob) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[job.RunID] = *job
	return nil
}

func (j *memJobs) Get(_ context.Context, runID string) (*models.PipelineJob, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[runID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", runID, ErrJobNotFound)
	}
	return &job, nil
}

func (j *memJobs) only(t *testing.T) models.PipelineJob {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.jobs, 1)
	for _, job := range j.jobs {
		return job
	}
	return models.PipelineJob{}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ctl   *Controller
	store *memStore
	sink  *memSink
	bus   *memBus
	jobs  *memJobs
	clock *fakeClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Project = "proj"
	cfg.Dataset = "accounts"
	cfg.Workers = 2
	cfg.MemoryBackoff = 0
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		store: newMemStore(),
		bus:   &memBus{},
		jobs:  newMemJobs(),
		clock: &fakeClock{now: time.Date(2021, 4, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.sink = newMemSink(h.store)
	ctl, err := New(cfg, Deps{
		Objects:   h.store,
		Sink:      h.sink,
		Publisher: h.bus,
		Scheduler: h.bus,
		Jobs:      h.jobs,
		Clock:     h.clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.ctl = ctl
	return h
}

// drain feeds queued messages back into the controller until nothing is left.
// Scheduled messages advance the clock by their delay first.
func (h *harness) drain(t *testing.T) []error {
	t.Helper()
	ctx := context.Background()
	topics := h.ctl.cfg.Topics
	var errs []error
	for i := 0; i < 100; i++ {
		published, scheduled := h.bus.take()
		if len(published) == 0 && len(scheduled) == 0 {
			return errs
		}
		for _, d := range scheduled {
			h.clock.Advance(d.delay)
			published = append(published, d)
		}
		for _, d := range published {
			d.msg.PublishTime = h.clock.Now()
			var err error
			switch d.topic {
			case topics.Unpack:
				err = h.ctl.Unpack(ctx, d.msg)
			case topics.Parse:
				err = h.ctl.Parse(ctx, d.msg)
			case topics.Verify:
				err = h.ctl.Verify(ctx, d.msg)
			case topics.Export:
				err = h.ctl.Export(ctx, d.msg)
			default:
				t.Fatalf("unexpected topic %s", d.topic)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	t.Fatal("bus did not drain")
	return nil
}

const testContexts = `
<xbrli:context id="c1"><xbrli:period><xbrli:instant>2020-03-31</xbrli:instant></xbrli:period></xbrli:context>
<xbrli:unit id="GBP"><xbrli:measure>iso4217:GBP</xbrli:measure></xbrli:unit>`

// filingDoc builds an inline filing with n numeric facts.
func filingDoc(n int) string {
	var b strings.Builder
	b.WriteString(`<html><body><link:schemaRef xlink:href="https://xbrl.frc.org.uk/FRS-102/2014-09-01/FRS-102-2014-09-01.xsd"></link:schemaRef>`)
	b.WriteString(testContexts)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<p><ix:nonFraction name="uk-gaap:Item%d" contextRef="c1" unitRef="GBP">%d,000</ix:nonFraction></p>`, i, i+1)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}
