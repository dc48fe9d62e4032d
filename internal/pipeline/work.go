package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/xbrlflow/internal/batch"
	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// Unpack extracts one batch of archive entries into the run's directory and
// hands the written files on for parsing. Entries that cannot be extracted are
// logged and skipped. With the test attribute set the batch is not forwarded.
func (c *Controller) Unpack(ctx context.Context, msg models.Message) error {
	logCtx := c.log.With("zipPath", msg.Attributes[models.AttrZipPath], "directory", msg.Attributes[models.AttrDirectory], "runId", msg.Attributes[models.AttrRunID], "messageId", msg.ID)
	if !c.fresh(logCtx, msg) {
		return nil
	}
	entries, err := models.DecodeEntries(msg.Data)
	if err != nil {
		return err
	}
	zipPath, err := msg.Attr(models.AttrZipPath)
	if err != nil {
		return err
	}
	dir, err := msg.Attr(models.AttrDirectory)
	if err != nil {
		return err
	}

	archive, err := c.openArchive(ctx, zipPath)
	if err != nil {
		return err
	}
	index := make(map[string]*zip.File, len(archive.File))
	for _, f := range archive.File {
		index[f.Name] = f
	}

	written := make([]string, len(entries))
	var eg errgroup.Group
	eg.SetLimit(c.cfg.UnpackConcurrency)
	for i, name := range entries {
		eg.Go(func() error {
			f, ok := index[name]
			if !ok {
				logCtx.Warn("Archive entry not found, skipping.", "entry", name)
				return nil
			}
			data, err := readEntry(f)
			if err != nil {
				logCtx.Warn("Failed to read archive entry, skipping.", "entry", name, "error", err)
				return nil
			}
			dst := path.Join(dir, path.Base(name))
			if err := c.objects.Write(ctx, dst, data); err != nil {
				logCtx.Warn("Failed to write unpacked file, skipping.", "object", dst, "error", err)
				return nil
			}
			written[i] = dst
			return nil
		})
	}
	_ = eg.Wait()

	var files []string
	for _, name := range written {
		if name != "" {
			files = append(files, name)
		}
	}
	logCtx.Info("Unpacked batch.", "written", len(files), "requested", len(entries))

	if msg.Attributes[models.AttrTest] == "true" {
		logCtx.Info("Test run, not forwarding batch to the parser.")
		return nil
	}
	data, err := models.EncodeEntries(files)
	if err != nil {
		return err
	}
	out := models.Message{Data: data, Attributes: models.CloneAttributes(msg.Attributes)}
	if err := c.pub.Publish(ctx, c.cfg.Topics.Parse, out); err != nil {
		return fmt.Errorf("failed to forward unpacked batch to %s: %w", c.cfg.Topics.Parse, err)
	}
	return nil
}

// Parse extracts every file of one batch and appends the rows to the run's table.
// Unreadable files are counted and skipped.
func (c *Controller) Parse(ctx context.Context, msg models.Message) error {
	logCtx := c.log.With("table", msg.Attributes[models.AttrTable], "runId", msg.Attributes[models.AttrRunID], "messageId", msg.ID)
	if !c.fresh(logCtx, msg) {
		return nil
	}
	entries, err := models.DecodeEntries(msg.Data)
	if err != nil {
		return err
	}
	table, err := msg.Attr(models.AttrTable)
	if err != nil {
		return err
	}
	logCtx.Info("Starting batch parse.", "fileCount", len(entries), "workers", c.pool.Workers)

	var mu sync.Mutex
	var total batch.Progress
	err = c.pool.Run(ctx, entries, func(ctx context.Context, worker int, files []string) error {
		acc := batch.NewAccumulator(c.sink, table, batch.AccumulatorConfig{
			FlushThreshold:  c.cfg.FlushThreshold,
			MemoryHighWater: c.cfg.MemoryHighWater,
			MemoryBackoff:   c.cfg.MemoryBackoff,
			Memory:          c.memory,
			Logger:          logCtx.With("worker", worker),
		})
		for _, name := range files {
			filing, err := c.parseFile(ctx, name)
			if err != nil {
				acc.Fail(name, err)
				continue
			}
			if err := acc.Add(ctx, filing); err != nil {
				return err
			}
		}
		if err := acc.Flush(ctx); err != nil {
			return err
		}
		mu.Lock()
		total = total.Add(acc.Progress())
		mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse batch into %s: %w", table, err)
	}

	logCtx.Info("Batch parse complete.",
		"files", total.Files,
		"rows", total.Rows,
		"failed", total.Failed,
		"flushes", total.Flushes,
		"memoryPercent", total.MemoryPercent)
	return nil
}

func (c *Controller) parseFile(ctx context.Context, name string) (*models.Filing, error) {
	r, err := c.objects.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer r.Close()
	return c.parser.Parse(r, name, c.clock.Now())
}

// openArchive reads a whole zip archive from the object store.
func (c *Controller) openArchive(ctx context.Context, zipPath string) (*zip.Reader, error) {
	r, err := c.objects.Open(ctx, zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive %s: %w", zipPath, err)
	}
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read zip directory of %s: %w", zipPath, err)
	}
	return archive, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
