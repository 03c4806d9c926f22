// Package bundle builds support bundles: a gzip tarball holding a session's
// event log, a task summary, and its artifacts with secrets redacted. The
// redaction happens while writing the bundle; stored artifacts are never
// modified.
package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/codesdk/codesdk/internal/artifact"
	"github.com/codesdk/codesdk/internal/events/store"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// Options selects what goes into the bundle.
type Options struct {
	SessionID string

	// TaskID narrows the bundle to one task. Empty includes the whole session.
	TaskID string

	// Redact transforms artifact bytes as they are written into the bundle.
	// Defaults to RedactSecrets.
	Redact func([]byte) []byte
}

var secretPattern = regexp.MustCompile(
	`(?i)("?(?:api[_-]?key|authorization|token|secret|password)"?\s*[:=]\s*"?)([^"\s,}]+)`)

// RedactSecrets masks values of credential-looking keys, preserving length so
// offsets in the surrounding data stay meaningful.
func RedactSecrets(p []byte) []byte {
	return secretPattern.ReplaceAllFunc(p, func(m []byte) []byte {
		sub := secretPattern.FindSubmatch(m)
		out := append([]byte{}, sub[1]...)
		return append(out, bytes.Repeat([]byte("*"), len(sub[2]))...)
	})
}

// Write streams the bundle tarball to w.
func Write(ctx context.Context, w io.Writer, events *store.Store, artifacts *artifact.Store, opts Options) error {
	if opts.SessionID == "" {
		return fmt.Errorf("bundle: session id is required")
	}
	if opts.Redact == nil {
		opts.Redact = RedactSecrets
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	now := time.Now().UTC()

	evs, err := listEvents(ctx, events, opts)
	if err != nil {
		return fmt.Errorf("bundle: list events: %w", err)
	}

	var lines bytes.Buffer
	for _, ev := range evs {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("bundle: encode event seq %d: %w", ev.Seq, err)
		}
		lines.Write(raw)
		lines.WriteByte('\n')
	}
	if err := writeEntry(tw, "events.jsonl", lines.Bytes(), now); err != nil {
		return err
	}

	summary := map[string]any{
		"session_id":   opts.SessionID,
		"generated_at": now.Format(time.RFC3339),
		"event_count":  len(evs),
	}
	if len(evs) > 0 {
		summary["last_seq"] = evs[len(evs)-1].Seq
	}
	if opts.TaskID != "" {
		summary["task_id"] = opts.TaskID
		status, _, err := events.TaskStatus(ctx, opts.SessionID, opts.TaskID)
		if err == nil {
			summary["task_status"] = status
		}
	}
	summaryBytes, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: encode summary: %w", err)
	}
	if err := writeEntry(tw, "summary.json", summaryBytes, now); err != nil {
		return err
	}

	metas, err := artifacts.ListBySession(opts.SessionID, opts.TaskID)
	if err != nil {
		return fmt.Errorf("bundle: list artifacts: %w", err)
	}
	for _, meta := range metas {
		data, _, err := artifacts.Get(meta.ArtifactID)
		if err != nil {
			continue
		}
		metaBytes, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return fmt.Errorf("bundle: encode artifact meta: %w", err)
		}
		if err := writeEntry(tw, "artifacts/"+meta.ArtifactID+".json", metaBytes, now); err != nil {
			return err
		}
		if err := writeEntry(tw, "artifacts/"+meta.ArtifactID+".bin", opts.Redact(data), now); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("bundle: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("bundle: close gzip: %w", err)
	}
	return nil
}

func listEvents(ctx context.Context, events *store.Store, opts Options) ([]*v1.Event, error) {
	if opts.TaskID != "" {
		return events.ListByTask(ctx, opts.SessionID, opts.TaskID, 0, 0)
	}
	return events.List(ctx, opts.SessionID, 0, 0)
}

func writeEntry(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: mod,
	}); err != nil {
		return fmt.Errorf("bundle: write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("bundle: write %s: %w", name, err)
	}
	return nil
}
