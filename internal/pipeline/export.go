package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/database"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/storage"
	"golang.org/x/sync/errgroup"
)

// DefaultExportLinkTTL is how long an export download link stays valid.
const DefaultExportLinkTTL = 24 * time.Hour

type ExportWorkerOptions struct {
	Store          storage.ObjectStore
	Projects       ProjectSource
	ExportRequests ExportRequestStore
	LinkTTL        time.Duration
	FetchWorkers   int
	Publish        PublishFunc
	Log            zerolog.Logger
}

// ExportWorker packages a project's stories into a downloadable archive.
type ExportWorker struct {
	opts ExportWorkerOptions
	pub  publisher
	now  func() time.Time
	log  zerolog.Logger
}

func NewExportWorker(opts ExportWorkerOptions) *ExportWorker {
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = DefaultExportLinkTTL
	}
	if opts.FetchWorkers < 1 {
		opts.FetchWorkers = 4
	}
	return &ExportWorker{
		opts: opts,
		pub:  publisher{fn: opts.Publish, now: time.Now},
		now:  time.Now,
		log:  opts.Log.With().Str("component", "export-worker").Logger(),
	}
}

// Handle is the export queue handler. Every failure leaves the export
// request in failed; a later retry that succeeds moves it to ready.
func (w *ExportWorker) Handle(ctx context.Context, job *queue.Job) error {
	var p ExportJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(fmt.Errorf("decode export job: %w", err))
	}
	if err := p.Validate(); err != nil {
		return queue.Permanent(err)
	}
	log := w.log.With().
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Str("export_request_id", p.ExportRequestID).
		Str("project_id", p.ProjectID).
		Logger()

	if err := w.run(ctx, log, p); err != nil {
		w.markFailed(ctx, log, p, err)
		return err
	}
	return nil
}

func (w *ExportWorker) run(ctx context.Context, log zerolog.Logger, p ExportJob) error {
	err := w.opts.ExportRequests.Update(ctx, p.ExportRequestID, database.ExportRequestUpdate{
		Status: strPtr(database.ExportProcessing),
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("export request %s: %w", p.ExportRequestID, err))
		}
		return fmt.Errorf("mark processing: %w", err)
	}

	snap, err := w.opts.Projects.ProjectExport(ctx, p.ProjectID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("project %s: %w", p.ProjectID, err))
		}
		return fmt.Errorf("load project: %w", err)
	}

	archive, err := w.buildArchive(ctx, p, snap)
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}

	key := exportKey(p.ProjectID, p.ExportRequestID)
	ref, err := w.opts.Store.Upload(ctx, key, archive, "application/zip", map[string]string{
		"project-id":        p.ProjectID,
		"export-request-id": p.ExportRequestID,
	})
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	url, err := w.opts.Store.PresignGet(ctx, ref, w.opts.LinkTTL)
	if err != nil {
		return fmt.Errorf("sign download url: %w", err)
	}
	expiresAt := w.now().Add(w.opts.LinkTTL).UTC()

	err = w.opts.ExportRequests.Update(ctx, p.ExportRequestID, database.ExportRequestUpdate{
		Status:       strPtr(database.ExportReady),
		ObjectKey:    &ref,
		DownloadURL:  &url,
		ExpiresAt:    &expiresAt,
		ErrorMessage: strPtr(""),
	})
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	log.Info().
		Str("key", ref).
		Int("stories", len(snap.Stories)).
		Int("bytes", len(archive)).
		Time("expires_at", expiresAt).
		Msg("export ready")
	w.pub.publish(EventExportReady, map[string]any{
		"exportRequestId": p.ExportRequestID,
		"projectId":       p.ProjectID,
		"facilitatorId":   p.FacilitatorID,
		"downloadUrl":     url,
		"expiresAt":       expiresAt.Format(time.RFC3339),
	})
	return nil
}

type manifest struct {
	ExportRequestID string           `json:"exportRequestId"`
	FacilitatorID   string           `json:"facilitatorId"`
	GeneratedAt     time.Time        `json:"generatedAt"`
	Project         database.Project `json:"project"`
	Stories         []manifestStory  `json:"stories"`
}

type manifestStory struct {
	database.ExportStory
	AudioFile      string `json:"audioFile,omitempty"`
	TranscriptFile string `json:"transcriptFile,omitempty"`
	AudioMissing   bool   `json:"audioMissing,omitempty"`
}

// buildArchive writes manifest.json plus per-story transcript and audio
// files. Story audio is fetched concurrently before the zip is written.
func (w *ExportWorker) buildArchive(ctx context.Context, p ExportJob, snap *database.ProjectExport) ([]byte, error) {
	audio := make([][]byte, len(snap.Stories))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.FetchWorkers)
	for i, s := range snap.Stories {
		if s.AudioRef == nil || *s.AudioRef == "" {
			continue
		}
		ref := *s.AudioRef
		g.Go(func() error {
			data, err := w.fetch(gctx, ref)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch %s: %w", ref, err)
			}
			audio[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := manifest{
		ExportRequestID: p.ExportRequestID,
		FacilitatorID:   p.FacilitatorID,
		GeneratedAt:     w.now().UTC(),
		Project:         snap.Project,
		Stories:         make([]manifestStory, len(snap.Stories)),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, s := range snap.Stories {
		ms := manifestStory{ExportStory: s}
		dir := "stories/" + s.ID + "/"
		if s.Transcript != nil && *s.Transcript != "" {
			ms.TranscriptFile = dir + "transcript.txt"
			if err := writeEntry(zw, ms.TranscriptFile, zip.Deflate, []byte(*s.Transcript)); err != nil {
				return nil, err
			}
		}
		if audio[i] != nil {
			ms.AudioFile = dir + "audio.mp3"
			if err := writeEntry(zw, ms.AudioFile, zip.Store, audio[i]); err != nil {
				return nil, err
			}
		} else if s.AudioRef != nil && *s.AudioRef != "" {
			ms.AudioMissing = true
		}
		m.Stories[i] = ms
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeEntry(zw, "manifest.json", zip.Deflate, raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *ExportWorker) fetch(ctx context.Context, key string) ([]byte, error) {
	rc, err := w.opts.Store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func writeEntry(zw *zip.Writer, name string, method uint16, data []byte) error {
	f, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}

func (w *ExportWorker) markFailed(ctx context.Context, log zerolog.Logger, p ExportJob, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := w.opts.ExportRequests.Update(ctx, p.ExportRequestID, database.ExportRequestUpdate{
		Status:       strPtr(database.ExportFailed),
		ErrorMessage: strPtr(cause.Error()),
	})
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		log.Error().Err(err).Msg("failed to mark export failed")
	}
	log.Error().Err(cause).Msg("export failed")
	w.pub.publish(EventExportFailed, map[string]any{
		"exportRequestId": p.ExportRequestID,
		"projectId":       p.ProjectID,
		"facilitatorId":   p.FacilitatorID,
		"error":           cause.Error(),
	})
}
