package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ExpiredExport is an export archive whose download link has lapsed.
type ExpiredExport struct {
	ID  string
	Key string
}

// ExportIndex lists and retires export archives.
type ExportIndex interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]ExpiredExport, error)
	MarkExpired(ctx context.Context, id string) error
}

// ExportSweeper deletes export archives after their links expire, so
// storage only holds archives that can still be downloaded.
type ExportSweeper struct {
	store    ObjectStore
	index    ExportIndex
	interval time.Duration
	batch    int
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewExportSweeper creates a sweeper that runs every interval.
func NewExportSweeper(store ObjectStore, index ExportIndex, interval time.Duration, log zerolog.Logger) *ExportSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExportSweeper{
		store:    store,
		index:    index,
		interval: interval,
		batch:    100,
		log:      log.With().Str("component", "export-sweeper").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *ExportSweeper) Start() {
	go p.loop()
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (p *ExportSweeper) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *ExportSweeper) loop() {
	defer close(p.done)

	// Run once on startup to clear any backlog from downtime
	p.Sweep(context.Background())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Sweep(context.Background())
		case <-p.stop:
			return
		}
	}
}

// Sweep removes one pass of expired archives and returns how many were
// retired.
func (p *ExportSweeper) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var swept, failed int
	for {
		expired, err := p.index.ListExpired(ctx, time.Now(), p.batch)
		if err != nil {
			p.log.Error().Err(err).Msg("list expired exports failed")
			break
		}
		progressed := false
		for _, e := range expired {
			if e.Key != "" {
				if err := p.store.Delete(ctx, e.Key); err != nil {
					failed++
					p.log.Warn().Err(err).Str("export_id", e.ID).Str("key", e.Key).Msg("delete export archive failed")
					continue
				}
			}
			if err := p.index.MarkExpired(ctx, e.ID); err != nil {
				failed++
				p.log.Warn().Err(err).Str("export_id", e.ID).Msg("mark export expired failed")
				continue
			}
			swept++
			progressed = true
		}
		if len(expired) < p.batch || !progressed {
			break
		}
	}

	if swept > 0 || failed > 0 {
		p.log.Info().
			Int("swept", swept).
			Int("failed", failed).
			Msg("export sweep complete")
	}
	return swept
}
