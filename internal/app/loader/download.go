package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/Velora-App/ota_layer/internal/app/domain/bundle"
	"github.com/Velora-App/ota_layer/internal/bundleutil"
	"github.com/Velora-App/ota_layer/internal/engine/events"
)

// LoadBundle downloads the record's source, enhances the record with local
// measurements, persists current state and history, and hands the source to
// the registry when execution is enabled.
//
// A record for a different platform is skipped without any fetch or state
// change. Concurrent calls for the same bundle identity collapse into one
// download.
func (l *Loader) LoadBundle(ctx context.Context, rec *bundle.Record) error {
	if rec == nil {
		return fmt.Errorf("bundle record is required")
	}

	l.mu.Lock()
	settings := l.settings
	l.mu.Unlock()

	if settings.Platform != "" && rec.Platform != settings.Platform {
		l.log.WithFields(map[string]interface{}{
			"bundle_platform": rec.Platform,
			"platform":        settings.Platform,
		}).Debug("skipping bundle for different platform")
		return nil
	}

	_, err, _ := l.group.Do(rec.Key(), func() (interface{}, error) {
		return nil, l.downloadAndInstall(ctx, settings, rec)
	})
	return err
}

func (l *Loader) downloadAndInstall(ctx context.Context, settings bundle.Settings, rec *bundle.Record) error {
	start := time.Now()

	events.NewEvent(events.EventBundleLoading).
		Record(rec).
		Message("downloading bundle").
		LogTo(l.events)

	data, err := l.client.FetchBundle(ctx, settings.ServerURL, rec.BundleURL)
	if err != nil {
		l.log.WithError(err).WithField("bundle_url", rec.BundleURL).Warn("bundle download failed")
		events.NewEvent(events.EventBundleLoadError).
			Record(rec).
			ErrorFrom(err).
			Message("bundle download failed").
			LogTo(l.events)
		return fmt.Errorf("download bundle: %w", err)
	}
	downloadMS := time.Since(start).Milliseconds()
	source := string(data)

	// Server-side timestamp and hash stay untouched: overwriting them with
	// local values would break the next poll's change detection.
	enhanced := rec.Clone()
	enhanced.DownloadedAt = time.Now().UnixMilli()
	enhanced.FileSize = int64(len(data))
	enhanced.LocalHash = bundleutil.ContentHash(source)
	enhanced.Version = bundleutil.ExtractVersion(source)

	l.mu.Lock()
	l.current = enhanced
	l.history = bundle.PushHistory(l.history, enhanced, l.historyCap)
	history := l.history
	l.mu.Unlock()

	l.persist(ctx, keyCurrentBundle, enhanced)
	l.persist(ctx, keyHistory, history)

	if settings.ExecuteBundleEnabled && l.registry != nil {
		if execErr := l.registry.LoadSessionBundle(ctx, source, rec.SessionID); execErr != nil {
			// The registry emitted bundle-execution-error; the download
			// still counts as loaded.
			l.log.WithError(execErr).WithField("session_id", rec.SessionID).
				Warn("bundle execution failed; previous components remain active")
		}
	}

	stats := &bundle.LoadStats{
		FileSize:   enhanced.FileSize,
		DownloadMS: downloadMS,
		TotalMS:    time.Since(start).Milliseconds(),
		Platform:   enhanced.Platform,
	}
	events.NewEvent(events.EventBundleLoaded).
		Record(enhanced).
		Source(source).
		Stats(stats).
		Duration(time.Since(start)).
		Message("bundle loaded").
		LogTo(l.events)

	l.log.WithFields(map[string]interface{}{
		"session_id": enhanced.SessionID,
		"file_size":  enhanced.FileSize,
		"local_hash": enhanced.LocalHash,
		"version":    enhanced.Version,
	}).Info("bundle loaded")
	return nil
}

// ForceReloadAndExecute clears the session layer and re-runs the full
// download/execute procedure for the current record. Used to recover from
// a corrupted session state without waiting for a new server bundle.
func (l *Loader) ForceReloadAndExecute(ctx context.Context) error {
	l.mu.Lock()
	current := l.current
	l.mu.Unlock()

	if current == nil {
		l.log.Warn("force reload requested with no bundle loaded")
		return fmt.Errorf("no bundle has been loaded")
	}

	if l.registry != nil {
		l.registry.ClearSession()
	}
	return l.LoadBundle(ctx, current)
}
