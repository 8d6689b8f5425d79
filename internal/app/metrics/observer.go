package metrics

import (
	"github.com/Velora-App/ota_layer/internal/engine/events"
)

// Observe subscribes to the OTA event stream and translates events into
// metric updates. layerSize reports current session-layer occupancy and may
// be nil. Returning the unsubscribe function lets the caller tie the
// observer's lifetime to the application's.
//
// Keeping metrics on the observer side means neither the loader nor the
// registry knows the metrics package exists; they only emit events.
func Observe(stream events.EventLogger, layerSize func() (components, services int)) func() {
	if stream == nil {
		return func() {}
	}
	return stream.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.EventBundleAvailable:
			RecordPollCheck("new-bundle")
		case events.EventBundleError:
			RecordPollCheck("session-not-found")
		case events.EventBundleLoaded:
			size := int64(0)
			if e.Stats != nil {
				size = e.Stats.FileSize
			}
			RecordDownload("success", size, e.Duration)
		case events.EventBundleLoadError:
			RecordDownload("error", 0, e.Duration)
		case events.EventBundleExecuted:
			RecordExecution("success", e.Duration)
		case events.EventBundleExecutionError:
			RecordExecution("error", e.Duration)
		case events.EventComponentsUpdated:
			if layerSize != nil {
				SetSessionLayerSize(layerSize())
			} else {
				SetSessionLayerSize(e.ComponentsCount, 0)
			}
		case events.EventSessionCleared:
			SetSessionLayerSize(0, 0)
		}
	})
}
