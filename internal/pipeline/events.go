package pipeline

import "time"

// Event names passed to a PublishFunc.
const (
	EventStoryReady               = "story.ready"
	EventStoryFailed              = "story.failed"
	EventStoryTranscribed         = "story.transcribed"
	EventStoryTranscriptionFailed = "story.transcription_failed"
	EventExportReady              = "export.ready"
	EventExportFailed             = "export.failed"
)

// PublishFunc delivers a pipeline event to subscribers. It must not block.
type PublishFunc func(event string, payload map[string]any)

type publisher struct {
	fn  PublishFunc
	now func() time.Time
}

func (p publisher) publish(event string, payload map[string]any) {
	if p.fn == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["event"] = event
	payload["timestamp"] = p.now().UTC().Format(time.RFC3339)
	p.fn(event, payload)
}
