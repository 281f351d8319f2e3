package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Queue names.
const (
	QueueAudio  = "audio"
	QueueSTT    = "stt"
	QueueExport = "export"
)

var (
	// ErrInvalidAudio marks source audio that cannot be probed or has no duration.
	ErrInvalidAudio = errors.New("pipeline: invalid audio")
	// ErrSourceMissing marks an audio job whose source blob does not exist.
	ErrSourceMissing = errors.New("pipeline: source audio missing")
	// ErrInvalidPayload marks a job payload with missing required fields.
	ErrInvalidPayload = errors.New("pipeline: invalid job payload")
)

// AudioJob asks for an uploaded recording to be made playable.
type AudioJob struct {
	StoryID   string `json:"storyId"`
	AudioKey  string `json:"audioKey"`
	ProjectID string `json:"projectId"`
}

func (j AudioJob) Validate() error {
	if j.StoryID == "" || j.AudioKey == "" {
		return fmt.Errorf("%w: storyId and audioKey are required", ErrInvalidPayload)
	}
	return nil
}

// STTJob asks for a story's canonical audio to be transcribed.
type STTJob struct {
	StoryID    string `json:"storyId"`
	AudioURL   string `json:"audioUrl"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"` // Hz of the canonical audio
}

func (j STTJob) Validate() error {
	if j.StoryID == "" || j.AudioURL == "" {
		return fmt.Errorf("%w: storyId and audioUrl are required", ErrInvalidPayload)
	}
	return nil
}

// ExportJob asks for a project archive to be built for an export request.
type ExportJob struct {
	ProjectID       string `json:"projectId"`
	FacilitatorID   string `json:"facilitatorId"`
	ExportRequestID string `json:"exportRequestId"`
}

func (j ExportJob) Validate() error {
	if j.ProjectID == "" || j.ExportRequestID == "" {
		return fmt.Errorf("%w: projectId and exportRequestId are required", ErrInvalidPayload)
	}
	return nil
}

// sttJobID derives a stable job id for the STT follow-up of an audio
// job, so a redelivered audio job cannot enqueue a second transcription.
func sttJobID(storyID, audioRef string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("stt:"+storyID+":"+audioRef)).String()
}

func canonicalAudioKey(storyID string) string {
	return "stories/" + storyID + "/audio.mp3"
}

func waveformKey(storyID string) string {
	return "stories/" + storyID + "/waveform.json"
}

func exportKey(projectID, exportRequestID string) string {
	return "exports/" + projectID + "/" + exportRequestID + ".zip"
}
