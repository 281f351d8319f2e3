package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1p1beta1"
	"cloud.google.com/go/speech/apiv1p1beta1/speechpb"
	"google.golang.org/api/option"
)

// recognizer is the subset of the Cloud Speech client the provider uses.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)
	Close() error
}

type speechClient struct {
	c *speech.Client
}

func (s speechClient) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return s.c.Recognize(ctx, req)
}

func (s speechClient) LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := s.c.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (s speechClient) Close() error { return s.c.Close() }

// googleInlineLimit is the largest audio Cloud Speech accepts as inline
// content. Larger audio must be referenced by a gs:// URI.
const googleInlineLimit = 10 << 20

// GoogleProvider calls Google Cloud Speech-to-Text. It uses the v1p1beta1
// surface, which accepts MP3 input.
type GoogleProvider struct {
	rec    recognizer
	client *http.Client
}

// NewGoogleProvider creates a Cloud Speech client. With an empty
// credentialsFile, Application Default Credentials are used.
func NewGoogleProvider(ctx context.Context, credentialsFile string, timeout time.Duration) (*GoogleProvider, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &GoogleProvider{
		rec:    speechClient{c: c},
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (g *GoogleProvider) Name() string { return "google" }

func (g *GoogleProvider) IsAvailable(ctx context.Context) bool {
	return g.rec != nil
}

// Close releases the underlying gRPC connection.
func (g *GoogleProvider) Close() error {
	if g.rec == nil {
		return nil
	}
	return g.rec.Close()
}

// Transcribe uses synchronous recognition for short audio and a
// long-running operation otherwise. Audio in Cloud Storage is passed by
// gs:// URI; any other URL is downloaded and sent inline.
func (g *GoogleProvider) Transcribe(ctx context.Context, audioURL string, cfg RecognitionConfig) (*Result, error) {
	audio, err := g.recognitionAudio(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	pbcfg, err := googleConfig(cfg)
	if err != nil {
		return nil, err
	}

	var results []*speechpb.SpeechRecognitionResult
	if cfg.LongRunning {
		resp, err := g.rec.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{Config: pbcfg, Audio: audio})
		if err != nil {
			return nil, fmt.Errorf("long running recognize: %w", err)
		}
		results = resp.GetResults()
	} else {
		resp, err := g.rec.Recognize(ctx, &speechpb.RecognizeRequest{Config: pbcfg, Audio: audio})
		if err != nil {
			return nil, fmt.Errorf("recognize: %w", err)
		}
		results = resp.GetResults()
	}
	return googleResult(results, cfg.EnableSpeakerDiarization), nil
}

func (g *GoogleProvider) recognitionAudio(ctx context.Context, audioURL string) (*speechpb.RecognitionAudio, error) {
	if uri, ok := gcsURI(audioURL); ok {
		return &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: uri},
		}, nil
	}
	data, _, err := fetchAudio(ctx, g.client, audioURL)
	if err != nil {
		return nil, err
	}
	if len(data) > googleInlineLimit {
		return nil, fmt.Errorf("audio is %d bytes, inline limit is %d; serve it from Cloud Storage", len(data), googleInlineLimit)
	}
	return &speechpb.RecognitionAudio{
		AudioSource: &speechpb.RecognitionAudio_Content{Content: data},
	}, nil
}

// gcsURI maps a Cloud Storage URL (gs://, path-style or virtual-host
// https) to the gs:// form. Signed URLs are left alone.
func gcsURI(audioURL string) (string, bool) {
	if strings.HasPrefix(audioURL, "gs://") {
		return audioURL, true
	}
	u, err := url.Parse(audioURL)
	if err != nil || u.Scheme != "https" || u.RawQuery != "" {
		return "", false
	}
	p := strings.TrimPrefix(u.Path, "/")
	switch {
	case u.Host == "storage.googleapis.com":
		if bucket, key, ok := strings.Cut(p, "/"); ok && bucket != "" && key != "" {
			return "gs://" + bucket + "/" + key, true
		}
	case strings.HasSuffix(u.Host, ".storage.googleapis.com"):
		bucket := strings.TrimSuffix(u.Host, ".storage.googleapis.com")
		if p != "" {
			return "gs://" + bucket + "/" + p, true
		}
	}
	return "", false
}

func googleConfig(cfg RecognitionConfig) (*speechpb.RecognitionConfig, error) {
	enc, err := googleEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	pb := &speechpb.RecognitionConfig{
		Encoding:                   enc,
		SampleRateHertz:            int32(cfg.SampleRateHertz),
		LanguageCode:               cfg.LanguageCode,
		AlternativeLanguageCodes:   cfg.AlternativeLanguageCodes,
		MaxAlternatives:            int32(cfg.MaxAlternatives),
		EnableWordTimeOffsets:      cfg.EnableWordTimeOffsets,
		EnableWordConfidence:       cfg.EnableWordConfidence,
		EnableAutomaticPunctuation: cfg.EnableAutomaticPunctuation,
		Model:                      cfg.Model,
	}
	if cfg.EnableSpeakerDiarization {
		pb.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          int32(cfg.MinSpeakerCount),
			MaxSpeakerCount:          int32(cfg.MaxSpeakerCount),
		}
	}
	return pb, nil
}

func googleEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "":
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, nil
	case EncodingLinear16:
		return speechpb.RecognitionConfig_LINEAR16, nil
	case EncodingFLAC:
		return speechpb.RecognitionConfig_FLAC, nil
	case EncodingMulaw:
		return speechpb.RecognitionConfig_MULAW, nil
	case EncodingAMR:
		return speechpb.RecognitionConfig_AMR, nil
	case EncodingAMRWB:
		return speechpb.RecognitionConfig_AMR_WB, nil
	case EncodingOggOpus:
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case EncodingWebMOpus:
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	case EncodingMP3:
		return speechpb.RecognitionConfig_MP3, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

// googleResult flattens per-segment results into one Result. With
// diarization on, the last result repeats every word with its speaker tag,
// so words come from there instead of the per-segment alternatives.
func googleResult(results []*speechpb.SpeechRecognitionResult, diarized bool) *Result {
	res := emptyResult()
	segments := results
	var summary *speechpb.SpeechRecognitionResult
	if diarized && len(results) > 0 {
		summary = results[len(results)-1]
		if len(results) > 1 {
			segments = results[:len(results)-1]
		}
	}

	var parts []string
	var confSum float64
	var confN int
	for _, r := range segments {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		top := alts[0]
		if t := strings.TrimSpace(top.GetTranscript()); t != "" {
			parts = append(parts, t)
			confSum += float64(top.GetConfidence())
			confN++
		}
		if res.Language == "" {
			res.Language = r.GetLanguageCode()
		}
		for _, alt := range alts[1:] {
			res.Alternatives = append(res.Alternatives, Alternative{
				Transcript: strings.TrimSpace(alt.GetTranscript()),
				Confidence: clampConfidence(float64(alt.GetConfidence())),
			})
		}
		if summary == nil {
			res.Words = append(res.Words, googleWords(top.GetWords())...)
		}
	}

	if summary != nil {
		if alts := summary.GetAlternatives(); len(alts) > 0 {
			res.Words = append(res.Words, googleWords(alts[0].GetWords())...)
			for _, wi := range alts[0].GetWords() {
				res.SpeakerTags = append(res.SpeakerTags, int(wi.GetSpeakerTag()))
			}
		}
	}

	res.Transcript = strings.Join(parts, " ")
	if confN > 0 {
		res.Confidence = clampConfidence(confSum / float64(confN))
	}
	return res
}

func googleWords(infos []*speechpb.WordInfo) []Word {
	words := make([]Word, 0, len(infos))
	for _, wi := range infos {
		w := Word{
			Word:      wi.GetWord(),
			StartTime: secondsFromDuration(wi.GetStartTime()),
			EndTime:   secondsFromDuration(wi.GetEndTime()),
		}
		if c := wi.GetConfidence(); c > 0 {
			w.Confidence = confidencePtr(float64(c))
		}
		words = append(words, w)
	}
	return words
}
