package query

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/messages"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

type Transcription struct {
	Text       string
	Confidence float64
}

// Transcriber is the speech-recognition model.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, locale string) (Transcription, error)
}

type Detection struct {
	Label      string
	Confidence float64
}

// Detector is the crop disease detection model.
type Detector interface {
	Detect(ctx context.Context, image []byte, filename string) (Detection, error)
}

const (
	LabelHealthy = "healthy"
	// MinDetectionConfidence: weaker detections are reported as healthy.
	MinDetectionConfidence = 0.5
)

// DiseaseLabels is the detector's fixed label space.
var DiseaseLabels = []string{
	LabelHealthy,
	"rice_blast",
	"coconut_bud_rot",
	"pepper_quick_wilt",
	"rubber_leaf_fall",
	"banana_bunchy_top",
	"bacterial_leaf_blight",
}

func knownLabel(label string) bool {
	for _, l := range DiseaseLabels {
		if l == label {
			return true
		}
	}
	return false
}

type VoiceSubmission struct {
	FarmerID string
	Audio    []byte
	Filename string
	Locale   string
	Location string
}

type ImageSubmission struct {
	FarmerID string
	Image    []byte
	Filename string
	Locale   string
	Location string
}

// SubmitVoice transcribes the audio and submits the transcript. An empty
// transcription is an input error and a failing speech model is an upstream
// error; in both cases the pipeline does not run.
func (e *Engine) SubmitVoice(ctx context.Context, sub VoiceSubmission) (*Result, error) {
	if len(sub.Audio) == 0 {
		return nil, apperrors.InvalidInput("audio is empty")
	}
	if e.deps.Transcriber == nil {
		return nil, apperrors.InvalidInput("voice queries are not enabled")
	}

	ctx, span := e.tracer.Start(ctx, "stage.transcribe")
	tr, err := e.deps.Transcriber.Transcribe(ctx, sub.Audio, sub.Filename, sub.Locale)
	span.End()
	if err != nil {
		logger.Warn("Transcription failed", zap.String("farmer_id", sub.FarmerID), zap.Error(err))
		return nil, apperrors.Upstream(err, "speech model")
	}
	if strings.TrimSpace(tr.Text) == "" {
		return nil, apperrors.InvalidInput("transcription is empty")
	}

	logger.Debug("Audio transcribed",
		zap.String("farmer_id", sub.FarmerID),
		zap.Float64("confidence", tr.Confidence),
	)
	return e.Submit(ctx, Submission{
		FarmerID:           sub.FarmerID,
		Text:               tr.Text,
		Modality:           models.ModalityVoice,
		ModalityConfidence: tr.Confidence,
		Locale:             sub.Locale,
		Location:           sub.Location,
	})
}

// SubmitImage runs disease detection and submits the canonical question for
// the detected label.
func (e *Engine) SubmitImage(ctx context.Context, sub ImageSubmission) (*Result, error) {
	if len(sub.Image) == 0 {
		return nil, apperrors.InvalidInput("image is empty")
	}
	if e.deps.Detector == nil {
		return nil, apperrors.InvalidInput("image queries are not enabled")
	}

	ctx, span := e.tracer.Start(ctx, "stage.detect")
	det, err := e.deps.Detector.Detect(ctx, sub.Image, sub.Filename)
	span.End()
	if err != nil {
		logger.Warn("Disease detection failed", zap.String("farmer_id", sub.FarmerID), zap.Error(err))
		return nil, apperrors.Upstream(err, "disease detection model")
	}
	if !knownLabel(det.Label) {
		return nil, apperrors.InvalidInput("detector returned unknown label " + det.Label)
	}

	label := det.Label
	if det.Confidence < MinDetectionConfidence {
		label = LabelHealthy
	}
	logger.Debug("Image classified",
		zap.String("farmer_id", sub.FarmerID),
		zap.String("label", label),
		zap.Float64("confidence", det.Confidence),
	)

	locale := sub.Locale
	if !messages.Supported(locale) {
		locale = e.cfg.DefaultLocale
	}
	return e.Submit(ctx, Submission{
		FarmerID:           sub.FarmerID,
		Text:               messages.ImageQuery(locale, label),
		Modality:           models.ModalityImage,
		ModalityConfidence: det.Confidence,
		Locale:             locale,
		Location:           sub.Location,
	})
}
