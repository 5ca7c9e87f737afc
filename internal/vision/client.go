// Package vision calls the crop disease detection model service.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/query"
	"github.com/krishi-officer/backend/pkg/circuitbreaker"
	"github.com/krishi-officer/backend/pkg/logger"
)

const maxResponseBytes = 64 << 10

type Client struct {
	endpoint   string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

var _ query.Detector = (*Client)(nil)

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		cb: circuitbreaker.New("vision", circuitbreaker.Config{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 1,
			SuccessThreshold: 2,
			OnStateChange:    metrics.ObserveBreaker,
			Logger:           logger.GetLogger(),
		}),
	}
}

type detectResponse struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// Detect uploads the image as multipart field "image" and expects
// {"label": string, "confidence": number}.
func (c *Client) Detect(ctx context.Context, image []byte, filename string) (query.Detection, error) {
	if filename == "" {
		filename = "crop.jpg"
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return query.Detection{}, eris.Wrap(err, "failed to build upload")
	}
	if _, err := part.Write(image); err != nil {
		return query.Detection{}, eris.Wrap(err, "failed to build upload")
	}
	if err := w.Close(); err != nil {
		return query.Detection{}, eris.Wrap(err, "failed to build upload")
	}

	var det query.Detection
	err = c.cb.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body.Bytes()))
		if err != nil {
			return eris.Wrap(err, "failed to create request")
		}
		req.Header.Set("Content-Type", w.FormDataContentType())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return eris.Wrap(err, "failed to call detection service")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("detection service returned status %d", resp.StatusCode)
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return eris.Wrap(err, "failed to read response")
		}
		var dr detectResponse
		if err := json.Unmarshal(raw, &dr); err != nil {
			return eris.Wrap(err, "failed to parse response")
		}
		if dr.Label == "" || dr.Confidence == nil {
			return eris.New("detection response is missing label or confidence")
		}
		det = query.Detection{Label: dr.Label, Confidence: *dr.Confidence}
		return nil
	})
	if err != nil {
		return query.Detection{}, err
	}

	logger.Debug("Disease detected", zap.String("label", det.Label), zap.Float64("confidence", det.Confidence))
	return det, nil
}
