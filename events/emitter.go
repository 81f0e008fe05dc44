package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sentinel/soar"
)

// Emitter publishes finalized execution records back into the event
// store so responses are visible alongside the events that caused
// them. Emission is best effort; a failed push never affects the
// execution outcome.
type Emitter interface {
	Emit(ctx context.Context, rec *soar.ExecutionRecord) error
}

// LokiEmitter pushes one log line per execution record under the
// service="soar", stream="soar_action" labels.
type LokiEmitter struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewLokiEmitter(baseURL string, logger *zap.SugaredLogger) *LokiEmitter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LokiEmitter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultLokiHTTPTimeout},
		logger:  logger,
	}
}

type lokiPushRequest struct {
	Streams []lokiPushStream `json:"streams"`
}

type lokiPushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (e *LokiEmitter) Emit(ctx context.Context, rec *soar.ExecutionRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode execution record: %w", err)
	}

	payload := lokiPushRequest{
		Streams: []lokiPushStream{{
			Stream: map[string]string{
				"service": "soar",
				"stream":  "soar_action",
			},
			Values: [][2]string{{
				strconv.FormatInt(time.Now().UnixNano(), 10),
				string(line),
			}},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push returned status %d", resp.StatusCode)
	}
	return nil
}

// NopEmitter discards records. Used with file sources and in tests.
type NopEmitter struct{}

func (NopEmitter) Emit(ctx context.Context, rec *soar.ExecutionRecord) error { return nil }
