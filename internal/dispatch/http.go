// Package dispatch sends queued actions to the field-service backend.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type route struct {
	method string
	path   string
}

var routes = map[models.ActionType]route{
	models.ActionStatusUpdate:   {http.MethodPatch, "/api/v1/work-orders/%s/status"},
	models.ActionNoteAdd:        {http.MethodPost, "/api/v1/work-orders/%s/notes"},
	models.ActionPhotoUpload:    {http.MethodPost, "/api/v1/work-orders/%s/photos"},
	models.ActionLocationUpdate: {http.MethodPost, "/api/v1/technicians/%s/locations"},
	models.ActionTimeTracking:   {http.MethodPost, "/api/v1/work-orders/%s/time-entries"},
}

// HTTPDispatcher maps each action type onto a REST call.
type HTTPDispatcher struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func NewHTTPDispatcher(cfg config.DispatcherConfig, logger *zerolog.Logger) *HTTPDispatcher {
	l := logging.Component(logger, "dispatcher")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultDispatchTimeout
	}

	d := &HTTPDispatcher{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiExtra:   cfg.APIExtra,
		httpClient: &http.Client{Timeout: timeout},
		logger:     l,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return d
}

// Execute performs the remote operation for action. Responses the backend
// will keep rejecting are wrapped with domain.ErrPermanent.
func (d *HTTPDispatcher) Execute(ctx context.Context, action models.QueuedAction) error {
	r, ok := routes[action.Type]
	if !ok {
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	endpoint := d.baseURL + fmt.Sprintf(r.path, url.PathEscape(action.TargetID))

	var (
		body        io.Reader
		contentType string
		err         error
	)
	if action.Type == models.ActionPhotoUpload {
		body, contentType, err = photoBody(action)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPermanent, err)
		}
	} else {
		payload := action.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		body, contentType = bytes.NewReader(payload), "application/json"
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Idempotency-Key", action.ID)
	d.addHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		d.logger.Debug().
			Str("action_id", action.ID).
			Str("type", string(action.Type)).
			Int("status", resp.StatusCode).
			Msg("Action delivered")
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	if statusErr.Retryable() {
		return statusErr
	}
	return fmt.Errorf("%w: %w", domain.ErrPermanent, statusErr)
}

func (d *HTTPDispatcher) addHeaders(req *http.Request) {
	if d.apiKey != "" {
		req.Header.Set("x-api-key", d.apiKey)
	}
	if d.apiExtra != "" {
		req.Header.Set("x-api-extra", d.apiExtra)
	}
}

func photoBody(action models.QueuedAction) (io.Reader, string, error) {
	var p models.PhotoPayload
	if err := action.DecodePayload(&p); err != nil {
		return nil, "", err
	}
	if p.FileName == "" || len(p.Data) == 0 {
		return nil, "", errors.New("photo payload needs file_name and data")
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, p.FileName))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", err
	}
	if p.Caption != "" {
		if err := w.WriteField("caption", p.Caption); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
