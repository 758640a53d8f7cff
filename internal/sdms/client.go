package sdms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/pkg/config"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
)

// AuditSink records fetch attempts. Implementations must be best-effort; a
// failed audit write never surfaces to the caller.
type AuditSink interface {
	RecordFetch(ctx context.Context, entry models.SyncLogEntry)
}

// Client wraps the three SDMS lookup endpoints. The remote API is read-only
// and single-record: there are no list or bulk endpoints. Authorization is
// network-level allow-listing, so no auth header is sent.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
	audit       AuditSink
	logger      *zap.Logger
}

// NewClient constructs a Client from configuration.
func NewClient(cfg config.SDMSConfig, audit AuditSink, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		maxAttempts: maxAttempts,
		backoff:     backoff,
		audit:       audit,
		logger:      logger,
	}
}

// FetchStudent looks up a student by student number. A missing record is
// (nil, nil), never an error.
func (c *Client) FetchStudent(ctx context.Context, code string) (*StudentRecord, error) {
	var rec StudentRecord
	found, err := c.getJSON(ctx, "/api/v1/students/"+url.PathEscape(code), "student", code, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// FetchStaff looks up a staff member by staff id.
func (c *Client) FetchStaff(ctx context.Context, id string) (*StaffRecord, error) {
	var rec StaffRecord
	found, err := c.getJSON(ctx, "/api/v1/staff/"+url.PathEscape(id), "staff", id, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// FetchSchool looks up a school with its full hierarchy by school code.
func (c *Client) FetchSchool(ctx context.Context, code string) (*SchoolRecord, error) {
	var rec SchoolRecord
	found, err := c.getJSON(ctx, "/api/v1/schools/"+url.PathEscape(code), "school", code, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// getJSON performs the GET with retry-on-5xx and null-on-404 semantics.
// Every attempt is audited with endpoint, status and latency.
func (c *Client) getJSON(ctx context.Context, path, entity, entityID string, dest interface{}) (bool, error) {
	endpoint := c.baseURL + path

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.wait(ctx, attempt); err != nil {
				return false, appErrors.Wrap(err, appErrors.ErrRemoteUnavailable.Code, appErrors.ErrRemoteUnavailable.Status, "fetch cancelled")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "build request")
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		latency := time.Since(start)
		if err != nil {
			c.recordAttempt(ctx, entity, entityID, endpoint, nil, latency, err)
			lastErr = err
			continue
		}

		status := resp.StatusCode
		c.recordAttempt(ctx, entity, entityID, endpoint, &status, latency, nil)

		switch {
		case status == http.StatusNotFound:
			drain(resp)
			return false, nil
		case status >= http.StatusInternalServerError:
			drain(resp)
			lastErr = fmt.Errorf("remote returned %d", status)
			continue
		case status < http.StatusOK || status >= http.StatusMultipleChoices:
			drain(resp)
			return false, appErrors.Wrap(fmt.Errorf("remote returned %d", status),
				appErrors.ErrRemoteRejected.Code, appErrors.ErrRemoteRejected.Status,
				fmt.Sprintf("%s lookup rejected with status %d", entity, status))
		}

		err = json.NewDecoder(resp.Body).Decode(dest)
		drain(resp)
		if err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrRemoteRejected.Code,
				appErrors.ErrRemoteRejected.Status, "malformed remote response")
		}
		return true, nil
	}

	return false, appErrors.Wrap(lastErr, appErrors.ErrRemoteUnavailable.Code,
		appErrors.ErrRemoteUnavailable.Status,
		fmt.Sprintf("%s lookup failed after %d attempts", entity, c.maxAttempts))
}

// wait sleeps for the exponential backoff step before a retry.
func (c *Client) wait(ctx context.Context, attempt int) error {
	delay := c.backoff << (attempt - 2)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) recordAttempt(ctx context.Context, entity, entityID, endpoint string, status *int, latency time.Duration, attemptErr error) {
	if c.audit == nil {
		return
	}
	entry := models.SyncLogEntry{
		SyncType:   entity,
		EntityID:   entityID,
		Operation:  models.SyncOpFetch,
		Endpoint:   endpoint,
		StatusCode: status,
		DurationMs: latency.Milliseconds(),
	}
	if attemptErr != nil {
		msg := attemptErr.Error()
		entry.Error = &msg
	}
	c.audit.RecordFetch(ctx, entry)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
