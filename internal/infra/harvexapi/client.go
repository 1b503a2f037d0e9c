// Package harvexapi is the transport layer for the Harvex batch API. It
// speaks the wire contract (JSON over HTTP plus an SSE progress stream) and
// hands fully validated domain objects to the application layer.
package harvexapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gjovanov/harvex/internal/domain/batch"
	"github.com/gjovanov/harvex/pkg/common"
)

// ErrJobNotFound indicates the server has no job with the requested id.
var ErrJobNotFound = errors.New("job not found")

// APIError represents a non-2xx response from the Harvex API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("harvex api: status %d: %s", e.StatusCode, e.Message)
}

// Client is a wrapper around the Harvex batch API with rate limiting and
// tracing. The REST client carries a request timeout; streaming uses a
// separate client without one so long-lived connections survive.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	rateLimiter  *common.RateLimiter
	tracer       trace.Tracer
}

// NewClient creates a new Harvex API client. httpClient may carry a timeout;
// it is stripped for the streaming path.
func NewClient(
	baseURL string,
	httpClient *http.Client,
	rateLimiter *common.RateLimiter,
	tracer trace.Tracer,
) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		streamClient: &http.Client{Transport: httpClient.Transport},
		rateLimiter:  rateLimiter,
		tracer:       tracer,
	}, nil
}

// jobDTO mirrors the Job JSON representation. Field names are part of the
// wire contract.
type jobDTO struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	TotalUnits     int     `json:"total_units"`
	CompletedUnits int     `json:"completed_units"`
	FailedUnits    int     `json:"failed_units"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at"`
	Label          *string `json:"label"`
}

func (d jobDTO) toDomain() (*batch.Job, error) {
	status := batch.ParseJobStatus(d.Status)
	if status == "" {
		return nil, fmt.Errorf("%w: unknown status %q for job %s", batch.ErrInvalidJob, d.Status, d.ID)
	}

	createdAt, err := parseWireTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: created_at: %w", d.ID, err)
	}
	updatedAt, err := parseWireTime(d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: updated_at: %w", d.ID, err)
	}

	var completedAt time.Time
	if d.CompletedAt != nil && *d.CompletedAt != "" {
		completedAt, err = parseWireTime(*d.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("job %s: completed_at: %w", d.ID, err)
		}
	}

	var label string
	if d.Label != nil {
		label = *d.Label
	}

	return batch.ReconstructJob(
		d.ID, d.Name, status,
		d.TotalUnits, d.CompletedUnits, d.FailedUnits,
		createdAt, updatedAt, completedAt,
		label,
	)
}

func parseWireTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// ProcessAck is the response to starting job processing.
type ProcessAck struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// DeleteAck is the response to deleting a job.
type DeleteAck struct {
	Message      string `json:"message"`
	JobID        string `json:"job_id"`
	FilesRemoved int    `json:"files_removed"`
}

// GetJob fetches a full snapshot of a single job.
func (c *Client) GetJob(ctx context.Context, id string) (*batch.Job, error) {
	ctx, span := c.tracer.Start(ctx, "harvexapi.get_job",
		trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	var dto jobDTO
	if err := c.do(ctx, http.MethodGet, "/job/"+url.PathEscape(id), nil, &dto); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return dto.toDomain()
}

// ListJobs fetches snapshots of all jobs known to the server. Entries that
// fail domain validation are skipped rather than failing the whole list.
func (c *Client) ListJobs(ctx context.Context) ([]*batch.Job, error) {
	ctx, span := c.tracer.Start(ctx, "harvexapi.list_jobs")
	defer span.End()

	var dtos []jobDTO
	if err := c.do(ctx, http.MethodGet, "/job", nil, &dtos); err != nil {
		span.RecordError(err)
		return nil, err
	}

	jobs := make([]*batch.Job, 0, len(dtos))
	for _, dto := range dtos {
		job, err := dto.toDomain()
		if err != nil {
			span.RecordError(err)
			continue
		}
		jobs = append(jobs, job)
	}
	span.SetAttributes(attribute.Int("num_jobs", len(jobs)))
	return jobs, nil
}

// CreateJob creates a new job and returns its initial snapshot
// (status pending, counters zero).
func (c *Client) CreateJob(ctx context.Context, name, label string) (*batch.Job, error) {
	ctx, span := c.tracer.Start(ctx, "harvexapi.create_job",
		trace.WithAttributes(attribute.String("name", name)))
	defer span.End()

	body := struct {
		Name  string  `json:"name"`
		Label *string `json:"label,omitempty"`
	}{Name: name}
	if label != "" {
		body.Label = &label
	}

	var dto jobDTO
	if err := c.do(ctx, http.MethodPost, "/job", body, &dto); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return dto.toDomain()
}

// StartProcessing asks the server to begin processing the job. The server
// transitions the job to processing and starts emitting progress events.
func (c *Client) StartProcessing(ctx context.Context, id string) (ProcessAck, error) {
	ctx, span := c.tracer.Start(ctx, "harvexapi.start_processing",
		trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	var ack ProcessAck
	if err := c.do(ctx, http.MethodPost, "/job/"+url.PathEscape(id)+"/process", nil, &ack); err != nil {
		span.RecordError(err)
		return ProcessAck{}, err
	}
	return ack, nil
}

// DeleteJob deletes the job and its files on the server.
func (c *Client) DeleteJob(ctx context.Context, id string) (DeleteAck, error) {
	ctx, span := c.tracer.Start(ctx, "harvexapi.delete_job",
		trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	var ack DeleteAck
	if err := c.do(ctx, http.MethodDelete, "/job/"+url.PathEscape(id), nil, &ack); err != nil {
		span.RecordError(err)
		return DeleteAck{}, err
	}
	return ack, nil
}

// do executes a single JSON request against the API, honoring the shared
// rate limiter.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
