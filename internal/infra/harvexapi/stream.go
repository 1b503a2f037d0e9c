package harvexapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gjovanov/harvex/internal/domain/batch"
)

// progressEventDTO mirrors the progress event JSON carried on the SSE stream.
// Field names are part of the wire contract.
type progressEventDTO struct {
	JobID     string  `json:"job_id"`
	UnitID    *string `json:"unit_id"`
	UnitName  *string `json:"unit_name"`
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
}

// ProgressStream is one live SSE connection to a job's progress channel.
// It is owned by the subscription manager and must be closed exactly once
// the owner is done with it; Close is idempotent.
type ProgressStream struct {
	jobID   string
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	closeErr  error
}

// StreamProgress opens the job's progress stream. The returned stream stays
// open until Close is called, ctx is canceled, the server closes it, or the
// transport fails.
func (c *Client) StreamProgress(ctx context.Context, jobID string) (*ProgressStream, error) {
	ctx, span := c.tracer.Start(ctx, "harvexapi.stream_progress",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/job/"+url.PathEscape(jobID)+"/progress", nil)
	if err != nil {
		return nil, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("opening progress stream for job %s: %w", jobID, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrJobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "opening progress stream"}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q for progress stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	return &ProgressStream{
		jobID:   jobID,
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

// Recv blocks until the next well-formed progress event arrives. Malformed
// payloads and events for other jobs are skipped without closing the stream.
// It returns io.EOF when the server closes the stream and a transport error
// otherwise.
func (s *ProgressStream) Recv() (batch.ProgressEvent, error) {
	var data strings.Builder

	for s.scanner.Scan() {
		line := s.scanner.Text()

		switch {
		case line == "":
			// Blank line terminates one SSE message.
			if data.Len() == 0 {
				continue
			}
			evt, ok := s.decode(data.String())
			data.Reset()
			if ok {
				return evt, nil
			}

		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(payload)

		default:
			// Comments (":keepalive") and other SSE fields (event:, id:,
			// retry:) carry nothing we consume.
		}
	}

	if err := s.scanner.Err(); err != nil {
		return batch.ProgressEvent{}, fmt.Errorf("reading progress stream for job %s: %w", s.jobID, err)
	}
	return batch.ProgressEvent{}, io.EOF
}

// decode parses one SSE data payload. Malformed payloads and cross-job
// leakage are dropped silently per the error-handling contract.
func (s *ProgressStream) decode(payload string) (batch.ProgressEvent, bool) {
	var dto progressEventDTO
	if err := json.Unmarshal([]byte(payload), &dto); err != nil {
		return batch.ProgressEvent{}, false
	}
	if dto.JobID != s.jobID {
		return batch.ProgressEvent{}, false
	}

	var unitID, unitName string
	if dto.UnitID != nil {
		unitID = *dto.UnitID
	}
	if dto.UnitName != nil {
		unitName = *dto.UnitName
	}

	return batch.NewProgressEvent(
		dto.JobID, unitID, unitName,
		dto.Status, dto.Message,
		dto.Processed, dto.Failed, dto.Total,
	), true
}

// Close tears down the underlying connection. Safe to call multiple times
// and concurrently with Recv; a blocked Recv unblocks with an error.
func (s *ProgressStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// JobID returns the id of the job this stream belongs to.
func (s *ProgressStream) JobID() string { return s.jobID }
