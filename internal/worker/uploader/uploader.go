// Package uploader is the worker's HTTP client: it requests tasks and
// uploads finished chunks, with bounded exponential backoff on transport
// failures. A successful upload response doubles as the next task descriptor
// so the steady state costs one round trip per chunk.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/compress"
	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/pkg/api"
)

type Config struct {
	// ServerURL is the grid server base URL, e.g. https://grid.example.
	ServerURL string
	// RequestTimeout bounds every HTTP call. Kept aggressive so a stalled
	// transfer is restarted instead of awaited.
	RequestTimeout time.Duration
	// RetryBase is the first retry delay; attempt n sleeps RetryBase*2^n.
	RetryBase time.Duration
	// MaxAttempts is the total attempt ceiling per upload. Zero selects the
	// default of 3; retries are always bounded.
	MaxAttempts uint
}

const defaultMaxAttempts = 3

// Payload is one finished chunk ready for upload.
type Payload struct {
	PGN          string
	Chunk        []byte
	SessionID    string
	NetworkID    string
	DedupToken   string
	CodecVersion uint32
}

// protocolError marks responses that retrying cannot fix: malformed bodies
// and 4xx statuses. Transport failures and 5xx stay retryable.
type protocolError struct {
	status  int
	message string
}

func (err *protocolError) Error() string {
	return fmt.Sprintf("protocol error (status %d): %s", err.status, err.message)
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	request    *api.TaskRequest
}

func New(cfg Config, request *api.TaskRequest) *Client {
	if cfg.MaxAttempts == 0 {
		// retry.Attempts(0) must never reach retry.Do; the attempt loop
		// would not behave as a bounded retry.
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		request:    request,
	}
}

// RequestTask asks the dispatcher for the next task.
func (c *Client) RequestTask(ctx context.Context) (*api.TaskDescriptor, error) {
	body, err := json.Marshal(c.request)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var task *api.TaskDescriptor
	err = c.withRetry(ctx, "task request", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/api/v1/task", bytes.NewReader(body))
		if err != nil {
			return errors.WithStack(err)
		}
		req.Header.Set("Content-Type", "application/json")
		task, err = c.roundTrip(req)
		return err
	})
	return task, err
}

// UploadChunk transmits one chunk and returns the piggybacked next task.
// Transport failures are retried with exponential backoff up to the attempt
// ceiling, then surfaced as *griderrors.ErrUploadAbandoned. The chunk stays
// owned by the caller until a nil error transfers it to the server.
func (c *Client) UploadChunk(ctx context.Context, payload *Payload) (*api.TaskDescriptor, error) {
	body, contentType, err := c.buildBody(payload)
	if err != nil {
		return nil, err
	}

	var task *api.TaskDescriptor
	err = c.withRetry(ctx, "upload", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/api/v1/upload", bytes.NewReader(body))
		if err != nil {
			return errors.WithStack(err)
		}
		req.Header.Set("Content-Type", contentType)
		task, err = c.roundTrip(req)
		return err
	})
	if err != nil {
		if !isRetryable(err) {
			return nil, err
		}
		return nil, errors.WithStack(&griderrors.ErrUploadAbandoned{
			Attempts: int(c.cfg.MaxAttempts),
			LastErr:  err,
		})
	}
	return task, nil
}

func (c *Client) withRetry(ctx context.Context, operation string, do func() error) error {
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			err := do()
			if err != nil && isRetryable(err) && attempt < int(c.cfg.MaxAttempts) {
				log.WithError(err).Warnf("%s attempt %d failed, will retry in %s",
					operation, attempt, backoffDelay(c.cfg.RetryBase, uint(attempt-1)))
			}
			return err
		},
		retry.Attempts(c.cfg.MaxAttempts),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return backoffDelay(c.cfg.RetryBase, n)
		}),
	)
}

// backoffDelay computes base * 2^attempt for attempt numbers starting at 0.
// Strictly increasing in the attempt number.
func backoffDelay(base time.Duration, attempt uint) time.Duration {
	return base << attempt
}

// IsRejected reports whether the server permanently rejected the request,
// e.g. a stale session or a malformed chunk. Retrying or re-queuing the same
// payload cannot succeed.
func IsRejected(err error) bool {
	var protocolErr *protocolError
	return errors.As(err, &protocolErr)
}

func isRetryable(err error) bool {
	var protocolErr *protocolError
	var upgrade *griderrors.ErrUpgradeRequired
	return !errors.As(err, &protocolErr) && !errors.As(err, &upgrade)
}

// roundTrip executes the request and decodes the shared response shape.
// The upgrade marker in the body is checked before anything else: it is
// fatal regardless of status code and must never be retried.
func (c *Client) roundTrip(req *http.Request) (*api.TaskDescriptor, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "transport failure")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	var response api.UploadResponse
	if jsonErr := json.Unmarshal(body, &response); jsonErr == nil && response.UpgradeRequired {
		return nil, errors.WithStack(&griderrors.ErrUpgradeRequired{
			ClientVersion: c.request.ClientVersion,
		})
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if response.NextTask == nil {
			return nil, &protocolError{status: resp.StatusCode, message: "response carried no task descriptor"}
		}
		return response.NextTask, nil
	case resp.StatusCode >= 500:
		return nil, errors.Errorf("server error %d", resp.StatusCode)
	default:
		return nil, &protocolError{status: resp.StatusCode, message: string(body)}
	}
}

func (c *Client) buildBody(payload *Payload) ([]byte, string, error) {
	compressor, err := compress.NewGzipCompressor(gzip.BestSpeed)
	if err != nil {
		return nil, "", err
	}
	compressed, err := compressor.Compress(payload.Chunk)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fields := map[string]string{
		api.FieldPGN:           payload.PGN,
		api.FieldSession:       payload.SessionID,
		api.FieldNetwork:       payload.NetworkID,
		api.FieldDedupToken:    payload.DedupToken,
		api.FieldClientVersion: strconv.Itoa(c.request.ClientVersion),
		api.FieldCodecVersion:  strconv.FormatUint(uint64(payload.CodecVersion), 10),
		api.FieldFingerprint:   c.request.Fingerprint,
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", errors.WithStack(err)
		}
	}
	part, err := writer.CreateFormFile(api.FieldChunk, "chunk.bin")
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	if _, err := part.Write(compressed); err != nil {
		return nil, "", errors.WithStack(err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", errors.WithStack(err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
