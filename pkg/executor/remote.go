package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/occusoft/occuplan/pkg/log"
)

type RemoteConfig struct {
	// BaseURL is the compute service root, e.g. http://compute:8090.
	BaseURL string `yaml:"base_url"`
	// Timeout bounds each submit/terminate round trip.
	Timeout time.Duration `yaml:"timeout"`
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// Remote submits chunk jobs to an external compute service over HTTP.
//
//	POST   {base}/api/v1/jobs        -> 201 {"job_ref": "..."}
//	DELETE {base}/api/v1/jobs/{ref}  -> 204, or 404 when unknown
type Remote struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote executor base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		client:  &http.Client{Timeout: timeout},
		logger:  log.WithComponent("remote-executor"),
	}, nil
}

type submitRequest struct {
	JobType        string `json:"job_type"`
	ChunkID        int64  `json:"chunk_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type submitResponse struct {
	JobRef string `json:"job_ref"`
}

func (r *Remote) Submit(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(submitRequest{
		JobType:        string(job.Type),
		ChunkID:        job.ChunkID,
		IdempotencyKey: job.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submit job: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.JobRef == "" {
		return "", fmt.Errorf("submit response missing job_ref")
	}
	return sr.JobRef, nil
}

func (r *Remote) Terminate(ctx context.Context, jobRef string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		r.baseURL+"/api/v1/jobs/"+jobRef, nil)
	if err != nil {
		return false
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_ref", jobRef).Msg("Terminate request failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}
