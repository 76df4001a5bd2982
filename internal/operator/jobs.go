package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/niahq/nia/internal/roomurl"
	"github.com/niahq/nia/pkg/models"
)

// JobLauncher materializes cold workers. Production talks to the
// container-job API; tests and dev mode substitute fakes.
type JobLauncher interface {
	Launch(ctx context.Context, env *models.LaunchEnvelope) (jobName string, err error)
	Delete(ctx context.Context, jobName string) error
	Exists(ctx context.Context, jobName string) (bool, error)
}

// ContainerJobClient drives the container-job HTTP API. The launch
// envelope is projected into environment variables so the runner
// process can reconstruct it without a queue round-trip.
type ContainerJobClient struct {
	baseURL string
	image   string
	ttl     time.Duration
	http    *http.Client
}

// NewContainerJobClient builds a client for the job API.
func NewContainerJobClient(baseURL, image string, ttl time.Duration) *ContainerJobClient {
	return &ContainerJobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		image:   image,
		ttl:     ttl,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// jobNameFor derives a stable-prefix, unique job name from the room.
func jobNameFor(env *models.LaunchEnvelope) string {
	_, hash, err := roomurl.CanonicalHash(env.RoomURL, false)
	if err != nil {
		hash = "unknown"
	}
	return fmt.Sprintf("nia-session-%s-%s", hash, uuid.NewString()[:8])
}

// EnvVarsFor projects a launch envelope into the environment a cold
// runner boots from.
func EnvVarsFor(env *models.LaunchEnvelope) map[string]string {
	vars := map[string]string{
		"NIA_ROOM_URL":       env.RoomURL,
		"NIA_PERSONALITY_ID": env.PersonalityID,
		"NIA_SESSION_ID":     env.SessionID,
	}
	if env.Persona != "" {
		vars["NIA_PERSONA"] = env.Persona
	}
	if env.TenantID != "" {
		vars["NIA_TENANT_ID"] = env.TenantID
	}
	if env.Token != "" {
		vars["NIA_ROOM_TOKEN"] = env.Token
	}
	if env.SessionUserID != "" {
		vars["NIA_SESSION_USER_ID"] = env.SessionUserID
	}
	if env.SessionUserName != "" {
		vars["NIA_SESSION_USER_NAME"] = env.SessionUserName
	}
	if env.DebugTraceID != "" {
		vars["NIA_DEBUG_TRACE_ID"] = env.DebugTraceID
	}
	if len(env.SupportedFeatures) > 0 {
		vars["NIA_SUPPORTED_FEATURES"] = strings.Join(env.SupportedFeatures, ",")
	}
	if len(env.ModeConfig) > 0 {
		if data, err := json.Marshal(env.ModeConfig); err == nil {
			vars["NIA_MODE_CONFIG"] = string(data)
		}
	}
	return vars
}

// Launch creates a job running the session runner image.
func (c *ContainerJobClient) Launch(ctx context.Context, env *models.LaunchEnvelope) (string, error) {
	name := jobNameFor(env)
	body := map[string]interface{}{
		"name":                       name,
		"image":                      c.image,
		"env":                        EnvVarsFor(env),
		"ttl_seconds_after_finished": int(c.ttl.Seconds()),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("operator: marshal job spec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("operator: build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("operator: create job %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("operator: create job %s: status %d", name, resp.StatusCode)
	}
	return name, nil
}

// Delete removes a job. Missing jobs are not an error.
func (c *ContainerJobClient) Delete(ctx context.Context, jobName string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/jobs/"+jobName, nil)
	if err != nil {
		return fmt.Errorf("operator: build delete request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("operator: delete job %s: %w", jobName, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("operator: delete job %s: status %d", jobName, resp.StatusCode)
	}
	return nil
}

// Exists reports whether the job is still known to the API.
func (c *ContainerJobClient) Exists(ctx context.Context, jobName string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobName, nil)
	if err != nil {
		return false, fmt.Errorf("operator: build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("operator: job status %s: %w", jobName, err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("operator: job status %s: status %d", jobName, resp.StatusCode)
	}
	return true, nil
}
