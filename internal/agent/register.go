package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

var ErrRegister = errors.New("agent: control plane registration failed")

// Registration announces this agent to the control plane.
type Registration struct {
	Slug   string `json:"slug"`
	APIURL string `json:"api_url"`
}

// Register posts the agent's identity and reachable API URL to the control
// plane. A non-success response is an error; callers treat it as fatal to
// startup.
func Register(ctx context.Context, client *http.Client, controlPlaneURL string, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlPlaneURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegister, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		diag, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrRegister, resp.StatusCode, bytes.TrimSpace(diag))
	}

	log.Info().Str("slug", reg.Slug).Str("control_plane", controlPlaneURL).Msg("registered with control plane")
	return nil
}
