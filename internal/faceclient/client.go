package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VerifyResult is the verifier's answer for a 1:1 face check.
type VerifyResult struct {
	StudentID  string
	Verified   bool
	Confidence float64
}

// Client calls the external face verification service. The engine only
// consumes the confidence contract; the service behind it is opaque.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, calls return a fixed high-confidence
// match so the rest of the system can run without the service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Verify checks an evidence image against a student's enrolled encoding.
func (c *Client) Verify(ctx context.Context, studentID, imageURL string) (VerifyResult, error) {
	if c.Skip {
		return VerifyResult{StudentID: studentID, Verified: true, Confidence: 0.92}, nil
	}
	if imageURL == "" {
		return VerifyResult{}, fmt.Errorf("image url required")
	}

	body, _ := json.Marshal(map[string]string{
		"user_id":   studentID,
		"image_url": imageURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return VerifyResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return VerifyResult{}, fmt.Errorf("face service error %s: %s", resp.Status, string(respBody))
	}

	var out struct {
		UserID     string  `json:"user_id"`
		Verified   bool    `json:"verified"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return VerifyResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return VerifyResult{StudentID: out.UserID, Verified: out.Verified, Confidence: out.Confidence}, nil
}

// Health checks if the face service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
