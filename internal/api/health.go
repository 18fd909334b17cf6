package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Health checks that the agent server is reachable and reports OK.
// It is not retried.
func (c *Client) Health(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}

	// The server answers with a JSON string literal.
	status := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if status != "OK" {
		return fmt.Errorf("unexpected health status %q", status)
	}
	return nil
}
