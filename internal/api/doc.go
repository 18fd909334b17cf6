// Package api provides a client for the agent server's REST endpoints.
//
// Endpoints:
//   - GET /health
//   - GET /api/github/repositories (proxied to GitHub with X-GitHub-Token)
//
// Requests are retried with jittered exponential backoff on 5xx and 429.
package api
