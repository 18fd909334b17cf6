package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrMissingGitHubToken is returned when no GitHub token is supplied.
var ErrMissingGitHubToken = errors.New("missing github token")

// Repository is a GitHub repository as proxied by the agent server.
type Repository struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	FullName        string     `json:"full_name"`
	Private         bool       `json:"private"`
	StargazersCount int        `json:"stargazers_count"`
	HTMLURL         string     `json:"html_url"`
	DefaultBranch   string     `json:"default_branch"`
	PushedAt        *time.Time `json:"pushed_at,omitempty"`
}

// ListRepositoriesParams contains parameters for ListRepositories.
type ListRepositoriesParams struct {
	Page           int    // 1-based, default 1
	PerPage        int    // default 10
	Sort           string // default "pushed"
	InstallationID *int64
}

func (p ListRepositoriesParams) query() url.Values {
	q := url.Values{}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	perPage := p.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	sort := p.Sort
	if sort == "" {
		sort = "pushed"
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("sort", sort)
	if p.InstallationID != nil {
		q.Set("installation_id", strconv.FormatInt(*p.InstallationID, 10))
	}
	return q
}

// ListRepositories returns one page of the user's repositories.
func (c *Client) ListRepositories(ctx context.Context, githubToken string, params ListRepositoriesParams) ([]Repository, error) {
	if githubToken == "" {
		return nil, ErrMissingGitHubToken
	}

	header := http.Header{}
	header.Set("X-GitHub-Token", githubToken)

	var repos []Repository
	if err := c.get(ctx, "/api/github/repositories", params.query(), header, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// ListAllRepositories pages through repositories until a short page is
// returned or maxPages is reached. maxPages <= 0 means no limit.
func (c *Client) ListAllRepositories(ctx context.Context, githubToken string, params ListRepositoriesParams, maxPages int) ([]Repository, error) {
	if params.Page <= 0 {
		params.Page = 1
	}
	if params.PerPage <= 0 {
		params.PerPage = 10
	}

	var all []Repository
	for pages := 0; maxPages <= 0 || pages < maxPages; pages++ {
		repos, err := c.ListRepositories(ctx, githubToken, params)
		if err != nil {
			return nil, err
		}
		all = append(all, repos...)

		if len(repos) < params.PerPage {
			break
		}
		params.Page++
	}

	return all, nil
}
