package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
)

// DirectoryClient implements service.DirectoryClientInterface against
// the platform directory HTTP API. It is read-only: the approval engine
// uses it for role eligibility checks and approver resolution.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetUserRoles returns the roles a user holds.
func (c *DirectoryClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/roles", c.baseURL, url.PathEscape(userID))

	var resp struct {
		Roles []string `json:"roles"`
	}
	if err := c.getJSON(ctx, endpoint, "user", userID, &resp); err != nil {
		return nil, err
	}
	return resp.Roles, nil
}

// GetUsersWithRole returns user IDs holding the given role.
func (c *DirectoryClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users?role=%s", c.baseURL, url.QueryEscape(role))

	var resp struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := c.getJSON(ctx, endpoint, "role", role, &resp); err != nil {
		return nil, err
	}
	return resp.UserIDs, nil
}

func (c *DirectoryClient) getJSON(ctx context.Context, endpoint, resource, id string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to build directory request")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "directory request failed")
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return apperrors.NotFound(resource, id)
	case res.StatusCode != http.StatusOK:
		return apperrors.Newf(apperrors.CodeInternal, "directory returned status %d", res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to decode directory response")
	}
	return nil
}
