package httpclient

import (
	"context"
	"net/http"
)

// Profile is the user's public profile record on the backend
type Profile struct {
	LeetcodeID string `json:"leetcode_id,omitempty"`
	GithubID   string `json:"github_id,omitempty"`
	LinkedinID string `json:"linkedin_id,omitempty"`
}

// Profiles wraps the /profiles resource
type Profiles struct {
	client *Client
}

// NewProfiles returns the profile service of an API client
func NewProfiles(client *Client) *Profiles {
	return &Profiles{client: client}
}

// Get returns the signed-in user's profile
func (p *Profiles) Get(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := p.client.GetJSON(ctx, "/profiles/me/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update patches the signed-in user's profile
func (p *Profiles) Update(ctx context.Context, changes Profile) (map[string]any, error) {
	var out map[string]any
	if err := p.client.DoJSON(ctx, http.MethodPatch, "/profiles/me/", changes, &out); err != nil {
		return nil, err
	}
	return out, nil
}
