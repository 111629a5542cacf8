package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// UserRef identifies a directory user for person-field values.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LookupUserByEmail resolves an email to a directory user. A user that
// the directory does not know yields (nil, nil), not an error; callers
// persist that as a definitive miss.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (*UserRef, error) {
	query := url.Values{"user_id_type": {"user_id"}}
	payload := map[string]any{"emails": []string{email}}

	data, err := c.doRequestWithRetry(ctx, http.MethodPost, "/open-apis/contact/v3/users/batch_get_id", query, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", email, err)
	}

	var result struct {
		UserList []struct {
			UserID string `json:"user_id"`
			Email  string `json:"email"`
		} `json:"user_list"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse user lookup response: %w", err)
	}

	for _, u := range result.UserList {
		if u.UserID == "" {
			continue
		}
		name := email
		if i := strings.IndexByte(email, '@'); i > 0 {
			name = email[:i]
		}
		return &UserRef{ID: u.UserID, Name: name, Email: email}, nil
	}

	return nil, nil
}
