package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ResolveWikiToken exchanges a wiki node token for the bitable app token
// behind it. Results are memoized; a wiki token never changes its target.
func (c *Client) ResolveWikiToken(ctx context.Context, wikiToken string) (string, error) {
	c.wikiMu.Lock()
	if objToken, ok := c.objTokens[wikiToken]; ok {
		c.wikiMu.Unlock()
		return objToken, nil
	}
	c.wikiMu.Unlock()

	query := url.Values{"token": {wikiToken}}
	data, err := c.doRequestWithRetry(ctx, http.MethodGet, "/open-apis/wiki/v2/spaces/get_node", query, nil)
	if err != nil {
		return "", fmt.Errorf("failed to resolve wiki token: %w", err)
	}

	var result struct {
		Node struct {
			ObjToken string `json:"obj_token"`
			ObjType  string `json:"obj_type"`
		} `json:"node"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to parse wiki node response: %w", err)
	}
	if result.Node.ObjToken == "" {
		return "", fmt.Errorf("wiki token %s: %w", wikiToken, ErrWikiNodeNotFound)
	}

	c.wikiMu.Lock()
	c.objTokens[wikiToken] = result.Node.ObjToken
	c.wikiMu.Unlock()

	return result.Node.ObjToken, nil
}
