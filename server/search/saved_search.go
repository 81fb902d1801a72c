// SPDX-License-Identifier: MPL-2.0

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"requery/server/core"
)

var _ core.SavedSearchLookuper = &Client{} // Static type check

// LookupSavedSearch resolves the owner/app namespace a saved search lives
// in. Saved-reference queries need the pair to address the remote
// scheduler's job with loadjob.
func (c *Client) LookupSavedSearch(ctx context.Context, name string) (string, string, error) {
	resp, err := c.get(ctx, "/services/saved/searches/"+url.PathEscape(name))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", "", fmt.Errorf("saved search %q not found", name)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", readAPIError(resp)
	}
	var payload struct {
		Entry []struct {
			ACL struct {
				Owner string `json:"owner"`
				App   string `json:"app"`
			} `json:"acl"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", fmt.Errorf("failed to decode saved search response: %w", err)
	}
	if len(payload.Entry) == 0 {
		return "", "", fmt.Errorf("saved search %q not found", name)
	}
	acl := payload.Entry[0].ACL
	return acl.Owner, acl.App, nil
}
