package metadatastream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hkdb/aerion/internal/syncerr"
)

// MetadataPoster implements internal/task.IdentityClient, the POST side of
// the same identity service Client streams from (spec.md §4.4's GET side;
// §4.3's SyncbackMetadataTask is the POST side the task engine drains).
type MetadataPoster struct {
	BaseURL string
	Client  *http.Client
}

// NewMetadataPoster builds a poster against the same identity service base
// URL a metadatastream.Client is configured with.
func NewMetadataPoster(baseURL string, client *http.Client) *MetadataPoster {
	return &MetadataPoster{BaseURL: baseURL, Client: client}
}

// PostMetadata pushes one locally-applied metadata mutation to the identity
// service so other devices' streams eventually observe it.
func (p *MetadataPoster) PostMetadata(ctx context.Context, accountID, objectType, objectID, pluginID string, attrs json.RawMessage) error {
	body, err := json.Marshal(struct {
		AccountID  string          `json:"accountId"`
		ObjectType string          `json:"type"`
		ObjectID   string          `json:"id"`
		PluginID   string          `json:"pluginId"`
		Attributes json.RawMessage `json:"attributes"`
	}{accountID, objectType, objectID, pluginID, attrs})
	if err != nil {
		return syncerr.Fatal(fmt.Errorf("encode metadata post: %w", err))
	}

	u := fmt.Sprintf("%s/metadata?account_id=%s", p.BaseURL, url.QueryEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return syncerr.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return syncerr.Network(err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}
