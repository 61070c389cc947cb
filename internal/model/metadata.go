package model

import (
	"encoding/json"
	"time"
)

// Metadata is a per-plugin versioned blob attached to a Message/Thread/
// Contact by {pluginId, objectType, objectId, accountId} (spec.md §3).
type Metadata struct {
	AccountID  string          `json:"accountId"`
	PluginID   string          `json:"pluginId"`
	ObjectType string          `json:"objectType"`
	ObjectID   string          `json:"objectId"`
	Version    int64           `json:"version"`
	Attributes json.RawMessage `json:"attributes"`
	Expiration *time.Time      `json:"expiration,omitempty"`
}

func (m *Metadata) TableName() string { return "metadata" }

// DetachedMetadata parks Metadata received for an object that doesn't exist
// locally yet, keyed by {accountId, objectId, pluginId} (spec.md §3, §4.4).
// The physical table is named detached_metadata — spec.md §9 calls out the
// source's "DetatchedPluginMetadata" misspelling as a smell to not repeat in
// naming, while still being a thing worth preserving conceptually.
type DetachedMetadata struct {
	AccountID  string          `json:"accountId"`
	ObjectID   string          `json:"objectId"`
	PluginID   string          `json:"pluginId"`
	ObjectType string          `json:"objectType"`
	Version    int64           `json:"version"`
	Attributes json.RawMessage `json:"attributes"`
	Expiration *time.Time      `json:"expiration,omitempty"`
}

func (d *DetachedMetadata) TableName() string { return "detached_metadata" }
