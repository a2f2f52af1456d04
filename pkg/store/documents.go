package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DocumentStatus is the user-visible indexing state of a document.
type DocumentStatus string

const (
	DocPending    DocumentStatus = "pending"
	DocProcessing DocumentStatus = "processing"
	DocReady      DocumentStatus = "ready"
	DocError      DocumentStatus = "error"
)

// Document is the slice of the document record the indexing pipeline
// touches: status, the per-organization search store, and the indexed
// resource name.
type Document struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"`
	DisplayName     string         `json:"display_name"`
	MimeType        string         `json:"mime_type"`
	StorageURL      string         `json:"storage_url"`
	Status          DocumentStatus `json:"status"`
	SearchStoreName string         `json:"search_store_name,omitempty"`
	ResourceName    string         `json:"resource_name,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

const (
	docKeyPrefix      = "doc:"
	orgStoreKeyPrefix = "org:searchstore:"
)

// DocumentStore persists Document records and the per-organization search
// store cache.
type DocumentStore struct {
	rdb *redis.Client
}

func NewDocumentStore(rdb *redis.Client) *DocumentStore {
	return &DocumentStore{rdb: rdb}
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	data, err := s.rdb.Get(ctx, docKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get document")
	}
	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal document")
	}
	return &doc, nil
}

func (s *DocumentStore) Put(ctx context.Context, doc *Document) error {
	doc.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshal document")
	}
	return errors.Wrap(s.rdb.Set(ctx, docKeyPrefix+doc.ID, data, 0).Err(), "put document")
}

// SetStatus updates just the status (and resource name, when non-empty) of
// an existing record.
func (s *DocumentStore) SetStatus(ctx context.Context, id string, status DocumentStatus, resourceName string) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	doc.Status = status
	if resourceName != "" {
		doc.ResourceName = resourceName
	}
	return s.Put(ctx, doc)
}

// OrgSearchStore returns the cached search-store name for an organization,
// or "" when none has been created yet.
func (s *DocumentStore) OrgSearchStore(ctx context.Context, orgID string) (string, error) {
	name, err := s.rdb.Get(ctx, orgStoreKeyPrefix+orgID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get org search store")
	}
	return name, nil
}

// SetOrgSearchStore caches the search-store name for an organization. The
// first writer wins so two concurrent indexing jobs agree on one container.
func (s *DocumentStore) SetOrgSearchStore(ctx context.Context, orgID, name string) (string, error) {
	ok, err := s.rdb.SetNX(ctx, orgStoreKeyPrefix+orgID, name, 0).Result()
	if err != nil {
		return "", errors.Wrap(err, "set org search store")
	}
	if !ok {
		return s.OrgSearchStore(ctx, orgID)
	}
	return name, nil
}
