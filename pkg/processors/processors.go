// Package processors holds the business-logic job handlers. Each processor
// is a pure function over its payload: it returns a result or an error, and
// knows nothing about queues, retries or backoff.
package processors

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/billing"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/store"
)

// Indexer is the document-indexing service port.
type Indexer interface {
	// CreateStore creates a search-index container and returns its name.
	CreateStore(ctx context.Context, displayName string) (string, error)
	// Upload pushes file bytes into a container and returns an operation
	// name to poll.
	Upload(ctx context.Context, storeName, displayName, mimeType string, data []byte) (string, error)
	// WaitOperation blocks until the upload operation finishes and returns
	// the indexed resource name.
	WaitOperation(ctx context.Context, operationName string) (string, error)
}

// ObjectFetcher retrieves file bytes from durable storage by URL. Used on
// retries, when the inline payload bytes are gone.
type ObjectFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Audience is the marketing-audience service port. Both operations are
// idempotent: adding a present contact or removing an absent one succeeds.
type Audience interface {
	AddContact(ctx context.Context, email string) error
	RemoveContact(ctx context.Context, email string) error
}

// IndexResult is stored on the job when indexing succeeds.
type IndexResult struct {
	DocumentID   string `json:"document_id"`
	ResourceName string `json:"resource_name"`
}

// NewIndexDocument builds the index-document processor. It obtains the file
// bytes (inline on the first attempt, re-fetched from storage on retries),
// ensures the organization's search store exists, uploads, waits for the
// indexing operation and marks the document ready.
//
// On any failure the document status flips to error before the error
// propagates: the status is the user-visible signal, the rethrow is what
// lets the queue retry.
func NewIndexDocument(docs *store.DocumentStore, indexer Indexer, fetcher ObjectFetcher) func(ctx context.Context, payload json.RawMessage) (any, error) {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p jobs.IndexDocumentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.Wrap(err, "decode index-document payload")
		}

		result, err := indexDocument(ctx, docs, indexer, fetcher, p)
		if err != nil {
			if serr := docs.SetStatus(ctx, p.DocumentID, store.DocError, ""); serr != nil && serr != store.ErrNotFound {
				logger.Log.Error().Err(serr).Str("document_id", p.DocumentID).Msg("Failed to flag document error")
			}
			return nil, err
		}
		return result, nil
	}
}

func indexDocument(ctx context.Context, docs *store.DocumentStore, indexer Indexer, fetcher ObjectFetcher, p jobs.IndexDocumentPayload) (*IndexResult, error) {
	if err := docs.SetStatus(ctx, p.DocumentID, store.DocProcessing, ""); err != nil {
		return nil, err
	}

	data := p.FileData
	if len(data) == 0 {
		var err error
		data, err = fetcher.Fetch(ctx, p.StorageURL)
		if err != nil {
			return nil, errors.Wrap(err, "fetch document from storage")
		}
	}

	storeName, err := docs.OrgSearchStore(ctx, p.OrganizationID)
	if err != nil {
		return nil, err
	}
	if storeName == "" {
		created, err := indexer.CreateStore(ctx, "org-"+p.OrganizationID)
		if err != nil {
			return nil, errors.Wrap(err, "create search store")
		}
		// First writer wins; a concurrent job may have created one already.
		storeName, err = docs.SetOrgSearchStore(ctx, p.OrganizationID, created)
		if err != nil {
			return nil, err
		}
	}

	opName, err := indexer.Upload(ctx, storeName, p.DisplayName, p.MimeType, data)
	if err != nil {
		return nil, errors.Wrap(err, "upload document")
	}
	resourceName, err := indexer.WaitOperation(ctx, opName)
	if err != nil {
		return nil, errors.Wrap(err, "wait for indexing")
	}

	if err := docs.SetStatus(ctx, p.DocumentID, store.DocReady, resourceName); err != nil {
		return nil, err
	}

	// Stamp the search store on the document record for reuse.
	if doc, err := docs.Get(ctx, p.DocumentID); err == nil && doc.SearchStoreName != storeName {
		doc.SearchStoreName = storeName
		if err := docs.Put(ctx, doc); err != nil {
			return nil, err
		}
	}

	logger.Log.Info().
		Str("document_id", p.DocumentID).
		Str("resource", resourceName).
		Msg("Document indexed")
	return &IndexResult{DocumentID: p.DocumentID, ResourceName: resourceName}, nil
}

// NewSubscriptionSync builds the sync processor. It delegates to the
// reconciliation engine and errors only when the engine reports total
// failure, so individual mismatches never burn the job's retry budget.
func NewSubscriptionSync(engine *billing.Engine) func(ctx context.Context, payload json.RawMessage) (any, error) {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p jobs.SubscriptionSyncPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.Wrap(err, "decode sync payload")
		}

		if p.UserID != "" {
			if err := engine.SyncUser(ctx, p.UserID); err != nil {
				return nil, err
			}
			return billing.SyncResult{Success: true, Synced: 1}, nil
		}

		res, err := engine.SyncAll(ctx)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, errors.Errorf("subscription sync failed entirely: %d errored", res.Errored)
		}
		return res, nil
	}
}

// NewMarketingAdd builds the add-contact processor.
func NewMarketingAdd(audience Audience) func(ctx context.Context, payload json.RawMessage) (any, error) {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p jobs.MarketingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.Wrap(err, "decode marketing payload")
		}
		if err := audience.AddContact(ctx, p.Email); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// NewMarketingRemove builds the remove-contact processor.
func NewMarketingRemove(audience Audience) func(ctx context.Context, payload json.RawMessage) (any, error) {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p jobs.MarketingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.Wrap(err, "decode marketing payload")
		}
		if err := audience.RemoveContact(ctx, p.Email); err != nil {
			return nil, err
		}
		return nil, nil
	}
}
