package jobs

// Queue names. Each queue gets its own worker pool with its own
// concurrency limit.
const (
	QueueDocuments     = "documents"
	QueueSubscriptions = "subscriptions"
	QueueEmail         = "email"
)

// Job names, used to select the processor.
const (
	JobIndexDocument    = "index-document"
	JobSubscriptionSync = "sync-subscriptions"
	JobMarketingAdd     = "add-marketing-contact"
	JobMarketingRemove  = "remove-marketing-contact"
)

// IndexDocumentPayload carries everything the indexing processor needs.
// FileData is present only on the first attempt; retries re-fetch the bytes
// from StorageURL instead of round-tripping them through Redis again.
type IndexDocumentPayload struct {
	DocumentID     string `json:"document_id"`
	OrganizationID string `json:"organization_id"`
	StorageURL     string `json:"storage_url"`
	DisplayName    string `json:"display_name"`
	MimeType       string `json:"mime_type"`
	FileData       []byte `json:"file_data,omitempty"`
}

// SubscriptionSyncPayload selects what to reconcile. An empty UserID means
// sync every local subscription record.
type SubscriptionSyncPayload struct {
	UserID string `json:"user_id,omitempty"`
	Manual bool   `json:"manual,omitempty"`
}

// MarketingPayload identifies the contact to add to or remove from the
// marketing audience.
type MarketingPayload struct {
	Email string `json:"email"`
}

// Dedup id builders. One pending instance per logical unit of work.
func IndexDedupID(documentID string) string    { return "index-" + documentID }
func MarketingAddDedupID(email string) string  { return "add-marketing-" + email }
func MarketingRemoveDedupID(email string) string {
	return "remove-marketing-" + email
}
