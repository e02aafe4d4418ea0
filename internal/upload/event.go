// Package upload turns inbound image events into stored files. It owns
// deduplication, storage key allocation, the metadata write and the
// coalescing of media groups into one acknowledgement.
package upload

// Reason is the typed outcome reported for an event that was not stored.
type Reason string

const (
	ReasonNoMessage            Reason = "no_message"
	ReasonNotImage             Reason = "not_image"
	ReasonWebhookNotConfigured Reason = "webhook_not_configured"
	ReasonWebhookDisabled      Reason = "webhook_disabled"
	ReasonChannelNotFound      Reason = "channel_not_found"
	ReasonAlreadySaved         Reason = "already_saved"
	ReasonDatabaseError        Reason = "database_error"
	ReasonReadError            Reason = "read_error"
	ReasonAllocationError      Reason = "allocation_error"
	ReasonInvalidFolder        Reason = "invalid_folder"
	ReasonUnauthorized         Reason = "unauthorized"
)

// Event is one inbound image, abstracted from the platform update.
type Event struct {
	Channel       string
	ChatID        int64
	OriginFileID  string
	UniqueID      string
	Size          int64
	DeclaredName  string
	MimeType      string
	MediaGroupID  *string
	DefaultFolder string // used when the chat has no /dir preference
}

// Grouped reports whether the event belongs to a media group.
func (e Event) Grouped() bool {
	return e.MediaGroupID != nil && *e.MediaGroupID != ""
}

// Result is the outcome of processing one event. It is returned to the
// webhook caller as JSON.
type Result struct {
	Success      bool          `json:"success"`
	Reason       Reason        `json:"reason,omitempty"`
	FileID       string        `json:"fileId,omitempty"`
	Metadata     *FileMetadata `json:"metadata,omitempty"`
	MediaGroupID *string       `json:"mediaGroupId,omitempty"`
}

// Fail builds an unsuccessful Result.
func Fail(reason Reason) Result {
	return Result{Reason: reason}
}
