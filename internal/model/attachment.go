package model

import "time"

// UploadedAttachment is the cached record of a successfully uploaded
// attachment, keyed by GUID. At most one successful row exists per GUID.
type UploadedAttachment struct {
	GUID            string
	RemotePhotoID   string
	UploadedAt      time.Time
	Transcoded      bool
	NormalizedBytes int
	ContextSnapshot *ContextRecord
}

// MaxNormalizedBytes is the hard ceiling a transcoded attachment must
// fit under before it is considered uploadable (§3 invariant).
const MaxNormalizedBytes = 5 * 1024 * 1024

// AttachmentMetadata is C6.enrich's output: a size/mime description of
// an attachment for the ingest payload, produced without uploading.
type AttachmentMetadata struct {
	GUID      string
	MimeType  string
	SizeBytes int64
	Resolved  bool
}
