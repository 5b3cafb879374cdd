package domain

import "time"

// BlobDescriptor is the read-only view the core has of an uploaded payload
// file (spec §3 BlobMetadata). The core never rewrites blob bytes.
type BlobDescriptor struct {
	BlobID      string    `json:"blob_id"`
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	PublicURL   string    `json:"public_url"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}
