package models

import "time"

// BlobType is the declared content type of a stored payload.
type BlobType string

const (
	BlobTypeJSON BlobType = "application/json"
	BlobTypePNG  BlobType = "image/png"
	BlobTypeJPEG BlobType = "image/jpeg"
)

// ValidBlobType reports whether t is a supported blob content type.
func ValidBlobType(t BlobType) bool {
	return t == BlobTypeJSON || t == BlobTypePNG || t == BlobTypeJPEG
}

// Blob is a typed large payload associated with a job or run. Data is
// base64-encoded on the wire.
type Blob struct {
	ID        string    `json:"id"`
	ClusterID string    `json:"clusterId"`
	Name      string    `json:"name"`
	Type      BlobType  `json:"type"`
	JobID     *string   `json:"jobId,omitempty"`
	RunID     *string   `json:"runId,omitempty"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}
