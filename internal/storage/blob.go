// Package storage keeps media clips on the local filesystem when no remote
// media endpoint is configured.
package storage

import "io"

// BlobStore stores and retrieves opaque blobs by key.
type BlobStore interface {
	Put(key string, r io.Reader) (string, error) // returns canonical key
	Get(key string) (io.ReadCloser, error)
	URL(key string) (string, error)
}
