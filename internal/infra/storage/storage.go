// Package storage uploads screenshots to an object store and returns a URL
// the browser and the assistant can reference.
package storage

import "context"

// ObjectStore stores a blob under key and returns its URL.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body []byte) (string, error)
}
