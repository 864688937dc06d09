// Package storage persists generated artifacts and returns the URL clients
// download them from.
package storage

import (
	"context"
	"mime"
	"path"
	"strings"
)

// Artifact is a stored generation output.
type Artifact struct {
	Key  string
	URL  string
	Size int64
}

// ArtifactStore persists artifact bytes under key. Failures wrap
// domain.ErrStorage.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*Artifact, error)
}

var preferredExt = map[string]string{
	"video/mp4":   ".mp4",
	"video/webm":  ".webm",
	"image/png":   ".png",
	"image/jpeg":  ".jpg",
	"image/webp":  ".webp",
	"audio/mpeg":  ".mp3",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
}

// ArtifactKey builds the object key for a job output. The extension comes
// from the content type, falling back to the source URL's extension.
func ArtifactKey(jobID, name, contentType, sourceURL string) string {
	return path.Join("jobs", jobID, name+extension(contentType, sourceURL))
}

func extension(contentType, sourceURL string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType != "application/octet-stream" {
		if ext, ok := preferredExt[mediaType]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	clean := sourceURL
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	if ext := path.Ext(clean); ext != "" && len(ext) <= 6 {
		return strings.ToLower(ext)
	}
	return ".bin"
}
