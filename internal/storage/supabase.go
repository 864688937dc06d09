package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	supa "github.com/supabase-community/supabase-go"

	"mediajobs/internal/domain"
)

// ObjectClient is the subset of the Supabase storage client used here.
// *storage_go.Client satisfies it.
type ObjectClient interface {
	UploadFile(bucketID, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
	GetPublicUrl(bucketID, filePath string, urlOptions ...storage_go.UrlOptions) storage_go.SignedUrlResponse
}

// SupabaseStore uploads artifacts into a public Supabase storage bucket.
type SupabaseStore struct {
	objects ObjectClient
	bucket  string
}

// NewSupabaseStore connects to the project at url with a service key.
func NewSupabaseStore(url, serviceKey, bucket string) (*SupabaseStore, error) {
	if strings.TrimSpace(url) == "" || strings.TrimSpace(serviceKey) == "" {
		return nil, errors.New("storage: supabase url and service key are required")
	}
	client, err := supa.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: supabase client: %w", err)
	}
	return NewSupabaseStoreWithClient(client.Storage, bucket)
}

func NewSupabaseStoreWithClient(objects ObjectClient, bucket string) (*SupabaseStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: supabase bucket is required")
	}
	return &SupabaseStore{objects: objects, bucket: bucket}, nil
}

// Put uploads data with upsert semantics so a replayed job overwrites its
// own artifact.
func (s *SupabaseStore) Put(ctx context.Context, key string, data []byte, contentType string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	upsert := true
	opts := storage_go.FileOptions{Upsert: &upsert}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	if _, err := s.objects.UploadFile(s.bucket, cleanKey, bytes.NewReader(data), opts); err != nil {
		return nil, fmt.Errorf("storage: supabase upload %s: %v: %w", cleanKey, err, domain.ErrStorage)
	}
	public := s.objects.GetPublicUrl(s.bucket, cleanKey)
	return &Artifact{Key: cleanKey, URL: public.SignedURL, Size: int64(len(data))}, nil
}
