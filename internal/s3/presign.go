// Package s3 issues short-lived download URLs for ticket attachments
// stored in MinIO.
package s3

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
)

// Service generates presigned URLs against the attachment bucket.
type Service struct {
	Client *minio.Client
	Bucket string
	// MaxTTL caps the lifetime of generated URLs.
	MaxTTL time.Duration
}

// PresignGet creates a short-lived download URL for an attachment
// object. A non-empty filename forces Content-Disposition so browsers
// save the file under its original name rather than the object key.
func (s Service) PresignGet(ctx context.Context, objectKey, filename string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > s.MaxTTL {
		return "", fmt.Errorf("presign ttl %s out of range (max %s)", ttl, s.MaxTTL)
	}
	vals := url.Values{}
	if filename != "" {
		vals.Set("response-content-disposition", "attachment; filename=\""+filename+"\"")
	}
	u, err := s.Client.PresignedGetObject(ctx, s.Bucket, objectKey, ttl, vals)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
