package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

const uploadTimeout = 5 * time.Minute

// MaxUploadSize caps a single song file.
const MaxUploadSize = 50 << 20

// Uploader stores a song file and returns its publicly reachable URL.
type Uploader interface {
	Upload(ctx context.Context, objectName, contentType string, r io.Reader) (string, error)
}

// IsAudioContentType reports whether a MIME type is accepted for upload.
func IsAudioContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "audio/")
}

// GCSUploader stores song files in a Google Cloud Storage bucket. Uploaded
// objects are made world readable so clients can stream them directly.
type GCSUploader struct {
	client       *storage.Client
	bucket       string
	objectPrefix string
}

// NewGCSUploader creates a GCS-backed uploader. With an empty credentials
// file path, application default credentials are used.
func NewGCSUploader(ctx context.Context, bucketName, objectPrefix, credentialsFile string) (*GCSUploader, error) {
	var client *storage.Client
	var err error
	if credentialsFile != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(credentialsFile))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSUploader{
		client:       client,
		bucket:       bucketName,
		objectPrefix: objectPrefix,
	}, nil
}

// Upload streams the file into the bucket and returns its public URL.
func (u *GCSUploader) Upload(ctx context.Context, objectName, contentType string, r io.Reader) (string, error) {
	if u.objectPrefix != "" {
		objectName = u.objectPrefix + "/" + objectName
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	obj := u.client.Bucket(u.bucket).Object(objectName)
	wc := obj.NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return "", fmt.Errorf("copy file to gcs: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer: %w", err)
	}

	if err := obj.ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		// Uniform bucket-level access rejects per-object ACLs; the bucket
		// policy is expected to grant public read in that case.
		log.Warn().Err(err).Str("object", objectName).Msg("could not set public read ACL")
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.bucket, objectName), nil
}

// Close releases the underlying client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
