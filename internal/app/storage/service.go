/*
Package storage issues presigned URLs for avatar images kept in S3-compatible object storage.

Browsers upload and download the image bytes directly; the server only signs requests and
stores the resulting object key in the user's presentation attributes.
*/
package storage

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"spachat/internal/pkg/errs"
)

const (
	// MaxAvatarSizeMB is the maximum allowed avatar image size in megabytes.
	MaxAvatarSizeMB = 5

	// MaxAvatarSize is the maximum allowed avatar image size in bytes.
	MaxAvatarSize = MaxAvatarSizeMB * 1024 * 1024

	// PresignedURLDuration is how long an issued URL stays valid.
	PresignedURLDuration = 5 * time.Minute
)

// AllowedMIMETypes defines the set of permitted avatar image MIME types.
var AllowedMIMETypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
	"image/gif":  {},
}

// ExtToMIME maps file extensions to their corresponding MIME types.
var ExtToMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// ServiceConfig holds the configuration required to connect to the storage service.
type ServiceConfig struct {
	S3BucketName      string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Enabled reports whether object storage is configured.
func (c ServiceConfig) Enabled() bool {
	return c.S3BucketName != ""
}

// AvatarStore signs avatar image uploads and downloads.
type AvatarStore interface {
	// PresignUpload returns a URL that accepts a PUT of exactly fileSize bytes of mimeType.
	PresignUpload(ctx context.Context, key, mimeType string, fileSize int64, duration time.Duration) (string, error)

	// PresignDownload returns a URL that serves the object with the given key.
	PresignDownload(ctx context.Context, key string, duration time.Duration) (string, error)
}

// NewAvatarStore is the factory function for AvatarStore.
func NewAvatarStore(ctx context.Context, cfg ServiceConfig) (AvatarStore, error) {
	// Only S3 compatible backends are supported.
	return newS3Client(ctx, cfg)
}

// ValidateFileSize checks if the announced image size is within acceptable limits.
func ValidateFileSize(fileSize int64) *errs.CustomError {
	if fileSize <= 0 {
		return errs.NewError(errs.ErrInvalidParams)
	}

	if fileSize > MaxAvatarSize {
		return errs.NewError(errs.ErrFileSizeTooLarge, MaxAvatarSizeMB)
	}

	return nil
}

// ValidateFileType checks that the MIME type is an allowed image type and agrees with
// the file extension.
func ValidateFileType(fileName string, mimeType string) *errs.CustomError {
	lowerMimeType := strings.ToLower(mimeType)

	if _, ok := AllowedMIMETypes[lowerMimeType]; !ok {
		return errs.NewError(errs.ErrFileTypeInvalid)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	expectedMIME, ok := ExtToMIME[ext]
	if !ok || expectedMIME != lowerMimeType {
		return errs.NewError(errs.ErrFileTypeInvalid)
	}

	return nil
}
