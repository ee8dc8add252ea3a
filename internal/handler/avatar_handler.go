package handler

import (
	"net/http"

	"spachat/internal/app/storage"
	"spachat/internal/pkg/errs"
	"spachat/internal/pkg/randx"
	"spachat/internal/pkg/req"
	"spachat/internal/pkg/resp"
)

// PresignAvatarInput defines the JSON input structure for generating an avatar upload URL.
type PresignAvatarInput struct {
	DurableID string `json:"durable_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	FileSize  int64  `json:"file_size"`
}

// HandlePresignAvatarUpload creates an HTTP HandlerFunc that returns a time-limited,
// pre-signed URL for uploading an avatar image of one user.
func HandlePresignAvatarUpload(avatars storage.AvatarStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if avatars == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStorageDisabled))
			return
		}

		var input PresignAvatarInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if input.DurableID == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		if err := storage.ValidateFileSize(input.FileSize); err != nil {
			resp.RespondError(w, r, err)
			return
		}

		if err := storage.ValidateFileType(input.FileName, input.MimeType); err != nil {
			resp.RespondError(w, r, err)
			return
		}

		fileKey := randx.AvatarKey(input.DurableID, input.FileName)

		url, err := avatars.PresignUpload(
			r.Context(),
			fileKey,
			input.MimeType,
			input.FileSize,
			storage.PresignedURLDuration,
		)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrFileStorageFailed))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"presigned_url": url,
			"file_key":      fileKey,
		})
	}
}

// HandlePresignAvatarDownload creates an HTTP HandlerFunc that redirects to a
// time-limited, pre-signed URL for an avatar image.
func HandlePresignAvatarDownload(avatars storage.AvatarStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if avatars == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStorageDisabled))
			return
		}

		fileKey := r.URL.Query().Get("key")
		if !randx.IsAvatarKey(fileKey) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		url, err := avatars.PresignDownload(r.Context(), fileKey, storage.PresignedURLDuration)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrFileStorageFailed))
			return
		}

		http.Redirect(w, r, url, http.StatusFound)
	}
}
