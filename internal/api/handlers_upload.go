package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/reqctx"
	"github.com/org/apiguard/internal/validate"
	"github.com/org/apiguard/pkg/models"
)

// multipartOverhead pads the body limit for boundaries and part headers.
const multipartOverhead = 64 << 10

type uploadResponse struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	SHA256      string `json:"sha256"`
}

// UploadHandler handles POST /v1/uploads. The file is vetted and hashed;
// storing it is left to the consuming service.
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.Upload.MaxBytes
	if maxBytes <= 0 {
		maxBytes = validate.DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.Write(w, r, apierr.New(http.StatusRequestEntityTooLarge, apierr.CodeValidation, "Upload too large"))
			return
		}
		apierr.Write(w, r, apierr.Validation(validate.Errors{{Field: "file", Rule: "multipart", Message: "Malformed multipart body"}}))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("file")
	if err != nil {
		apierr.Write(w, r, apierr.Validation(validate.Errors{{Field: "file", Rule: "required", Message: "File is required"}}))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if err := validate.CheckUpload(header.Filename, header.Size, contentType, maxBytes); err != nil {
		s.monitor.RecordContext(r.Context(), models.EventValidationFailed, models.SeverityLow, map[string]any{
			"part":     "upload",
			"filename": header.Filename,
			"error":    err.Error(),
		})
		apierr.Write(w, r, apierr.Validation(err))
		return
	}

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		log.Error().Err(err).Str("component", "api").Msg("reading upload")
		apierr.Write(w, r, apierr.ErrInternal)
		return
	}

	log.Info().Str("component", "api").
		Str("user_id", userID(r)).
		Str("filename", header.Filename).
		Int64("size", header.Size).
		Msg("upload accepted")
	writeJSON(w, http.StatusCreated, uploadResponse{
		Filename:    header.Filename,
		Size:        header.Size,
		ContentType: contentType,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
	})
}

func userID(r *http.Request) string {
	rc, _ := reqctx.From(r.Context())
	return rc.UserID()
}
