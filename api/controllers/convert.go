package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/angelmondragon/pdf2md-billing/api/responses"
	"github.com/angelmondragon/pdf2md-billing/internal/conversion"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

// multipart framing allowance on top of the file limit
const multipartOverhead = 1 << 20

type ConversionService interface {
	Convert(ctx context.Context, userID, filename string, pdf io.Reader, size int64) (*conversion.Result, error)
	MaxUploadBytes() int64
}

// Convert accepts a multipart "file" upload and returns its markdown.
func Convert(svc ConversionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "conversion service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit := svc.MaxUploadBytes()
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "file exceeds upload limit").
					WithDetails(map[string]any{"maxBytes": limit}))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "file is required"))
			return
		}
		defer file.Close()
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll()
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"filename": header.Filename, "size": header.Size})
		}
		result, err := svc.Convert(ctx, userID, header.Filename, file, header.Size)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
