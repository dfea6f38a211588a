package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"imgstudio/internal/domain"
	"imgstudio/internal/middleware"
	"imgstudio/pkg/zip"
)

const multipartMemory = 8 << 20

// CreateGeneration accepts a multipart upload and starts a batch.
func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.Config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "invalid_request", "upload exceeds size limit")
			return
		}
		a.error(w, http.StatusBadRequest, "invalid_request", "multipart form expected")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req, err := a.parseGeneration(r)
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	adm, err := a.Generator.SubmitBatch(r.Context(), req)
	if err != nil {
		var admErr *domain.AdmissionError
		if !errors.As(err, &admErr) {
			a.Logger.Error().Err(err).Str("request_id", req.RequestID).Msg("handlers: submit batch failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to start generation")
			return
		}
		if adm.Duplicate {
			a.json(w, http.StatusOK, adm)
			return
		}
		a.admissionError(w, admErr)
		return
	}
	a.json(w, http.StatusAccepted, adm)
}

func (a *App) parseGeneration(r *http.Request) (domain.GenerationRequest, error) {
	image, err := formFile(r, "image")
	if err != nil {
		return domain.GenerationRequest{}, err
	}
	if len(image) == 0 {
		return domain.GenerationRequest{}, errors.New("image is required")
	}
	mask, err := formFile(r, "mask")
	if err != nil {
		return domain.GenerationRequest{}, err
	}

	count := 1
	if v := strings.TrimSpace(r.FormValue("count")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.GenerationRequest{}, fmt.Errorf("count must be an integer")
		}
		count = n
	}
	var seed *int64
	if v := strings.TrimSpace(r.FormValue("seed")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.GenerationRequest{}, fmt.Errorf("seed must be an integer")
		}
		seed = &n
	}

	ctx := r.Context()
	req := domain.GenerationRequest{
		RequestID:   strings.TrimSpace(r.FormValue("request_id")),
		SessionID:   middleware.SessionIDFromContext(ctx),
		Image:       image,
		Instruction: r.FormValue("instruction"),
		Count:       count,
		Mode:        domain.NormalizeEditMode(strings.ToLower(strings.TrimSpace(r.FormValue("mode")))),
		Mask:        mask,
		Seed:        seed,
		Locale:      middleware.LocaleFromContext(ctx),
		Country:     middleware.CountryFromContext(ctx),
		// Quotas follow the client address; session ids are client-chosen.
		Identity: "ip:" + middleware.ClientIP(r),
	}
	return req, nil
}

// formFile reads an optional upload field. A missing field yields nil data.
func formFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	defer func(f multipart.File) { _ = f.Close() }(file)
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%s: read upload: %w", field, err)
	}
	return data, nil
}

// GetGeneration returns the current snapshot, the pull fallback for clients
// without a progress stream.
func (a *App) GetGeneration(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.lookupBatch(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	a.json(w, http.StatusOK, snap)
}

// GenerationArchive streams the successful images of a batch as a zip.
func (a *App) GenerationArchive(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	snap, ok := a.lookupBatch(w, r, requestID)
	if !ok {
		return
	}
	if len(snap.Results) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "generation has no images")
		return
	}

	assets := make([]zip.Asset, 0, len(snap.Results))
	for _, res := range snap.Results {
		data, err := a.Images.Read(r.Context(), res.ImageRef)
		if err != nil {
			a.Logger.Warn().Err(err).Str("request_id", requestID).Int("attempt", res.Index).Msg("handlers: archive image missing")
			continue
		}
		modified := snap.CreatedAt
		if snap.FinishedAt != nil {
			modified = *snap.FinishedAt
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%s-%02d%s", requestID, res.Index, path.Ext(res.ImageRef)),
			Data:     data,
			Modified: modified,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusGone, "fetch_expired", "generated images are no longer available")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=generation-%s.zip", requestID))
	w.WriteHeader(http.StatusOK)
	if err := zip.WriteArchive(w, assets); err != nil {
		a.Logger.Error().Err(err).Str("request_id", requestID).Msg("handlers: write archive")
	}
}

// GetFile serves one stored image by its reference.
func (a *App) GetFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	data, err := a.Images.Read(r.Context(), key)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid_request", "invalid file reference")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
