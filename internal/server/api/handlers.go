package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"sealdrop/internal/server/notify"
	"sealdrop/internal/server/service"

	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether the persistence substrate is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the sealdrop API.
type Handler struct {
	svc    *service.TransferService
	events *notify.Broadcaster
	health HealthChecker // nil when running on the in-memory store
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *service.TransferService, events *notify.Broadcaster, health HealthChecker) *Handler {
	return &Handler{svc: svc, events: events, health: health}
}

// HandleUpload handles POST /api/transfers.
// Accepts a multipart form with a "file" field plus optional
// "password", "compression_level", "expires_in_hours" and
// "max_downloads" fields. The response carries the transfer id together
// with the encryption key and auth tag; both are returned exactly once.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}

	req, err := storeRequestFromForm(c, data, fileHeader.Filename, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	result, err := h.svc.Store(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleUploadChunk handles POST /api/transfers/:id/chunks/:index.
// Accepts one chunk of a resumable upload as a multipart "chunk" field
// with a "total" form value. Metadata form fields are read when the
// final chunk completes the set, at which point the merged payload runs
// through the normal store pipeline and the store result is returned.
func (h *Handler) HandleUploadChunk(c echo.Context) error {
	transferID := c.Param("id")

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chunk index must be an integer"})
	}
	total, err := strconv.Atoi(c.FormValue("total"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "total chunk count is required"})
	}

	chunkHeader, err := c.FormFile("chunk")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "chunk data is required (use form field 'chunk')",
		})
	}
	src, err := chunkHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to read chunk"})
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to read chunk"})
	}

	progress, merged, err := h.svc.StoreChunk(c.Request().Context(), transferID, index, total, data)
	if err != nil {
		return mapServiceError(c, err)
	}

	if !progress.Complete {
		return c.JSON(http.StatusAccepted, progress)
	}

	// Final chunk: run the merged payload through the store pipeline.
	req, err := storeRequestFromForm(c, merged, c.FormValue("filename"), c.FormValue("mime_type"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	result, err := h.svc.Store(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"chunks": progress,
		"stored": result,
	})
}

// downloadRequest is the body of a download call. Key and auth tag are
// base64 in JSON, matching how the upload response encoded them.
type downloadRequest struct {
	Key      []byte `json:"key"`
	AuthTag  []byte `json:"auth_tag"`
	Password string `json:"password"`
}

// HandleDownload handles POST /api/transfers/:id/download.
// A POST rather than GET so the key never lands in access logs or
// browser history.
func (h *Handler) HandleDownload(c echo.Context) error {
	transferID := c.Param("id")

	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}

	result, err := h.svc.Retrieve(c.Request().Context(), transferID, req.Key, req.AuthTag, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename=%q`, result.Filename))
	return c.Blob(http.StatusOK, result.MIMEType, result.Data)
}

// HandleInfo handles GET /api/transfers/:id.
// Returns transfer metadata; neither key nor password is required.
func (h *Handler) HandleInfo(c echo.Context) error {
	meta, err := h.svc.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, meta)
}

// HandleDelete handles DELETE /api/transfers/:id.
// Removes the stored artifact and the transfer record together.
func (h *Handler) HandleDelete(c echo.Context) error {
	if err := h.svc.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "transfer deleted successfully",
	})
}

// HandleEvents handles GET /api/transfers/:id/events.
// Streams pipeline progress events for one transfer as server-sent
// events. Best-effort: the pipeline never waits for this channel.
func (h *Handler) HandleEvents(c echo.Context) error {
	ch, cancel := h.events.Subscribe(c.Param("id"))
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-ch:
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	storeStatus := "in-memory"

	if h.health != nil {
		storeStatus = "connected"
		if err := h.health.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			storeStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status": status,
		"store":  storeStatus,
	})
}

// storeRequestFromForm reads the optional store parameters shared by
// whole-file and final-chunk uploads.
func storeRequestFromForm(c echo.Context, data []byte, filename, mimeType string) (service.StoreRequest, error) {
	req := service.StoreRequest{
		Data:     data,
		Filename: filename,
		MIMEType: mimeType,
		Password: c.FormValue("password"),
	}
	if req.MIMEType == "" {
		req.MIMEType = "application/octet-stream"
	}

	var err error
	if req.CompressionLevel, err = formInt(c, "compression_level", 6); err != nil {
		return req, err
	}
	if req.ExpiresInHours, err = formInt(c, "expires_in_hours", 0); err != nil {
		return req, err
	}
	if req.MaxDownloads, err = formInt(c, "max_downloads", 0); err != nil {
		return req, err
	}
	return req, nil
}

func formInt(c echo.Context, field string, fallback int) (int, error) {
	val := c.FormValue(field)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return n, nil
}

// mapServiceError translates service-layer errors into appropriate HTTP
// responses, keeping every failure kind distinguishable for the caller.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "transfer not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "transfer has expired"})
	case errors.Is(err, service.ErrQuotaExhausted):
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "download quota exhausted"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrIntegrity):
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "stored file is corrupted"})
	case errors.Is(err, service.ErrDecryption):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "decryption failed: wrong key or auth tag"})
	case errors.Is(err, service.ErrDecompression):
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "decompression failed"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
