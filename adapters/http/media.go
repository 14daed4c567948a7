package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/usecase"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

type imageRequest struct {
	Prompt string `json:"prompt"`
}

// ImageResponse carries the generated image as a data URI payload.
type ImageResponse struct {
	Prompt string          `json:"prompt"`
	Image  *domain.Payload `json:"image"`
}

func (h *Handler) GenerateImage(c echo.Context) error {
	var req imageRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody("body must be {\"prompt\": \"...\"}")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return invalidBody("prompt is required")
	}

	image, err := h.images.GenerateImage(c.Request().Context(), req.Prompt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ImageResponse{Prompt: req.Prompt, Image: image})
}

// AudioChatAppend accepts a multipart "audio_file" upload, transcribes it into a user
// message, answers it and returns the committed conversation.
func (h *Handler) AudioChatAppend(c echo.Context) error {
	userID, historyID := c.Param("userId"), c.Param("historyId")
	ctx := log.WithUser(c.Request().Context(), userID, historyID)

	file, err := c.FormFile(audioFormField)
	if err != nil {
		return &apiError{status: http.StatusBadRequest, code: "missing_file", message: "multipart field \"audio_file\" is required"}
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	result, err := h.audio.Append(ctx, userID, historyID, domain.AudioUpload{
		Filename:    file.Filename,
		ContentType: file.Header.Get(echo.HeaderContentType),
		Body:        src,
	})
	if err != nil {
		if !usecase.IsNonFatal(err) {
			return err
		}
		log.WithCtx(ctx).Warn("Audio turn committed without speech", zap.Error(err))
	}
	return c.JSON(http.StatusOK, result)
}
