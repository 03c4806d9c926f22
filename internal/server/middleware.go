package server

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/metrics"
)

// RequestLogger logs completed requests and feeds the HTTP request counter.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()

		log.Debug("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery turns panics into 500 responses.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   apperrors.ErrCodeInternal,
					"message": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// BodyLimit caps request body size. Reads past the limit fail, which surfaces
// as a 413 through respondError.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// bindError classifies a request body decode failure: reads past the body
// limit keep their 413 mapping, everything else is a 400.
func bindError(err error) error {
	var maxBytes *http.MaxBytesError
	if stderrors.As(err, &maxBytes) {
		return err
	}
	return apperrors.BadRequest("invalid request body: " + err.Error())
}

// respondError writes the error's mapped status and {"error", "message"} body.
func respondError(c *gin.Context, err error) {
	var maxBytes *http.MaxBytesError
	if stderrors.As(err, &maxBytes) {
		err = apperrors.TooLarge("request body exceeds limit")
	}

	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   apperrors.ErrCodeInternal,
		"message": err.Error(),
	})
}
