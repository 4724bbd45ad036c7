package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/classifier"
	"github.com/example/emotune/internal/imageprocessor"
	"github.com/example/emotune/internal/music"
	"github.com/example/emotune/internal/repository"
	"github.com/example/emotune/internal/usecase"
)

const (
	kindDecode             = "decode_error"
	kindModelUnavailable   = "model_unavailable"
	kindUpstream           = "upstream_error"
	kindCatalogUnavailable = "catalog_unavailable"
	kindInvalidRequest     = "invalid_request"
	kindUnauthorized       = "unauthorized"
	kindConflict           = "conflict"
	kindNotFound           = "not_found"
	kindInternal           = "internal"
)

// classify maps an error to its HTTP status, kind and client-facing message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, imageprocessor.ErrDecode):
		return http.StatusBadRequest, kindDecode, "Invalid image data. Supported formats: JPEG, PNG, GIF"
	case errors.Is(err, classifier.ErrModelUnavailable):
		return http.StatusServiceUnavailable, kindModelUnavailable, "Model is not loaded"
	case errors.Is(err, music.ErrUpstream):
		return http.StatusBadGateway, kindUpstream, "Spotify request failed"
	case errors.Is(err, usecase.ErrCatalogUnavailable):
		return http.StatusServiceUnavailable, kindCatalogUnavailable, "Spotify service not available"
	case errors.Is(err, usecase.ErrMissingCredentials):
		return http.StatusBadRequest, kindInvalidRequest, "Username and password are required"
	case errors.Is(err, usecase.ErrUserExists):
		return http.StatusConflict, kindConflict, "Username already exists"
	case errors.Is(err, usecase.ErrInvalidCredentials):
		return http.StatusUnauthorized, kindUnauthorized, "Invalid username or password"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, kindNotFound, "result not found"
	default:
		return http.StatusInternalServerError, kindInternal, "internal error"
	}
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status, kind, message := classify(err)
	body := gin.H{"error": message, "kind": kind}
	switch kind {
	case kindDecode, kindUpstream:
		body["detail"] = err.Error()
	case kindInternal:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, body)
}
