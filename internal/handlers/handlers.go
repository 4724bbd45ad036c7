package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/auth"
	"github.com/example/emotune/internal/usecase"
)

// MaxUploadSize is the default limit for uploaded images.
const MaxUploadSize = 10 << 20

// Dependencies are the use cases the routes delegate to.
type Dependencies struct {
	Emotion         *usecase.EmotionUseCase
	Recommendations *usecase.RecommendationUseCase
	Accounts        *usecase.AccountUseCase
	Tokens          *auth.TokenIssuer
	Logger          *zap.Logger
	MaxUploadSize   int64
	Version         string
}

type credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = MaxUploadSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		model := "ready"
		if !deps.Emotion.ModelReady() {
			model = "unavailable"
		}
		catalog := "available"
		if !deps.Recommendations.Available() {
			catalog = "unavailable"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"model":         model,
			"model_version": deps.Emotion.ModelVersion(),
			"catalog":       catalog,
			"version":       deps.Version,
		})
	})

	router.POST("/register", func(c *gin.Context) {
		var req credentials
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, logger, usecase.ErrMissingCredentials)
			return
		}
		if err := deps.Accounts.Register(c.Request.Context(), req.Username, req.Password); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "Registration successful!"})
	})

	router.POST("/login", func(c *gin.Context) {
		var req credentials
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, logger, usecase.ErrInvalidCredentials)
			return
		}
		session, err := deps.Accounts.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":    "Login successful!",
			"username":   session.Username,
			"token":      session.Token,
			"expires_at": session.ExpiresAt,
		})
	})

	router.POST("/detect-emotion", auth.OptionalJWTMiddleware(deps.Tokens), func(c *gin.Context) {
		input, ok := readImageInput(c, deps.MaxUploadSize)
		if !ok {
			return
		}

		userID, _ := auth.GetUserID(c.Request.Context())
		detection, err := deps.Emotion.DetectEmotion(c.Request.Context(), userID, input)
		if err != nil {
			writeError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":    detection.RequestID,
			"emotion":       detection.Prediction.Label,
			"confidence":    detection.Prediction.Confidence,
			"probabilities": detection.Prediction.Probabilities,
			"model_version": detection.ModelVersion,
		})
	})

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required", "kind": kindInvalidRequest})
			return
		}

		detection, err := deps.Emotion.GetResult(c.Request.Context(), requestID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, detection)
	})

	router.GET("/recommendations/:emotion/:language", func(c *gin.Context) {
		rec, err := deps.Recommendations.Recommend(c.Request.Context(), c.Param("emotion"), c.Param("language"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"genre":  rec.Genre,
			"market": rec.Market,
			"tracks": rec.Tracks,
		})
	})

	router.GET("/history", auth.JWTMiddleware(deps.Tokens), func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

		detections, err := deps.Emotion.History(c.Request.Context(), userID, limit)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": userID, "detections": detections})
	})

	router.GET("/stats", func(c *gin.Context) {
		summary, err := deps.Emotion.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
