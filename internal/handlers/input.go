package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/emotune/internal/imageprocessor"
)

// multipartOverhead leaves room for boundaries and headers around the file.
const multipartOverhead = 1 << 20

type base64Request struct {
	Image string `json:"image" binding:"required"`
}

// readImageInput turns the request body into an imageprocessor.Input. On
// failure it has already written the response.
func readImageInput(c *gin.Context, maxSize int64) (imageprocessor.Input, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize*2+multipartOverhead)

	mediaType, _, err := mime.ParseMediaType(c.ContentType())
	if err != nil {
		mediaType = c.ContentType()
	}

	switch mediaType {
	case "multipart/form-data":
		return readMultipart(c, maxSize)
	case "application/json":
		var req base64Request
		if err := c.ShouldBindJSON(&req); err != nil {
			if isBodyTooLarge(err) {
				abortTooLarge(c, maxSize)
				return nil, false
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image data provided", "kind": kindInvalidRequest})
			return nil, false
		}
		// base64 inflates by 4/3; compare against the decoded budget
		if int64(len(req.Image))*3/4 > maxSize {
			abortTooLarge(c, maxSize)
			return nil, false
		}
		return imageprocessor.Base64Input{Payload: req.Image}, true
	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "send a multipart 'image' file or a JSON body with an 'image' data URL",
			"kind":  kindInvalidRequest,
		})
		return nil, false
	}
}

func readMultipart(c *gin.Context, maxSize int64) (imageprocessor.Input, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			abortTooLarge(c, maxSize)
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image data provided. Use 'image' as the form field name", "kind": kindInvalidRequest})
		return nil, false
	}

	if file.Size > maxSize {
		abortTooLarge(c, maxSize)
		return nil, false
	}

	if contentType := file.Header.Get("Content-Type"); !isAllowedType(contentType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": fmt.Sprintf("unsupported content type %q", contentType),
			"kind":  kindInvalidRequest,
		})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image", "kind": kindInvalidRequest})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image", "kind": kindInternal})
		return nil, false
	}
	return imageprocessor.FileInput{Data: data}, true
}

func isAllowedType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	return contentType == "" ||
		contentType == "application/octet-stream" ||
		strings.HasPrefix(contentType, "image/")
}

func abortTooLarge(c *gin.Context, maxSize int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("image exceeds %d bytes", maxSize),
		"kind":  kindInvalidRequest,
	})
}
