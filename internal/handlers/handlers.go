package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/chakshot/internal/auth"
	"github.com/example/chakshot/internal/backend"
	"github.com/example/chakshot/internal/connectivity"
	"github.com/example/chakshot/internal/pipeline"
	"github.com/example/chakshot/internal/results"
	"github.com/example/chakshot/internal/session"
	"github.com/example/chakshot/internal/usecase"
)

// MaxUploadSize is the default per-request upload limit.
const MaxUploadSize = 10 << 20

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// Service is the application surface the routes call.
type Service interface {
	UploadImage(subject string, role session.Role, img *backend.Image)
	Submit(ctx context.Context, subject string, req usecase.SubmitRequest) (*results.View, error)
	CurrentView(subject string) (*results.View, error)
	Export(subject string, stage pipeline.Stage) (string, []byte, error)
	GetRun(ctx context.Context, subject, runID string) (*usecase.RunRecord, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	Connectivity() connectivity.Snapshot
	RefreshConnectivity(ctx context.Context) connectivity.Snapshot
	CheckVersion(ctx context.Context) (*usecase.VersionStatus, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. A non-positive
// maxUpload selects MaxUploadSize.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, maxUpload int64) {
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)

	api.GET("/connectivity", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Connectivity())
	})

	api.POST("/connectivity/refresh", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.RefreshConnectivity(c.Request.Context()))
	})

	api.GET("/version", func(c *gin.Context) {
		status, err := svc.CheckVersion(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "backend version unavailable"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	api.PUT("/session/images/:role", func(c *gin.Context) {
		role, err := session.ParseRole(c.Param("role"))
		if err != nil {
			writeError(c, err)
			return
		}

		img, status, err := readImage(c, "image", maxUpload)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		svc.UploadImage(subject(c), role, img)
		c.JSON(http.StatusOK, gin.H{"role": role, "bytes": len(img.Data), "content_type": img.ContentType})
	})

	api.POST("/session/runs", func(c *gin.Context) {
		req := usecase.SubmitRequest{
			Mode:     c.PostForm("mode"),
			Flow:     c.PostForm("flow"),
			Language: c.PostForm("language"),
		}
		view, err := svc.Submit(c.Request.Context(), subject(c), req)
		if err != nil && view == nil {
			writeError(c, err)
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, view)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	api.GET("/session/view", func(c *gin.Context) {
		view, err := svc.CurrentView(subject(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	api.GET("/session/export/:stage", func(c *gin.Context) {
		name, data, err := svc.Export(subject(c), pipeline.Stage(c.Param("stage")))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		c.Data(http.StatusOK, "image/jpeg", data)
	})

	api.GET("/runs/:id", func(c *gin.Context) {
		record, err := svc.GetRun(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func subject(c *gin.Context) string {
	s, _ := auth.Subject(c.Request.Context())
	return s
}

func readImage(c *gin.Context, field string, maxUpload int64) (*backend.Image, int, error) {
	// Leave room for the multipart envelope around the file.
	limit := maxUpload + (1 << 20)
	if c.Request.ContentLength > limit {
		return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile(field)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
		}
		return nil, http.StatusBadRequest, fmt.Errorf("%s file is required", field)
	}
	if file.Size > maxUpload {
		return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read image")
	}

	contentType := file.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	contentType = strings.ToLower(contentType)
	if !allowedContentTypes[contentType] {
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %q", contentType)
	}

	return &backend.Image{Data: data, ContentType: contentType, Filename: file.Filename}, http.StatusOK, nil
}

func writeError(c *gin.Context, err error) {
	var (
		valErr  *pipeline.ValidationError
		connErr *pipeline.ConnectivityError
	)
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error(), "field": valErr.Field})
	case errors.As(err, &connErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is currently offline", "state": connErr.State})
	case errors.Is(err, usecase.ErrNoView), errors.Is(err, usecase.ErrNoVisual), errors.Is(err, usecase.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
