package agent

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makinet/agent/internal/image"
	"github.com/makinet/agent/internal/observability"
	"github.com/makinet/agent/internal/task"
)

var startedAt = time.Now()

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(startedAt).String(),
			"service": "makinet-agent",
			"slug":    s.slug,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	actions := r.Group("/actions")
	actions.POST("/task/run", s.runTask)
	actions.GET("/task/ls", s.listTasks)
	actions.GET("/task/:slug", s.getTask)
	actions.GET("/task/:slug/logs/:logger", s.getTaskLogs)
	actions.GET("/image/ls", s.listImages)
	actions.POST("/image/pull", s.pullImage)
}

// runTask accepts a task definition, starts it and registers it. The
// response carries the derived status of the now-running task.
func (s *Service) runTask(c *gin.Context) {
	t := &task.Task{}
	if err := c.ShouldBindJSON(t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.Add(t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	observability.RecordTaskStart(s.slug)
	c.JSON(http.StatusOK, t)
}

func (s *Service) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.List())
}

func (s *Service) getTask(c *gin.Context) {
	t, err := s.manager.Get(c.Param("slug"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// getTaskLogs returns the captured lines of one named logger of one task.
// Absence of either the task or the logger is a 404; asking a console
// logger for its lines is a 400.
func (s *Service) getTaskLogs(c *gin.Context) {
	t, err := s.manager.Get(c.Param("slug"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("logger")
	for _, logger := range t.Loggers {
		if logger.Name() != name {
			continue
		}
		logs, err := logger.GetLogs()
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, task.ErrUnsupported) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"slug": t.Slug, "logger": name, "logs": logs})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "logger not found: " + name})
}

// listImages scans the local image directory, loading metadata only.
// Entries that are not readable image archives are skipped.
func (s *Service) listImages(c *gin.Context) {
	images := make([]imageView, 0)
	err := filepath.WalkDir(s.cfg.ImageDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		img, err := image.LoadMetadata(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable image archive")
			return nil
		}
		images = append(images, newImageView(img))
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, images)
}

type pullRequest struct {
	ImageURL string `json:"image_url" binding:"required"`
}

// pullImage downloads and unpacks a remote image archive, answering with a
// metadata-only view. Note this can be slow; callers should set generous
// timeouts.
func (s *Service) pullImage(c *gin.Context) {
	var req pullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	img, err := image.Pull(c.Request.Context(), s.downloader, req.ImageURL, s.cfg.ImageDir())
	observability.RecordImagePull(s.slug, time.Since(start), err == nil)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, newImageView(img.WithoutContent()))
}

// imageView is the wire shape of an image for API responses.
type imageView struct {
	Slug    string      `json:"slug"`
	Version string      `json:"version"`
	Layers  []layerView `json:"layers"`
}

type layerView struct {
	Slug         string            `json:"slug"`
	Checksum     map[string]string `json:"checksum"`
	DeletedFiles []string          `json:"deleted_files"`
}

func newImageView(img *image.Image) imageView {
	layers := make([]layerView, 0, len(img.Layers))
	for _, l := range img.Layers {
		layers = append(layers, layerView{
			Slug:         l.Slug(),
			Checksum:     l.Checksum,
			DeletedFiles: l.DeletedFiles,
		})
	}
	return imageView{Slug: img.Slug, Version: img.Version, Layers: layers}
}
