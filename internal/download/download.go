// Package download wraps the external multi-connection transfer tool the
// agent uses to fetch image archives.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrDownload    = errors.New("download: failed")
	ErrToolMissing = errors.New("download: aria2c not found, please install it first")
)

// Downloader retrieves a remote resource to a local destination path and
// returns the path on success.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string) (string, error)
}

// Aria2c downloads with the aria2c binary using 16 connections and 16
// splits at 1M pieces.
type Aria2c struct{}

// Check verifies the aria2c binary is present. Callers treat a failure as
// fatal before serving begins.
func Check() error {
	if _, err := exec.LookPath("aria2c"); err != nil {
		return ErrToolMissing
	}
	return nil
}

func (Aria2c) Fetch(ctx context.Context, url, dest string) (string, error) {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	log.Debug().Str("url", url).Str("dest", abs).Msg("starting download")

	cmd := exec.CommandContext(ctx, "aria2c",
		"-x", "16",
		"-s", "16",
		"-k", "1M",
		url,
		"-d", filepath.Dir(abs),
		"-o", filepath.Base(abs),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		log.Error().Str("url", url).Str("diagnostic", diag).Msg("download failed")
		return "", fmt.Errorf("%w: %s: %s", ErrDownload, url, diag)
	}
	return abs, nil
}
