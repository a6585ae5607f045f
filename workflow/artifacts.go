/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tenebris-tech/x2md/convert"

	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/logging"
)

// ArtifactStore offloads oversized tool outputs to disk so event payloads and
// planner prompts stay small. HTML documents are converted to markdown, which
// planners digest far better than raw markup.
type ArtifactStore struct {
	dir         string
	inlineLimit int
	logger      *logging.Logger
}

// NewArtifactStore creates an artifact store rooted at dir. Outputs at or
// under inlineLimit bytes are left inline.
func NewArtifactStore(dir string, inlineLimit int, logger *logging.Logger) *ArtifactStore {
	return &ArtifactStore{
		dir:         dir,
		inlineLimit: inlineLimit,
		logger:      logger,
	}
}

// InlineLimit returns the offload threshold in bytes
func (a *ArtifactStore) InlineLimit() int {
	return a.inlineLimit
}

// ShouldOffload reports whether an output of the given size belongs on disk
func (a *ArtifactStore) ShouldOffload(size int) bool {
	return a != nil && size > a.inlineLimit
}

// Offload writes a step output to the artifacts directory and returns the
// stored path. HTML payloads are converted to markdown and the markdown path
// is returned instead.
func (a *ArtifactStore) Offload(executionID string, stepNumber int, attempt int, text string) (string, error) {
	// Execution IDs come in from the outside on status paths, so never let
	// one escape the artifacts root
	execDir, err := global.ValidatePathWithinDir(a.dir, executionID)
	if err != nil {
		return "", fmt.Errorf("invalid execution ID for artifact path: %w", err)
	}
	if err := global.EnsureDir(execDir); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	ext := "txt"
	if looksLikeHTML(text) {
		ext = "html"
	}
	path := filepath.Join(execDir, fmt.Sprintf("step-%d-attempt-%d.%s", stepNumber, attempt, ext))

	// Artifact paths are handed to readers as soon as Offload returns, so
	// the file must never be observable half-written
	if err := global.AtomicWrite(path, []byte(text)); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	if ext == "html" {
		converter := convert.New(
			convert.WithSkipExisting(true),
		)
		if result, err := converter.Convert(path); err != nil {
			// Keep the raw HTML artifact; conversion is best effort
			a.logger.Warnf("Artifact conversion failed for %s: %v", path, err)
		} else if result.Converted > 0 {
			mdPath := strings.TrimSuffix(path, ".html") + ".md"
			if _, statErr := os.Stat(mdPath); statErr == nil {
				a.logger.Debugf("Converted artifact %s to markdown", path)
				return mdPath, nil
			}
		}
	}

	return path, nil
}

// looksLikeHTML detects HTML-ish documents worth converting to markdown
func looksLikeHTML(text string) bool {
	head := strings.ToLower(strings.TrimSpace(text))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") ||
		strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<body")
}

// preview returns the head of an offloaded output for inline display
func preview(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
