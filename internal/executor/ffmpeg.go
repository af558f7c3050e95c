package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"tapedeck/pkg/models"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

var audioExtensions = map[string]bool{
	"mp3": true, "m4a": true, "aac": true, "opus": true, "flac": true,
}

// embedMetadata embeds title/channel/date/description/tags/url plus an
// optional thumbnail attachment into localFile in place. Streams are copied,
// never re-encoded. Best effort: failures leave the original untouched.
func embedMetadata(ctx context.Context, localFile string, meta *models.MediaMeta, itemID, thumbsDir string, logger *logrus.Logger) {
	if meta == nil {
		return
	}

	title := firstNonEmpty(meta.Title, itemID)
	dateTag := ""
	if len(meta.UploadDate) == 8 && isDigits(meta.UploadDate) {
		dateTag = fmt.Sprintf("%s-%s-%s", meta.UploadDate[0:4], meta.UploadDate[4:6], meta.UploadDate[6:8])
	}
	comment := fmt.Sprintf("ItemID=%s URL=%s", itemID, meta.URL)

	baseExt := strings.ToLower(strings.TrimPrefix(filepath.Ext(localFile), "."))
	audioOnly := audioExtensions[baseExt]

	// Thumbnail fetch is best effort.
	thumbPath := ""
	if meta.ThumbnailURL != "" && thumbsDir != "" && !audioOnly {
		if err := os.MkdirAll(thumbsDir, 0o755); err == nil {
			candidate := filepath.Join(thumbsDir, itemID+".jpg")
			resp, err := resty.New().SetTimeout(15 * time.Second).R().SetContext(ctx).Get(meta.ThumbnailURL)
			if err == nil && resp.IsSuccess() && len(resp.Body()) > 0 {
				if err := os.WriteFile(candidate, resp.Body(), 0o644); err == nil {
					thumbPath = candidate
				}
			}
		}
	}
	if thumbPath != "" {
		defer os.Remove(thumbPath)
	}

	tmpPath := filepath.Join(filepath.Dir(localFile), ".tagged-"+filepath.Base(localFile))
	args := []string{"-y", "-i", localFile}
	if thumbPath != "" {
		args = append(args,
			"-attach", thumbPath,
			"-metadata:s:t", "mimetype=image/jpeg",
			"-metadata:s:t", "filename=cover.jpg",
		)
	}
	if title != "" {
		args = append(args, "-metadata", "title="+title)
	}
	if meta.Channel != "" {
		args = append(args, "-metadata", "artist="+meta.Channel)
	}
	if dateTag != "" {
		args = append(args, "-metadata", "date="+dateTag)
	}
	if meta.Description != "" {
		args = append(args, "-metadata", "description="+meta.Description)
	}
	if len(meta.Tags) > 0 {
		args = append(args, "-metadata", "keywords="+strings.Join(meta.Tags, ", "))
	}
	args = append(args, "-metadata", "comment="+comment, "-c", "copy", tmpPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		logger.WithError(err).WithField("item_id", itemID).Warn("metadata embedding failed")
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, localFile); err != nil {
		logger.WithError(err).WithField("item_id", itemID).Warn("metadata embed rename failed")
		os.Remove(tmpPath)
	}
}

// remuxTo attempts a copy-only remux into desiredExt. Impossible container
// transitions are refused; a failed remux removes the partial output and
// falls back to the original container. Returns the path to keep.
func remuxTo(ctx context.Context, localFile, desiredExt string, logger *logrus.Logger) string {
	currentExt := strings.ToLower(strings.TrimPrefix(filepath.Ext(localFile), "."))
	desiredExt = strings.ToLower(desiredExt)
	if desiredExt == "" || currentExt == desiredExt {
		return localFile
	}
	// H.264/AAC cannot live in a WebM container without re-encoding.
	if currentExt == "mp4" && desiredExt == "webm" {
		logger.WithField("file", filepath.Base(localFile)).Warn("skipping mp4->webm container copy; consider final_format=mp4")
		return localFile
	}

	converted := strings.TrimSuffix(localFile, filepath.Ext(localFile)) + "." + desiredExt
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", localFile, "-c", "copy", converted)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		logger.WithError(err).WithField("file", filepath.Base(localFile)).Warn("container remux failed, keeping original")
		os.Remove(converted)
		return localFile
	}
	os.Remove(localFile)
	return converted
}
