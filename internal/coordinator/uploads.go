package coordinator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/MikeSquared-Agency/fabrom/internal/images"
)

const uploadWorkers = 4

// ImageFile is one image picked by the user.
type ImageFile struct {
	Name string
	Data []byte
}

// UploadImages stages and uploads a batch. Oversized or failed files each
// produce a warning and do not stop the rest of the batch.
func (c *Coordinator) UploadImages(ctx context.Context, files []ImageFile) ([]images.Staged, []string) {
	var warnings []string
	type job struct {
		id   uuid.UUID
		file ImageFile
	}
	var jobs []job
	for _, f := range files {
		if err := images.CheckSize(f.Name, int64(len(f.Data))); err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		jobs = append(jobs, job{id: c.stage.Add(f.Name), file: f})
	}

	p := pool.NewWithResults[string]().WithMaxGoroutines(uploadWorkers)
	for _, j := range jobs {
		p.Go(func() string {
			if c.uploader == nil {
				c.stage.Fail(j.id)
				return fmt.Sprintf("%s: %v", j.file.Name, images.ErrNotConfigured)
			}
			up, err := c.uploader.Upload(ctx, j.file.Name, j.file.Data)
			if err != nil {
				c.stage.Fail(j.id)
				c.logger.Error("image upload failed", "name", j.file.Name, "error", err)
				return fmt.Sprintf("%s: upload failed", j.file.Name)
			}
			c.stage.Complete(j.id, up.URL)
			return ""
		})
	}
	for _, w := range p.Wait() {
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	return c.stage.List(), warnings
}

// StagedImages lists the images that will go with the next message.
func (c *Coordinator) StagedImages() []images.Staged { return c.stage.List() }

// RemoveStagedImage unstages an image. It reports false for unknown ids.
func (c *Coordinator) RemoveStagedImage(id uuid.UUID) bool { return c.stage.Remove(id) }
