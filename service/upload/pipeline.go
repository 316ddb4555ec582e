package upload

import (
	"context"

	"WorkChat/service/storage"
	"WorkChat/tools/errs"
)

// Pipeline runs the fixed stage sequence for one job:
// scan -> transform -> thumbnail (image/video only) -> store.
type Pipeline struct {
	Scanner      Scanner
	Transformers map[FileKind]Transformer
	Thumbnailer  Thumbnailer
	Store        storage.Store
}

// Run executes the stages, honoring ctx cancellation between them. The
// returned metadata is what the store stage persisted.
func (p *Pipeline) Run(ctx context.Context, job Job) (map[string]any, error) {
	// scan: a detection is terminal, the file never reaches transform
	if p.Scanner != nil {
		if err := p.Scanner.Scan(ctx, job.FilePath); err != nil {
			if errs.IsTerminal(err) {
				return nil, err
			}
			return nil, errs.ErrScanTimeout.WrapMsg("scan", "path", job.FilePath, "err", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := map[string]any{}
	for k, v := range job.Options.Meta {
		result[k] = v
	}

	if tr, ok := p.Transformers[job.Options.Kind]; ok {
		meta, err := tr.Transform(ctx, job)
		if err != nil {
			return nil, errs.WrapMsg(err, "transform", "kind", string(job.Options.Kind))
		}
		for k, v := range meta {
			result[k] = v
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.Thumbnailer != nil && (job.Options.Kind == KindImage || job.Options.Kind == KindVideo) {
		thumb, err := p.Thumbnailer.Thumbnail(ctx, job)
		if err != nil {
			return nil, errs.WrapMsg(err, "thumbnail", "kind", string(job.Options.Kind))
		}
		result["thumbnail_path"] = thumb
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.Store.UpdateUploadStatus(ctx, job.UploadID, string(StatusCompleted), result); err != nil {
		return nil, err
	}
	return result, nil
}
