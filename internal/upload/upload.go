// Package upload transfers the images of persisted scans to an object store.
//
// Uploads are best effort: a failing image is recorded and the pipeline moves
// on, only a failed authentication stops it. Images of one scan are uploaded
// sequentially.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bloom-desktop/bloom/internal/log"
	"github.com/bloom-desktop/bloom/internal/store"
)

const pngContentType = "image/png"

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("scan not found")
)

// ObjectStore is the remote side of the pipeline.
type ObjectStore interface {
	// Login authenticates once. Errors are wrapped in ErrAuthFailed by the Pipeline.
	Login(ctx context.Context) error
	// Put stores the content of r under key. Rejected credentials are
	// reported with ErrAuthFailed.
	Put(ctx context.Context, key, contentType string, r io.Reader) error
}

// Scans is the part of store.Store the pipeline needs.
type Scans interface {
	GetScan(ctx context.Context, id string) (store.Scan, error)
	SetImageStatus(ctx context.Context, imageID uint, status store.Status) error
}

type Progress struct {
	Current    int          `json:"current"`
	Total      int          `json:"total"`
	Percentage int          `json:"percentage"`
	ImageID    uint         `json:"image_id"`
	Status     store.Status `json:"status"`
}

type BatchProgress struct {
	CurrentScan int    `json:"current_scan"`
	TotalScans  int    `json:"total_scans"`
	ScanID      string `json:"scan_id"`
	Result      Result `json:"scan_result"`
}

// Result aggregates the upload of one scan. Uploaded+Failed always equals Total.
type Result struct {
	ScanID   string   `json:"scan_id"`
	Success  bool     `json:"success"`
	Uploaded int      `json:"uploaded"`
	Failed   int      `json:"failed"`
	Total    int      `json:"total"`
	Errors   []string `json:"errors,omitempty"`
}

func (r *Result) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err.Error())
}

// Key returns the object key of a frame.
func Key(scanID string, frameNumber int) string {
	return fmt.Sprintf("scans/%s/%03d.png", scanID, frameNumber)
}

// Pipeline uploads scans using one authenticated session. Once
// authentication failed, every call fails with ErrAuthFailed; create a new
// Pipeline to log in again.
type Pipeline struct {
	scans   Scans
	objects ObjectStore

	mx            sync.Mutex
	authenticated bool
	authErr       error
}

func New(scans Scans, objects ObjectStore) *Pipeline {
	return &Pipeline{scans: scans, objects: objects}
}

func (p *Pipeline) Authenticate(ctx context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.authErr != nil {
		return p.authErr
	}
	if p.authenticated {
		return nil
	}
	if err := p.objects.Login(ctx); err != nil {
		p.authErr = authFailed(err)
		slog.ErrorContext(ctx, "upload login", "error", err)
		return p.authErr
	}
	p.authenticated = true
	return nil
}

func (p *Pipeline) ready() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	switch {
	case p.authErr != nil:
		return p.authErr
	case !p.authenticated:
		return ErrNotAuthenticated
	}
	return nil
}

func (p *Pipeline) revoke(err error) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.authErr = authFailed(err)
	p.authenticated = false
	return p.authErr
}

func authFailed(err error) error {
	if errors.Is(err, ErrAuthFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAuthFailed, err)
}

// UploadScan uploads every image of the scan not uploaded yet. Images already
// uploaded count as uploaded. The returned error is nil unless the scan is
// unknown or authentication failed.
func (p *Pipeline) UploadScan(ctx context.Context, scanID string, onProgress func(Progress)) (Result, error) {
	ctx = log.ContextAttrs(ctx, slog.String("scan_id", scanID))
	res := Result{ScanID: scanID}
	if err := p.ready(); err != nil {
		return res, err
	}
	scan, err := p.scans.GetScan(ctx, scanID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return res, fmt.Errorf("%w: %s", ErrNotFound, scanID)
	case err != nil:
		return res, err
	}

	res.Total = len(scan.Images)
	for i, img := range scan.Images {
		status, err := p.uploadImage(ctx, scanID, img)
		switch {
		case errors.Is(err, ErrAuthFailed):
			res.fail(err)
			// the remaining images are not attempted
			res.Failed += res.Total - i - 1
			res.Success = res.Uploaded > 0
			return res, p.revoke(err)
		case err != nil:
			slog.WarnContext(ctx, "uploading image", "frame", img.FrameNumber, "error", err)
			res.fail(err)
		default:
			res.Uploaded++
		}
		if onProgress != nil {
			onProgress(Progress{
				Current:    i + 1,
				Total:      res.Total,
				Percentage: (i + 1) * 100 / res.Total,
				ImageID:    img.ID,
				Status:     status,
			})
		}
	}
	res.Success = res.Uploaded > 0 || res.Total == 0
	slog.InfoContext(ctx, "scan uploaded", "uploaded", res.Uploaded, "failed", res.Failed, "total", res.Total)
	return res, nil
}

func (p *Pipeline) uploadImage(ctx context.Context, scanID string, img store.Image) (store.Status, error) {
	if img.Status == store.StatusUploaded {
		return store.StatusUploaded, nil
	}
	if err := p.scans.SetImageStatus(ctx, img.ID, store.StatusUploading); err != nil {
		return img.Status, err
	}
	putErr := p.put(ctx, Key(scanID, img.FrameNumber), img.Path)
	status := store.StatusUploaded
	if putErr != nil {
		status = store.StatusFailed
	}
	// the status is recorded even when ctx was cancelled during the upload
	if err := p.scans.SetImageStatus(context.WithoutCancel(ctx), img.ID, status); err != nil {
		return store.StatusUploading, errors.Join(putErr, err)
	}
	return status, putErr
}

func (p *Pipeline) put(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	return p.objects.Put(ctx, key, pngContentType, f)
}

// UploadBatch uploads scans one after another. A scan failing entirely does
// not stop the batch, a failed authentication or a done ctx does.
func (p *Pipeline) UploadBatch(ctx context.Context, scanIDs []string, onProgress func(BatchProgress)) ([]Result, error) {
	results := make([]Result, 0, len(scanIDs))
	for i, id := range scanIDs {
		if err := ctx.Err(); err != nil {
			slog.InfoContext(ctx, "upload interrupted", "uploaded_scans", i, "total_scans", len(scanIDs))
			return results, err
		}
		res, err := p.UploadScan(ctx, id, nil)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNotAuthenticated) {
				return append(results, res), err
			}
			res.Errors = append(res.Errors, err.Error())
		}
		results = append(results, res)
		if onProgress != nil {
			onProgress(BatchProgress{
				CurrentScan: i + 1,
				TotalScans:  len(scanIDs),
				ScanID:      id,
				Result:      res,
			})
		}
	}
	return results, nil
}
