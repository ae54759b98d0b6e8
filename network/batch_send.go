package network

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lanshare/models"
)

// BatchItem is one file of a group send.
type BatchItem struct {
	Path       string
	RemoteName string
	Size       int64
}

// Batch is an ordered set of files sent under one group ID.
type Batch struct {
	Items     []BatchItem
	TotalSize int64
}

// CollectBatch expands paths into a batch. Files keep their basename;
// folders are walked and every regular file below is advertised as
// "folder/relative/path".
func CollectBatch(paths []string) (Batch, error) {
	var batch Batch
	add := func(path, remote string, size int64) {
		batch.Items = append(batch.Items, BatchItem{Path: path, RemoteName: remote, Size: size})
		batch.TotalSize += size
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return Batch{}, errors.Wrapf(err, "stat %s", root)
		}
		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				return Batch{}, errors.Errorf("%s is not a regular file", root)
			}
			add(root, filepath.Base(root), info.Size())
			continue
		}

		folder := filepath.Base(filepath.Clean(root))
		err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			fileInfo, err := entry.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			add(path, folder+"/"+filepath.ToSlash(rel), fileInfo.Size())
			return nil
		})
		if err != nil {
			return Batch{}, errors.Wrapf(err, "walk %s", root)
		}
	}
	return batch, nil
}

// SendBatch sends every item under a fresh group ID so the receiver asks
// once. Progress is aggregated over the batch. The batch stops at the first
// failure; a cancellation is returned as ErrCancelled. It returns the number
// of items sent.
func (s *Sender) SendBatch(ctx context.Context, peerAddr string, batch Batch, progress ProgressSink) (int, error) {
	if progress == nil {
		progress = s.opts.Progress
	}
	groupID := uuid.NewString()
	s.log.Info("sending batch",
		zap.String("peer", peerAddr),
		zap.String("group", groupID),
		zap.Int("files", len(batch.Items)),
		zap.Int64("size", batch.TotalSize))

	var sentBase int64
	for i, item := range batch.Items {
		base := sentBase
		aggregate := ProgressFunc(func(p models.Progress) {
			current := base + p.Current
			var eta float64
			if p.Speed > 0 && batch.TotalSize > current {
				eta = float64(batch.TotalSize-current) / p.Speed
			}
			progress.Progress(models.Progress{
				Name:    p.Name,
				Current: current,
				Total:   batch.TotalSize,
				Mode:    models.ModeSendingBatch,
				Speed:   p.Speed,
				ETA:     secondsToDuration(eta),
			})
		})

		err := s.SendFile(ctx, peerAddr, item.Path, SendOptions{
			RemoteName: item.RemoteName,
			GroupID:    groupID,
			GroupSize:  batch.TotalSize,
			Progress:   aggregate,
			mode:       models.ModeSendingBatch,
		})
		if err != nil {
			if !errors.Is(err, ErrCancelled) && Classify(err) == models.OutcomeCancelled {
				return i, errors.Wrap(ErrCancelled, err.Error())
			}
			return i, err
		}
		sentBase += item.Size
	}
	return len(batch.Items), nil
}
