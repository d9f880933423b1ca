package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
	"github.com/runningman84/zfsvault/pkg/config"
	"github.com/runningman84/zfsvault/pkg/ipfs"
	"github.com/runningman84/zfsvault/pkg/models"
	"github.com/runningman84/zfsvault/pkg/parser"
	"github.com/runningman84/zfsvault/pkg/result"
	"github.com/runningman84/zfsvault/pkg/runner"
	"github.com/runningman84/zfsvault/pkg/zfs"
)

// Files with this suffix are zstd-compressed on send and decompressed on receive
const compressedSuffix = ".zst"

// Pipeline launches snapshot and transfer operations. Each method returns
// immediately with a Task; the work runs on its own goroutine. Callers must
// serialize operations on the same dataset themselves.
type Pipeline struct {
	config  *config.Config
	manager *zfs.Manager
	runner  runner.Runner
	locator ipfs.Locator
	log     logr.Logger
	metrics *Metrics
}

// NewPipeline creates a pipeline. The locator is consulted on every IPFS
// transfer; its result is never cached.
func NewPipeline(cfg *config.Config, manager *zfs.Manager, r runner.Runner, locator ipfs.Locator, log logr.Logger) *Pipeline {
	return &Pipeline{
		config:  cfg,
		manager: manager,
		runner:  r,
		locator: locator,
		log:     log,
	}
}

// WithMetrics makes the pipeline record every operation in m
func (p *Pipeline) WithMetrics(m *Metrics) *Pipeline {
	p.metrics = m
	return p
}

// launch runs fn as a Task, logging start, success and failure
func launch[T any](p *Pipeline, op result.Operation, keysAndValues []interface{}, fn func() (T, error)) *Task[T] {
	log := p.log.WithValues(append([]interface{}{"operation", string(op)}, keysAndValues...)...)
	return start(func() (T, error) {
		log.Info("Operation started")
		begin := time.Now()

		value, err := fn()

		elapsed := time.Since(begin)
		p.metrics.observe(string(op), elapsed.Seconds(), err)
		if err != nil {
			log.Error(err, "Operation failed", "elapsed", elapsed.String())
		} else {
			log.Info("Operation finished", "elapsed", elapsed.String())
		}
		return value, err
	})
}

// CreateSnapshot creates dataset@name
func (p *Pipeline) CreateSnapshot(ctx context.Context, dataset, name string) *Task[models.Snapshot] {
	snapshot := models.Snapshot{Dataset: dataset, Name: name}
	if err := models.ValidateDatasetName(dataset); err != nil {
		return failed[models.Snapshot](err)
	}
	if err := models.ValidateSnapshotName(name); err != nil {
		return failed[models.Snapshot](err)
	}

	return launch(p, result.OpSnapshot, []interface{}{"snapshot", snapshot.String()}, func() (models.Snapshot, error) {
		args := config.Command(p.config.ZFSAdminCmd, "snapshot", snapshot.String())
		res, err := p.runner.Run(ctx, args, nil)
		if err != nil {
			return models.Snapshot{}, result.StartFailure(result.OpSnapshot, args, err)
		}
		if err := result.Check(result.OpSnapshot, args, res, false); err != nil {
			return models.Snapshot{}, err
		}
		return snapshot, nil
	})
}

// SendSnapshotToFile streams `zfs send <snapshot>` into filePath, truncating
// it first. A failed send leaves whatever was written in place.
func (p *Pipeline) SendSnapshotToFile(ctx context.Context, snapshot, filePath string) *Task[string] {
	snap, err := models.ParseSnapshot(snapshot)
	if err != nil {
		return failed[string](err)
	}

	return launch(p, result.OpSend, []interface{}{"snapshot", snapshot, "file", filePath}, func() (string, error) {
		f, err := os.Create(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", filePath, err)
		}
		defer f.Close()

		var w io.Writer = f
		var enc *zstd.Encoder
		if strings.HasSuffix(filePath, compressedSuffix) {
			enc, err = zstd.NewWriter(f)
			if err != nil {
				return "", fmt.Errorf("failed to create zstd encoder: %w", err)
			}
			w = enc
		}

		args := config.Command(p.config.ZFSAdminCmd, "send", snap.String())
		res, err := p.runner.RunTo(ctx, args, w)
		var flushErr error
		if enc != nil {
			flushErr = enc.Close()
		}
		if err != nil {
			return "", result.StartFailure(result.OpSend, args, err)
		}
		if err := result.Check(result.OpSend, args, res, false); err != nil {
			return "", err
		}
		if flushErr != nil {
			return "", fmt.Errorf("failed to flush zstd stream: %w", flushErr)
		}
		if err := f.Sync(); err != nil {
			return "", fmt.Errorf("failed to sync %s: %w", filePath, err)
		}
		return filePath, nil
	})
}

// ReceiveDatasetFromFile feeds a stream written by SendSnapshotToFile into
// `zfs receive <dataset>` and returns the new dataset's status
func (p *Pipeline) ReceiveDatasetFromFile(ctx context.Context, filePath, dataset string) *Task[models.DatasetStatus] {
	if err := models.ValidateDatasetName(dataset); err != nil {
		return failed[models.DatasetStatus](err)
	}

	return launch(p, result.OpReceive, []interface{}{"file", filePath, "dataset", dataset}, func() (models.DatasetStatus, error) {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
		}
		defer f.Close()

		var r io.Reader = f
		if strings.HasSuffix(filePath, compressedSuffix) {
			dec, err := zstd.NewReader(f)
			if err != nil {
				return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
			}
			defer dec.Close()
			r = dec
		}

		args := config.Command(p.config.ZFSAdminCmd, "receive", dataset)
		res, err := p.runner.Run(ctx, args, r)
		if err != nil {
			return nil, result.StartFailure(result.OpReceive, args, err)
		}
		if err := result.Check(result.OpReceive, args, res, false); err != nil {
			return nil, err
		}
		return p.manager.GetStatus(ctx, dataset)
	})
}

// CloneFromSnapshot creates dataset from snapshot with its own quota and
// deferred mounting
func (p *Pipeline) CloneFromSnapshot(ctx context.Context, snapshot, dataset, quota string) *Task[string] {
	snap, err := models.ParseSnapshot(snapshot)
	if err != nil {
		return failed[string](err)
	}
	if err := models.ValidateDatasetName(dataset); err != nil {
		return failed[string](err)
	}
	if err := models.ValidateQuota(quota); err != nil {
		return failed[string](err)
	}

	return launch(p, result.OpClone, []interface{}{"snapshot", snapshot, "dataset", dataset}, func() (string, error) {
		args := config.Command(p.config.ZFSAdminCmd, "clone",
			"-o", "quota="+quota,
			"-o", "canmount=noauto",
			snap.String(), dataset,
		)
		res, err := p.runner.Run(ctx, args, nil)
		if err != nil {
			return "", result.StartFailure(result.OpClone, args, err)
		}
		if err := result.Check(result.OpClone, args, res, false); err != nil {
			return "", err
		}
		return dataset, nil
	})
}

// SendSnapshotToIPFS pipes a raw recursive send of snapshot into `ipfs add`
// inside the sidecar and resolves to the content identifier. The buzhash
// chunker lets unchanged regions of later snapshots deduplicate even when
// their byte offsets shift.
func (p *Pipeline) SendSnapshotToIPFS(ctx context.Context, snapshot string) *Task[string] {
	snap, err := models.ParseSnapshot(snapshot)
	if err != nil {
		return failed[string](err)
	}

	return launch(p, result.OpIPFSSend, []interface{}{"snapshot", snapshot}, func() (string, error) {
		containerID, err := p.locator.ContainerID(ctx)
		if err != nil {
			return "", result.LookupFailure(result.OpIPFSSend, err)
		}

		send := config.Command(p.config.ZFSAdminCmd, "send", "-Rw", snap.String())
		add := ipfs.ExecCommand(p.config.DockerCmd, containerID, ipfs.AddArgs(p.config.IPFSChunker)...)
		res, err := p.runner.Pipe(ctx, send, add)
		if err != nil {
			return "", result.StartFailure(result.OpIPFSSend, append(send, add...), err)
		}
		if err := result.Check(result.OpIPFSSend, append(send, add...), res, false); err != nil {
			return "", err
		}

		cid, err := parser.ParseCID(res.Stdout)
		if err != nil {
			return "", result.ParseFailure(result.OpIPFSSend, err)
		}
		if err := models.ValidateCID(cid); err != nil {
			return "", result.ParseFailure(result.OpIPFSSend, err)
		}
		p.log.V(1).Info("Parsed content identifier", "snapshot", snapshot, "cid", cid, "stdout", res.Stdout)
		return cid, nil
	})
}

// ReceiveDatasetFromIPFS pipes `ipfs cat <cid>` from the sidecar into
// `zfs receive <dataset>` and resolves to the received dataset's status
func (p *Pipeline) ReceiveDatasetFromIPFS(ctx context.Context, cid, dataset string) *Task[models.DatasetStatus] {
	if err := models.ValidateCID(cid); err != nil {
		return failed[models.DatasetStatus](err)
	}
	if err := models.ValidateDatasetName(dataset); err != nil {
		return failed[models.DatasetStatus](err)
	}

	return launch(p, result.OpIPFSFetch, []interface{}{"cid", cid, "dataset", dataset}, func() (models.DatasetStatus, error) {
		containerID, err := p.locator.ContainerID(ctx)
		if err != nil {
			return nil, result.LookupFailure(result.OpIPFSFetch, err)
		}

		cat := ipfs.ExecCommand(p.config.DockerCmd, containerID, ipfs.CatArgs(cid)...)
		receive := config.Command(p.config.ZFSAdminCmd, "receive", dataset)
		res, err := p.runner.Pipe(ctx, cat, receive)
		if err != nil {
			return nil, result.StartFailure(result.OpIPFSFetch, append(cat, receive...), err)
		}
		if err := result.Check(result.OpIPFSFetch, append(cat, receive...), res, false); err != nil {
			return nil, err
		}

		status, err := p.manager.GetStatus(ctx, dataset)
		if err != nil {
			return nil, err
		}
		p.log.Info("Received dataset", "status", map[string]string(status))
		return status, nil
	})
}
