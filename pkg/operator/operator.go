package operator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/runningman84/zfsvault/pkg/config"
	"github.com/runningman84/zfsvault/pkg/models"
	"github.com/runningman84/zfsvault/pkg/transfer"
	"github.com/runningman84/zfsvault/pkg/zfs"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ArchiveRecord describes one dataset pushed to IPFS by Archive
type ArchiveRecord struct {
	Dataset  string `json:"dataset"`
	Snapshot string `json:"snapshot"`
	CID      string `json:"cid"`
}

// Operator runs the dataset lifecycle in the order zfs requires:
// load-key before mount, unmount before destroy
type Operator struct {
	config   *config.Config
	manager  *zfs.Manager
	pipeline *transfer.Pipeline

	mu            sync.Mutex
	runID         string
	creationCount int // datasets and snapshots created in current run
	transferCount int // IPFS transfers completed in current run
}

// NewOperator creates a new operator instance
func NewOperator(cfg *config.Config, manager *zfs.Manager, pipeline *transfer.Pipeline) *Operator {
	return &Operator{
		config:   cfg,
		manager:  manager,
		pipeline: pipeline,
	}
}

// run wraps a workflow with the run lock, a fresh run id and a summary line
func (o *Operator) run(workflow string, fn func() error) error {
	if o.config.EnableLocking {
		if err := o.acquireLock(); err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		defer o.releaseLock()
	}

	o.mu.Lock()
	o.runID = uuid.NewString()
	o.creationCount = 0
	o.transferCount = 0
	o.mu.Unlock()

	klog.Infof("Starting %s run %s", workflow, o.runID)
	o.logConfig()

	begin := time.Now()
	if err := fn(); err != nil {
		klog.Infof("Run %s failed after %s: %v", o.runID, time.Since(begin).Round(time.Millisecond), err)
		return err
	}

	klog.Infof("Run %s completed successfully in %s - created %d object(s), transferred %d snapshot(s)",
		o.runID, time.Since(begin).Round(time.Millisecond), o.creationCount, o.transferCount)
	return nil
}

// RunID returns the id of the current or last run
func (o *Operator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

func (o *Operator) countCreation() {
	o.mu.Lock()
	o.creationCount++
	o.mu.Unlock()
}

func (o *Operator) countTransfer() {
	o.mu.Lock()
	o.transferCount++
	o.mu.Unlock()
}

// Provision makes sure name exists with its key loaded and is mounted
func (o *Operator) Provision(ctx context.Context, name, mountpoint, passphrase, quota string) (models.DatasetStatus, error) {
	var status models.DatasetStatus
	err := o.run("provision", func() error {
		exists, err := o.manager.Exists(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check dataset %s: %w", name, err)
		}

		if exists {
			klog.Infof("Dataset %s already exists", name)
		} else {
			if _, err := o.manager.CreateDataset(ctx, name, mountpoint, passphrase, quota); err != nil {
				return fmt.Errorf("failed to create dataset %s: %w", name, err)
			}
			o.countCreation()
			klog.Infof("Successfully created dataset %s", name)
		}

		status, err = o.unlock(ctx, name, passphrase)
		return err
	})
	return status, err
}

// unlock loads the key, mounts if necessary and returns the final status
func (o *Operator) unlock(ctx context.Context, name, passphrase string) (models.DatasetStatus, error) {
	if err := o.manager.LoadKey(ctx, name, passphrase); err != nil {
		return nil, fmt.Errorf("failed to load key for %s: %w", name, err)
	}

	status, err := o.manager.GetStatus(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", name, err)
	}
	if status.Mounted() {
		klog.Infof("Dataset %s is already mounted at %s", name, status.Mountpoint())
	} else {
		if err := o.manager.Mount(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to mount %s: %w", name, err)
		}
		if status, err = o.manager.GetStatus(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to get status of %s: %w", name, err)
		}
	}

	o.logDatasetUsage(status)
	return status, nil
}

// SnapshotLabel returns the label Archive gives snapshots taken at now
func (o *Operator) SnapshotLabel(now time.Time) string {
	return fmt.Sprintf("%s_%s", o.config.SnapshotPrefix, now.Format("2006-01-02_15:04:05"))
}

// Archive snapshots every dataset under one label and pushes each snapshot
// to IPFS, at most MaxConcurrentTransfers at a time. A failing dataset does
// not stop the others; records are returned for those that succeeded.
func (o *Operator) Archive(ctx context.Context, datasets ...string) ([]ArchiveRecord, error) {
	var records []ArchiveRecord
	err := o.run("archive", func() error {
		label := o.SnapshotLabel(time.Now())
		klog.Infof("Archiving %d dataset(s) as %s", len(datasets), label)

		results := make([]*ArchiveRecord, len(datasets))
		errs := make([]error, len(datasets))

		var g errgroup.Group
		g.SetLimit(o.config.MaxConcurrentTransfers)
		for i, dataset := range datasets {
			i, dataset := i, dataset
			g.Go(func() error {
				record, err := o.archiveOne(ctx, dataset, label)
				if err != nil {
					klog.Infof("Error archiving dataset %s: %v", dataset, err)
					errs[i] = fmt.Errorf("dataset %s: %w", dataset, err)
					return nil
				}
				results[i] = record
				return nil
			})
		}
		_ = g.Wait()

		for _, record := range results {
			if record != nil {
				records = append(records, *record)
			}
		}

		var failures []error
		for _, err := range errs {
			if err != nil {
				failures = append(failures, err)
			}
		}
		if len(failures) > 0 {
			return fmt.Errorf("archive encountered %d error(s): %w", len(failures), errors.Join(failures...))
		}
		return nil
	})
	return records, err
}

func (o *Operator) archiveOne(ctx context.Context, dataset, label string) (*ArchiveRecord, error) {
	snapshot, err := o.pipeline.CreateSnapshot(ctx, dataset, label).Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	o.countCreation()
	klog.Infof("Successfully created snapshot %s", snapshot)

	cid, err := o.pipeline.SendSnapshotToIPFS(ctx, snapshot.String()).Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to push snapshot %s: %w", snapshot, err)
	}
	o.countTransfer()
	klog.Infof("Pushed snapshot %s as %s", snapshot, cid)

	return &ArchiveRecord{Dataset: dataset, Snapshot: snapshot.String(), CID: cid}, nil
}

// Restore receives cid into a new dataset, then loads its key and mounts it
func (o *Operator) Restore(ctx context.Context, cid, dataset, passphrase string) (models.DatasetStatus, error) {
	var status models.DatasetStatus
	err := o.run("restore", func() error {
		if _, err := o.pipeline.ReceiveDatasetFromIPFS(ctx, cid, dataset).Wait(ctx); err != nil {
			return fmt.Errorf("failed to receive %s into %s: %w", cid, dataset, err)
		}
		o.countCreation()
		o.countTransfer()

		var err error
		status, err = o.unlock(ctx, dataset, passphrase)
		return err
	})
	return status, err
}

// Teardown unmounts and destroys dataset, ignoring state errors such as a
// dataset that is already gone
func (o *Operator) Teardown(ctx context.Context, dataset string) error {
	return o.run("teardown", func() error {
		if err := o.manager.Unmount(ctx, dataset, true); err != nil {
			return fmt.Errorf("failed to unmount %s: %w", dataset, err)
		}
		if err := o.manager.Destroy(ctx, dataset, true); err != nil {
			return fmt.Errorf("failed to destroy %s: %w", dataset, err)
		}

		exists, err := o.manager.Exists(ctx, dataset)
		if err != nil {
			return fmt.Errorf("failed to check dataset %s: %w", dataset, err)
		}
		if exists {
			return fmt.Errorf("dataset %s still exists after destroy", dataset)
		}
		klog.Infof("Dataset %s is gone", dataset)
		return nil
	})
}

// acquireLock creates a lock file to prevent concurrent runs
func (o *Operator) acquireLock() error {
	lockPath := o.config.LockFilePath

	// O_EXCL so two processes cannot both win
	file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("lock file exists at %s - another instance may be running", lockPath)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer file.Close()

	pid := os.Getpid()
	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}

	klog.Infof("Acquired lock (PID %d) at %s", pid, lockPath)
	return nil
}

// releaseLock removes the lock file
func (o *Operator) releaseLock() {
	lockPath := o.config.LockFilePath
	if err := os.Remove(lockPath); err != nil {
		klog.Infof("Warning: failed to remove lock file %s: %v", lockPath, err)
	} else {
		klog.Infof("Released lock at %s", lockPath)
	}
}

func (o *Operator) logConfig() {
	klog.Info("Current config")
	klog.Infof("Mode: %s", o.config.Mode)
	klog.Infof("Log level: %s", o.config.LogLevel)
	klog.Infof("zfs command: %v", o.config.ZFSCmd)
	klog.Infof("zfs admin command: %v", o.config.ZFSAdminCmd)
	if o.config.IPFSContainerID != "" {
		klog.Infof("IPFS container: %s (static id)", o.config.IPFSContainerID)
	} else {
		klog.Infof("IPFS container: %s (looked up by name)", o.config.IPFSContainerName)
	}
	klog.Infof("IPFS chunker: %s", o.config.IPFSChunker)
	klog.Infof("Snapshot prefix: %s", o.config.SnapshotPrefix)
	klog.Infof("Max concurrent transfers: %d", o.config.MaxConcurrentTransfers)
	if o.config.TransferTimeout > 0 {
		klog.Infof("Transfer timeout: %s", o.config.TransferTimeout)
	} else {
		klog.Infof("Transfer timeout: none")
	}
}

func (o *Operator) logDatasetUsage(status models.DatasetStatus) {
	if status.Used() == "" || status.Avail() == "" {
		return
	}

	used, usedErr := humanize.ParseBytes(status.Used())
	avail, availErr := humanize.ParseBytes(status.Avail())
	if usedErr == nil && availErr == nil && used+avail > 0 {
		percent := float64(used) / float64(used+avail) * 100
		klog.Infof("Dataset %s usage: %s used, %s available (%.1f%%)", status.Name(), status.Used(), status.Avail(), percent)
	} else {
		klog.Infof("Dataset %s usage: %s used, %s available", status.Name(), status.Used(), status.Avail())
	}
}
