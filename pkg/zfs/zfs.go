package zfs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/runningman84/zfsvault/pkg/config"
	"github.com/runningman84/zfsvault/pkg/models"
	"github.com/runningman84/zfsvault/pkg/parser"
	"github.com/runningman84/zfsvault/pkg/result"
	"github.com/runningman84/zfsvault/pkg/runner"
	"k8s.io/klog/v2"
)

// Header aliases printed by `zfs list` for the requested properties
var headerAliases = map[string]string{
	"encroot":    "encryptionroot",
	"available":  "avail",
	"referenced": "refer",
}

// Manager handles dataset lifecycle operations. Every call queries zfs
// afresh; nothing is cached between calls.
type Manager struct {
	config *config.Config
	runner runner.Runner
}

// NewManager creates a new ZFS manager
func NewManager(cfg *config.Config, r runner.Runner) *Manager {
	return &Manager{
		config: cfg,
		runner: r,
	}
}

// exec runs args and applies the classifier policy for op
func (m *Manager) exec(ctx context.Context, op result.Operation, args []string, stdin io.Reader, force bool) (*runner.Result, error) {
	res, err := m.runner.Run(ctx, args, stdin)
	if err != nil {
		return nil, result.StartFailure(op, args, err)
	}
	if err := result.Check(op, args, res, force); err != nil {
		return nil, err
	}
	return res, nil
}

// ListDatasets returns dataset names, recursively under prefix when prefix is set
func (m *Manager) ListDatasets(ctx context.Context, prefix string) ([]string, error) {
	args := config.Command(m.config.ZFSCmd, "list", "-o", "name")
	if prefix != "" {
		if err := models.ValidateDatasetName(prefix); err != nil {
			return nil, err
		}
		args = append(args, "-r", prefix)
	}

	res, err := m.exec(ctx, result.OpList, args, nil, false)
	if err != nil {
		return nil, err
	}

	names := parser.ParseNameList(res.Stdout)
	if prefix == "" {
		return names, nil
	}

	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

// GetStatus returns the status fields of one dataset
func (m *Manager) GetStatus(ctx context.Context, dataset string) (models.DatasetStatus, error) {
	if err := models.ValidateDatasetName(dataset); err != nil {
		return nil, err
	}

	args := config.Command(m.config.ZFSCmd, "list", "-o", strings.Join(models.StatusFields, ","), dataset)
	res, err := m.exec(ctx, result.OpStatus, args, nil, false)
	if err != nil {
		return nil, err
	}

	row, err := parser.ParseTable(res.Stdout)
	if err != nil {
		return nil, result.ParseFailure(result.OpStatus, err)
	}

	status := make(models.DatasetStatus, len(row))
	for key, value := range row {
		if alias, ok := headerAliases[key]; ok {
			key = alias
		}
		status[key] = value
	}
	for _, field := range models.StatusFields {
		if _, ok := status[field]; !ok {
			return nil, result.ParseFailure(result.OpStatus, fmt.Errorf("missing field %q in output %q", field, res.Stdout))
		}
	}
	if len(status) != len(models.StatusFields) {
		return nil, result.ParseFailure(result.OpStatus, fmt.Errorf("unexpected fields in output %q", res.Stdout))
	}

	return status, nil
}

// CreateDataset creates an encrypted dataset with deferred mounting. The
// passphrase is delivered on stdin so it never appears in the process list.
func (m *Manager) CreateDataset(ctx context.Context, name, mountpoint, passphrase, quota string) (models.DatasetStatus, error) {
	if err := models.ValidateDatasetName(name); err != nil {
		return nil, err
	}
	if err := models.ValidateMountpoint(mountpoint); err != nil {
		return nil, err
	}
	if err := models.ValidateQuota(quota); err != nil {
		return nil, err
	}

	klog.Infof("Creating dataset %s (quota %s, mountpoint %s)", name, quota, mountpoint)

	args := config.Command(m.config.ZFSAdminCmd, "create",
		"-o", "canmount=noauto",
		"-o", "encryption=aes-256-gcm",
		"-o", "keylocation=prompt",
		"-o", "keyformat=passphrase",
		"-o", "quota="+quota,
		"-o", "mountpoint="+mountpoint,
		name,
	)
	if _, err := m.exec(ctx, result.OpCreate, args, strings.NewReader(passphrase), false); err != nil {
		return nil, err
	}

	return m.GetStatus(ctx, name)
}

// LoadKey loads the dataset's encryption key. A key that is already loaded
// is not an error.
func (m *Manager) LoadKey(ctx context.Context, dataset, passphrase string) error {
	if err := models.ValidateDatasetName(dataset); err != nil {
		return err
	}

	args := config.Command(m.config.ZFSAdminCmd, "load-key", dataset)
	_, err := m.exec(ctx, result.OpLoadKey, args, strings.NewReader(passphrase), false)
	return err
}

// Mount mounts the dataset at its configured mountpoint
func (m *Manager) Mount(ctx context.Context, dataset string) error {
	if err := models.ValidateDatasetName(dataset); err != nil {
		return err
	}

	klog.Infof("Mounting dataset %s", dataset)
	args := config.Command(m.config.ZFSAdminCmd, "mount", dataset)
	_, err := m.exec(ctx, result.OpMount, args, nil, false)
	return err
}

// Unmount unmounts the dataset; with force, failures are ignored
func (m *Manager) Unmount(ctx context.Context, dataset string, force bool) error {
	if err := models.ValidateDatasetName(dataset); err != nil {
		return err
	}

	klog.Infof("Unmounting dataset %s (force=%t)", dataset, force)
	args := config.Command(m.config.ZFSAdminCmd, "unmount")
	if force {
		args = append(args, "-f")
	}
	args = append(args, dataset)
	_, err := m.exec(ctx, result.OpUnmount, args, nil, force)
	return err
}

// Destroy recursively destroys the dataset with all descendants and
// snapshots; with force, failures are ignored
func (m *Manager) Destroy(ctx context.Context, dataset string, force bool) error {
	if err := models.ValidateDatasetName(dataset); err != nil {
		return err
	}

	klog.Infof("Destroying dataset %s (force=%t)", dataset, force)
	args := config.Command(m.config.ZFSAdminCmd, "destroy", "-R")
	if force {
		args = append(args, "-f")
	}
	args = append(args, dataset)
	_, err := m.exec(ctx, result.OpDestroy, args, nil, force)
	return err
}

// Exists reports whether a dataset with exactly this name is listed
func (m *Manager) Exists(ctx context.Context, dataset string) (bool, error) {
	if err := models.ValidateDatasetName(dataset); err != nil {
		return false, err
	}
	names, err := m.ListDatasets(ctx, "")
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == dataset {
			return true, nil
		}
	}
	return false, nil
}
