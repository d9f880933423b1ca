package zfs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/runningman84/zfsvault/pkg/config"
	"github.com/runningman84/zfsvault/pkg/fakezfs"
	"github.com/runningman84/zfsvault/pkg/models"
	"github.com/runningman84/zfsvault/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *fakezfs.Runner) {
	t.Helper()
	cfg, err := config.NewConfig("direct")
	require.NoError(t, err)
	cfg.ZFSCmd = []string{"zfs"}
	cfg.ZFSAdminCmd = []string{"sudo", "zfs"}

	fake := fakezfs.New("pool", "ipfs0")
	return NewManager(cfg, fake), fake
}

func lastCall(fake *fakezfs.Runner) fakezfs.Call {
	calls := fake.Calls()
	return calls[len(calls)-1]
}

func TestNewManager(t *testing.T) {
	cfg := &config.Config{}
	fake := fakezfs.New("pool", "")
	manager := NewManager(cfg, fake)

	require.NotNil(t, manager)
	assert.Same(t, cfg, manager.config)
}

func TestCreateDatasetEndToEnd(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	status, err := m.CreateDataset(ctx, "pool/test", "/mnt/test", "secret", "10G")
	require.NoError(t, err)
	assert.Equal(t, "10G", status.Quota())
	assert.Equal(t, "/mnt/test", status["mountpoint"])
	assert.Equal(t, "no", status["mounted"])
	assert.Equal(t, "pool/test", status.EncryptionRoot())

	require.NoError(t, m.Mount(ctx, "pool/test"))

	status, err = m.GetStatus(ctx, "pool/test")
	require.NoError(t, err)
	assert.Equal(t, "yes", status["mounted"])

	ds, ok := fake.Dataset("pool/test")
	require.True(t, ok)
	assert.Equal(t, "secret", ds.Passphrase)
}

func TestCreateDatasetCommandLine(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	_, err := m.CreateDataset(ctx, "pool/test", "/mnt/test", "secret", "10G")
	require.NoError(t, err)

	var create fakezfs.Call
	for _, call := range fake.Calls() {
		if len(call.Args) > 2 && call.Args[2] == "create" {
			create = call
		}
	}
	want := []string{
		"sudo", "zfs", "create",
		"-o", "canmount=noauto",
		"-o", "encryption=aes-256-gcm",
		"-o", "keylocation=prompt",
		"-o", "keyformat=passphrase",
		"-o", "quota=10G",
		"-o", "mountpoint=/mnt/test",
		"pool/test",
	}
	assert.Equal(t, want, create.Args)
	assert.Equal(t, "secret", create.Stdin)
	for _, arg := range create.Args {
		assert.NotContains(t, arg, "secret", "passphrase must not appear in argv")
	}
}

func TestCreateDatasetFailures(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateDataset(ctx, "pool/test", "/mnt/test", "secret", "10G")
	require.NoError(t, err)

	_, err = m.CreateDataset(ctx, "pool/test", "/mnt/test", "secret", "10G")
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrToolInvocation))
	assert.Equal(t, "cannot create 'pool/test': dataset already exists\n", result.StderrOf(err))

	_, err = m.CreateDataset(ctx, "pool/x;reboot", "/mnt/x", "secret", "10G")
	assert.True(t, errors.Is(err, result.ErrInvalidArgument))

	_, err = m.CreateDataset(ctx, "pool/x", "relative/path", "secret", "10G")
	assert.True(t, errors.Is(err, result.ErrInvalidArgument))

	_, err = m.CreateDataset(ctx, "pool/x", "/mnt/x", "secret", "lots")
	assert.True(t, errors.Is(err, result.ErrInvalidArgument))
}

func TestInvalidNamesSpawnNothing(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	bad := "pool/$(touch /tmp/pwned)"
	assert.Error(t, m.Mount(ctx, bad))
	assert.Error(t, m.Unmount(ctx, bad, true))
	assert.Error(t, m.Destroy(ctx, bad, true))
	assert.Error(t, m.LoadKey(ctx, bad, "secret"))
	_, err := m.GetStatus(ctx, bad)
	assert.Error(t, err)
	_, err = m.ListDatasets(ctx, "-r")
	assert.Error(t, err)

	assert.Empty(t, fake.Calls())
}

func TestListDatasets(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	for _, name := range []string{"pool/a", "pool/a/b", "pool/ab", "pool/c"} {
		_, err := m.CreateDataset(ctx, name, "/mnt/"+strings.ReplaceAll(name, "/", "_"), "secret", "1G")
		require.NoError(t, err)
	}

	all, err := m.ListDatasets(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool", "pool/a", "pool/a/b", "pool/ab", "pool/c"}, all)

	nested, err := m.ListDatasets(ctx, "pool/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool/a", "pool/a/b"}, nested)
	for _, name := range nested {
		assert.True(t, name == "pool/a" || strings.HasPrefix(name, "pool/a/"), name)
	}

	_, err = m.ListDatasets(ctx, "pool/missing")
	assert.True(t, errors.Is(err, result.ErrToolInvocation))
}

func TestListDatasetsFiltersForeignNames(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	fake.Script("zfs list", "NAME\npool/a\npool/a/b\npool/ab\n\n", "", 0)
	names, err := m.ListDatasets(ctx, "pool/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool/a", "pool/a/b"}, names)
	assert.Equal(t, []string{"zfs", "list", "-o", "name", "-r", "pool/a"}, lastCall(fake).Args)
}

func TestGetStatusKeys(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	status, err := m.GetStatus(ctx, "pool")
	require.NoError(t, err)

	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, models.StatusFields, keys)
	assert.Equal(t,
		[]string{"zfs", "list", "-o", "name,used,avail,refer,encryptionroot,quota,mounted,mountpoint", "pool"},
		lastCall(fake).Args)
}

func TestGetStatusParseFailure(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	tests := []struct {
		name   string
		stdout string
	}{
		{
			name:   "data row missing a column",
			stdout: "NAME  USED  AVAIL  REFER  ENCROOT  QUOTA  MOUNTED  MOUNTPOINT\npool  1G  2G  1G  -  none  yes\n",
		},
		{
			name:   "header only",
			stdout: "NAME  USED  AVAIL  REFER  ENCROOT  QUOTA  MOUNTED  MOUNTPOINT\n",
		},
		{
			name:   "unexpected column set",
			stdout: "NAME  USED\npool  1G\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake.Script("zfs list", tt.stdout, "", 0)
			_, err := m.GetStatus(ctx, "pool")
			require.Error(t, err)
			assert.True(t, errors.Is(err, result.ErrParse), "got %v", err)
		})
	}
}

func TestGetStatusMissingDataset(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GetStatus(context.Background(), "pool/nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrToolInvocation))
	assert.Contains(t, result.StderrOf(err), "dataset does not exist")
}

func TestLoadKeyTwice(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	_, err := m.CreateDataset(ctx, "pool/test", "/mnt/test", "secret", "10G")
	require.NoError(t, err)

	// Key is loaded by create; both calls hit the already-loaded path or succeed
	require.NoError(t, m.LoadKey(ctx, "pool/test", "secret"))
	require.NoError(t, m.LoadKey(ctx, "pool/test", "secret"))

	call := lastCall(fake)
	assert.Equal(t, []string{"sudo", "zfs", "load-key", "pool/test"}, call.Args)
	assert.Equal(t, "secret", call.Stdin)
}

func TestLoadKeyFailures(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	fake.Script("zfs load-key", "", "Key load error: Incorrect key provided for 'pool/test'.\n", 255)
	err := m.LoadKey(ctx, "pool/test", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrToolInvocation))
	assert.Equal(t, "Key load error: Incorrect key provided for 'pool/test'.\n", result.StderrOf(err))

	fake.Script("zfs load-key", "", "Key load error: Key already loaded for 'pool/test'.\n", 255)
	assert.NoError(t, m.LoadKey(ctx, "pool/test", "secret"))
}

func TestMountRequiresKey(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	fake.Script("zfs mount", "", "cannot mount 'pool/test': encryption key not loaded\n", 1)
	err := m.Mount(ctx, "pool/test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption key not loaded")
}

func TestUnmountForce(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	_, err := m.CreateDataset(ctx, "pool/test", "/mnt/test", "secret", "10G")
	require.NoError(t, err)

	// Never mounted
	err = m.Unmount(ctx, "pool/test", false)
	require.Error(t, err)
	assert.Contains(t, result.StderrOf(err), "not currently mounted")
	assert.Equal(t, []string{"sudo", "zfs", "unmount", "pool/test"}, lastCall(fake).Args)

	require.NoError(t, m.Unmount(ctx, "pool/test", true))
	assert.Equal(t, []string{"sudo", "zfs", "unmount", "-f", "pool/test"}, lastCall(fake).Args)

	require.NoError(t, m.Mount(ctx, "pool/test"))
	require.NoError(t, m.Unmount(ctx, "pool/test", false))
	status, err := m.GetStatus(ctx, "pool/test")
	require.NoError(t, err)
	assert.False(t, status.Mounted())
}

func TestDestroyForce(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)

	require.NoError(t, m.Destroy(ctx, "pool/ghost", true))
	assert.Equal(t, []string{"sudo", "zfs", "destroy", "-R", "-f", "pool/ghost"}, lastCall(fake).Args)

	err := m.Destroy(ctx, "pool/ghost", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrToolInvocation))
	assert.Equal(t, []string{"sudo", "zfs", "destroy", "-R", "pool/ghost"}, lastCall(fake).Args)
}

func TestDestroyRecursive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateDataset(ctx, "pool/a", "/mnt/a", "secret", "1G")
	require.NoError(t, err)
	_, err = m.CreateDataset(ctx, "pool/a/b", "/mnt/a/b", "secret", "1G")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, "pool/a", false))

	names, err := m.ListDatasets(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool"}, names)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	ok, err := m.Exists(ctx, "pool")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Exists(ctx, "pool/absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartFailure(t *testing.T) {
	m, fake := newTestManager(t)
	fake.SetMissing("sudo")

	err := m.Mount(context.Background(), "pool")
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrToolInvocation))
	assert.Contains(t, err.Error(), "executable file not found")
}
