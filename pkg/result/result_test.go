package result

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/runningman84/zfsvault/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	const keyLoaded = "Key load error: Key already loaded for 'tank/data'.\n"

	tests := []struct {
		name     string
		op       Operation
		exitCode int
		stderr   string
		force    bool
		want     Outcome
	}{
		{"zero exit is success", OpCreate, 0, "", false, Success},
		{"zero exit with stderr noise", OpIPFSSend, 0, "32.00 MiB / ?", false, Success},
		{"create always fatal", OpCreate, 1, "cannot create", false, FatalFailure},
		{"create fatal even with force", OpCreate, 1, "cannot create", true, FatalFailure},
		{"load key already loaded", OpLoadKey, 255, keyLoaded, false, IgnorableFailure},
		{"load key wrong passphrase", OpLoadKey, 255, "Key load error: Incorrect key provided for 'tank/data'.", false, FatalFailure},
		{"mount always fatal", OpMount, 1, "filesystem already mounted", false, FatalFailure},
		{"mount fatal with force", OpMount, 1, "filesystem already mounted", true, FatalFailure},
		{"unmount without force", OpUnmount, 1, "not currently mounted", false, FatalFailure},
		{"unmount with force", OpUnmount, 1, "not currently mounted", true, IgnorableFailure},
		{"destroy without force", OpDestroy, 1, "dataset does not exist", false, FatalFailure},
		{"destroy with force", OpDestroy, 1, "dataset does not exist", true, IgnorableFailure},
		{"snapshot fatal", OpSnapshot, 1, "dataset already exists", true, FatalFailure},
		{"send fatal", OpSend, 1, "", false, FatalFailure},
		{"clone fatal", OpClone, 1, "", false, FatalFailure},
		{"ipfs send fatal", OpIPFSSend, 1, "", false, FatalFailure},
		{"ipfs receive fatal", OpIPFSFetch, 1, keyLoaded, true, FatalFailure},
		{"signalled process", OpSend, -1, "", false, FatalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.op, tt.exitCode, tt.stderr, tt.force))
		})
	}
}

func TestCheckPreservesStderr(t *testing.T) {
	stderr := "cannot mount 'tank/data': encryption key not loaded\n"
	args := []string{"sudo", "zfs", "mount", "tank/data"}

	err := Check(OpMount, args, &runner.Result{ExitCode: 1, Stderr: stderr}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolInvocation))
	assert.False(t, errors.Is(err, ErrParse))
	assert.Equal(t, stderr, StderrOf(err))
	assert.Contains(t, err.Error(), "encryption key not loaded")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 1, e.ExitCode)
	assert.Equal(t, args, e.Args)
}

func TestCheckIgnorable(t *testing.T) {
	err := Check(OpDestroy, nil, &runner.Result{ExitCode: 1, Stderr: "dataset does not exist"}, true)
	assert.NoError(t, err)
}

func TestErrorKindsSurviveWrapping(t *testing.T) {
	parse := fmt.Errorf("get status: %w", ParseFailure(OpStatus, errors.New("column mismatch")))
	assert.True(t, errors.Is(parse, ErrParse))

	lookup := fmt.Errorf("push: %w", LookupFailure(OpIPFSSend, errors.New("no container named ipfs")))
	assert.True(t, errors.Is(lookup, ErrCollaboratorLookup))
	assert.Empty(t, StderrOf(lookup))

	start := StartFailure(OpCreate, []string{"zfs"}, context.Canceled)
	assert.True(t, errors.Is(start, ErrToolInvocation))
	assert.True(t, errors.Is(start, context.Canceled))
}
