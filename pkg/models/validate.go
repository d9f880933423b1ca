package models

import (
	"fmt"
	"regexp"

	"github.com/runningman84/zfsvault/pkg/result"
)

var (
	// Components may not start with '-' so a name can never be read as a flag
	componentPattern  = `[A-Za-z0-9][A-Za-z0-9_.:-]*`
	datasetNameRegex  = regexp.MustCompile(`^` + componentPattern + `(/` + componentPattern + `)*$`)
	snapshotNameRegex = regexp.MustCompile(`^` + componentPattern + `$`)
	quotaRegex        = regexp.MustCompile(`^(none|[0-9]+(\.[0-9]+)?[KMGTPEZkmgtpez]?[Bb]?)$`)
	mountpointRegex   = regexp.MustCompile(`^(none|legacy|/[A-Za-z0-9_.:/+-]*)$`)
	cidRegex          = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

const maxNameLength = 255

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", result.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ValidateDatasetName checks a hierarchical dataset name such as pool/parent/child
func ValidateDatasetName(name string) error {
	if len(name) > maxNameLength {
		return invalid("dataset name %q exceeds %d characters", name, maxNameLength)
	}
	if !datasetNameRegex.MatchString(name) {
		return invalid("invalid dataset name %q", name)
	}
	return nil
}

// ValidateSnapshotName checks the part after '@'
func ValidateSnapshotName(name string) error {
	if !snapshotNameRegex.MatchString(name) {
		return invalid("invalid snapshot name %q", name)
	}
	return nil
}

// ValidateQuota accepts zfs size values like 10G, 1.5T, 512M or none
func ValidateQuota(quota string) error {
	if !quotaRegex.MatchString(quota) {
		return invalid("invalid quota %q", quota)
	}
	return nil
}

// ValidateMountpoint accepts an absolute path, none or legacy
func ValidateMountpoint(mountpoint string) error {
	if !mountpointRegex.MatchString(mountpoint) {
		return invalid("invalid mountpoint %q", mountpoint)
	}
	return nil
}

// ValidateCID checks that a content identifier is a single alphanumeric token
func ValidateCID(cid string) error {
	if !cidRegex.MatchString(cid) {
		return invalid("invalid content identifier %q", cid)
	}
	return nil
}
