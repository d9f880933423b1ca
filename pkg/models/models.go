package models

import (
	"fmt"
	"strings"
)

// Status fields returned by a dataset status query, in column order
var StatusFields = []string{"name", "used", "avail", "refer", "encryptionroot", "quota", "mounted", "mountpoint"}

// Snapshot identifies a ZFS snapshot as <dataset>@<name>
type Snapshot struct {
	Dataset string
	Name    string
}

// String returns the full snapshot path (e.g., "tank/data@s1")
func (s Snapshot) String() string {
	return fmt.Sprintf("%s@%s", s.Dataset, s.Name)
}

// ParseSnapshot splits and validates a full snapshot path
func ParseSnapshot(path string) (Snapshot, error) {
	dataset, name, ok := strings.Cut(path, "@")
	if !ok {
		return Snapshot{}, invalid("snapshot %q has no '@'", path)
	}
	if err := ValidateDatasetName(dataset); err != nil {
		return Snapshot{}, err
	}
	if err := ValidateSnapshotName(name); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Dataset: dataset, Name: name}, nil
}

// DatasetStatus maps status field names to the values reported by zfs
type DatasetStatus map[string]string

func (s DatasetStatus) Name() string           { return s["name"] }
func (s DatasetStatus) Used() string           { return s["used"] }
func (s DatasetStatus) Avail() string          { return s["avail"] }
func (s DatasetStatus) Refer() string          { return s["refer"] }
func (s DatasetStatus) EncryptionRoot() string { return s["encryptionroot"] }
func (s DatasetStatus) Quota() string          { return s["quota"] }

// Mounted reports whether zfs listed the dataset as mounted ("yes")
func (s DatasetStatus) Mounted() bool { return s["mounted"] == "yes" }

// Mountpoint returns the mountpoint, or "" when zfs reports "-" or "none"
func (s DatasetStatus) Mountpoint() string {
	switch mp := s["mountpoint"]; mp {
	case "-", "none":
		return ""
	default:
		return mp
	}
}
