package parser

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseTable(t *testing.T) {
	output := "NAME        USED  AVAIL  REFER  ENCROOT     QUOTA  MOUNTED  MOUNTPOINT\n" +
		"tank/test   192K  10.0G   192K   tank/test   10G    no       /mnt/test\n"

	row, err := ParseTable(output)
	if err != nil {
		t.Fatalf("ParseTable() error = %v", err)
	}

	want := map[string]string{
		"name":       "tank/test",
		"used":       "192K",
		"avail":      "10.0G",
		"refer":      "192K",
		"encroot":    "tank/test",
		"quota":      "10G",
		"mounted":    "no",
		"mountpoint": "/mnt/test",
	}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("ParseTable() = %v, want %v", row, want)
	}
}

func TestParseTableErrors(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr error
	}{
		{
			name:    "empty output",
			output:  "",
			wantErr: ErrNoHeader,
		},
		{
			name:    "header only",
			output:  "NAME  USED\n",
			wantErr: ErrNoData,
		},
		{
			name:    "data row shorter than header",
			output:  "NAME  USED  MOUNTPOINT\ntank  1G\n",
			wantErr: ErrColumnMismatch,
		},
		{
			name:    "data row longer than header",
			output:  "NAME  MOUNTPOINT\ntank  /mnt/with space\n",
			wantErr: ErrColumnMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable(tt.output)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseTable() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTableToleratesBlankLinesAndTabs(t *testing.T) {
	row, err := ParseTable("\nNAME\tMOUNTED\n\ntank\tyes\n\n")
	if err != nil {
		t.Fatalf("ParseTable() error = %v", err)
	}
	if row["name"] != "tank" || row["mounted"] != "yes" {
		t.Errorf("ParseTable() = %v", row)
	}
}

func TestParseNameList(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "recursive listing",
			output: "NAME\ntank\ntank/a\ntank/a/b\n",
			want:   []string{"tank", "tank/a", "tank/a/b"},
		},
		{
			name:   "header only",
			output: "NAME\n",
			want:   []string{},
		},
		{
			name:   "empty",
			output: "",
			want:   []string{},
		},
		{
			name:   "trailing whitespace",
			output: "NAME\ntank/data   \n\n",
			want:   []string{"tank/data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNameList(tt.output)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseNameList() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCID(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{
			name:   "stdin add",
			output: "added QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG\n",
			want:   "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		},
		{
			name:   "cidv1 with leading blank line",
			output: "\nadded bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi stream\n",
			want:   "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		},
		{
			name:    "single token",
			output:  "added\n",
			wantErr: true,
		},
		{
			name:    "empty",
			output:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCID(tt.output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCID() = %v, want %v", got, tt.want)
			}
		})
	}
}
