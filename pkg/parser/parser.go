package parser

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoHeader       = errors.New("output has no header row")
	ErrNoData         = errors.New("output has no data row")
	ErrColumnMismatch = errors.New("data row column count does not match header")
	ErrNoCID          = errors.New("output has no content identifier")
)

// ParseTable parses tool output whose first line is a whitespace-separated
// header row and whose second line is the matching data row. Keys are the
// lowercased header tokens. Runs of spaces are treated as one separator.
func ParseTable(output string) (map[string]string, error) {
	lines := nonEmptyLines(output)
	if len(lines) == 0 {
		return nil, ErrNoHeader
	}
	if len(lines) < 2 {
		return nil, ErrNoData
	}

	header := strings.Fields(lines[0])
	data := strings.Fields(lines[1])
	if len(header) != len(data) {
		return nil, fmt.Errorf("%w: %d header columns, %d data columns", ErrColumnMismatch, len(header), len(data))
	}

	row := make(map[string]string, len(header))
	for i, col := range header {
		row[strings.ToLower(col)] = data[i]
	}
	return row, nil
}

// ParseNameList parses single-column list output, dropping the header line
// and any blank lines
func ParseNameList(output string) []string {
	lines := nonEmptyLines(output)
	if len(lines) == 0 {
		return []string{}
	}

	names := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		names = append(names, strings.TrimSpace(line))
	}
	return names
}

// ParseCID extracts the content identifier from `ipfs add` output of the
// form "added <cid> <name>": the second whitespace-separated token
func ParseCID(output string) (string, error) {
	for _, line := range nonEmptyLines(output) {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			return fields[1], nil
		}
		return "", fmt.Errorf("%w: %q", ErrNoCID, line)
	}
	return "", ErrNoCID
}

func nonEmptyLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
