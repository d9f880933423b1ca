// Package fakezfs is an in-memory stand-in for the zfs and ipfs command line
// tools. It implements runner.Runner and understands exactly the invocations
// zfsvault makes, answering with the output and error text the real tools
// print.
package fakezfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/runningman84/zfsvault/pkg/runner"
)

// Dataset is the simulated state of one dataset
type Dataset struct {
	Name           string
	Quota          string
	Mountpoint     string
	EncryptionRoot string
	Passphrase     string
	Mounted        bool
	KeyLoaded      bool
	Origin         string
}

// Call records one stage invocation
type Call struct {
	Args  []string
	Stdin string
}

type scripted struct {
	stdout string
	stderr string
	code   int
}

// Runner simulates zfs and ipfs behind runner.Runner
type Runner struct {
	mu          sync.Mutex
	containerID string
	datasets    map[string]*Dataset
	snapshots   map[string]bool
	blobs       map[string][]byte
	scripts     map[string]scripted
	missing     map[string]bool
	calls       []Call
}

var _ runner.Runner = (*Runner)(nil)

// New creates a fake with an empty pool named pool and an IPFS sidecar
// reachable as containerID
func New(pool, containerID string) *Runner {
	r := &Runner{
		containerID: containerID,
		datasets:    make(map[string]*Dataset),
		snapshots:   make(map[string]bool),
		blobs:       make(map[string][]byte),
		scripts:     make(map[string]scripted),
		missing:     make(map[string]bool),
	}
	r.datasets[pool] = &Dataset{Name: pool, Quota: "none", Mountpoint: "/" + pool, Mounted: true}
	return r
}

// Dataset returns a copy of the named dataset's state
func (r *Runner) Dataset(name string) (Dataset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.datasets[name]
	if !ok {
		return Dataset{}, false
	}
	return *ds, true
}

// HasSnapshot reports whether dataset@name exists
func (r *Runner) HasSnapshot(snapshot string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[snapshot]
}

// Blob returns the bytes stored under cid
func (r *Runner) Blob(cid string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[cid]
	return b, ok
}

// Calls returns every recorded invocation in order
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Script makes the next invocation of command (e.g. "zfs mount" or
// "ipfs add") return the given output instead of being simulated
func (r *Runner) Script(command, stdout, stderr string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[command] = scripted{stdout: stdout, stderr: stderr, code: code}
}

// SetMissing makes any command mentioning bin fail to start
func (r *Runner) SetMissing(bin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing[bin] = true
}

func (r *Runner) checkMissing(args []string) error {
	for _, arg := range args {
		if r.missing[arg] {
			return fmt.Errorf("exec: %q: executable file not found in $PATH", arg)
		}
	}
	return nil
}

func (r *Runner) Run(ctx context.Context, args []string, stdin io.Reader) (*runner.Result, error) {
	var input []byte
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		input = b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMissing(args); err != nil {
		return nil, err
	}
	stdout, stderr, code := r.invoke(args, input)
	return &runner.Result{ExitCode: code, Stdout: string(stdout), Stderr: stderr}, nil
}

func (r *Runner) RunTo(ctx context.Context, args []string, w io.Writer) (*runner.Result, error) {
	r.mu.Lock()
	if err := r.checkMissing(args); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	stdout, stderr, code := r.invoke(args, nil)
	r.mu.Unlock()

	if _, err := w.Write(stdout); err != nil {
		return nil, err
	}
	return &runner.Result{ExitCode: code, Stderr: stderr}, nil
}

func (r *Runner) Pipe(ctx context.Context, stages ...[]string) (*runner.Result, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("empty pipeline")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stage := range stages {
		if err := r.checkMissing(stage); err != nil {
			return nil, err
		}
	}

	res := &runner.Result{}
	var input []byte
	var stderr strings.Builder
	for _, stage := range stages {
		out, errText, code := r.invoke(stage, input)
		stderr.WriteString(errText)
		if code != 0 {
			res.ExitCode = code
		}
		input = out
	}
	res.Stdout = string(input)
	res.Stderr = stderr.String()
	return res, nil
}

// invoke records and simulates one stage; r.mu must be held
func (r *Runner) invoke(args []string, stdin []byte) ([]byte, string, int) {
	r.calls = append(r.calls, Call{Args: append([]string(nil), args...), Stdin: string(stdin)})

	idx := -1
	for i, arg := range args {
		if base := path.Base(arg); base == "zfs" || base == "ipfs" {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(args) {
		return nil, fmt.Sprintf("%s: command not found\n", strings.Join(args, " ")), 127
	}

	tool := path.Base(args[idx])
	sub := args[idx+1]
	rest := args[idx+2:]

	if s, ok := r.scripts[tool+" "+sub]; ok {
		delete(r.scripts, tool+" "+sub)
		return []byte(s.stdout), s.stderr, s.code
	}

	if tool == "ipfs" {
		if id := execContainer(args[:idx]); id != r.containerID {
			return nil, fmt.Sprintf("Error response from daemon: No such container: %s\n", id), 1
		}
		return r.ipfs(sub, rest, stdin)
	}
	return r.zfs(sub, rest, stdin)
}

// execContainer returns the container id from a "docker exec -i <id>" prefix
func execContainer(prefix []string) string {
	for i, arg := range prefix {
		if arg == "-i" && i+1 < len(prefix) {
			return prefix[i+1]
		}
	}
	return ""
}

func notExist(name string) (out []byte, stderr string, code int) {
	return nil, fmt.Sprintf("cannot open '%s': dataset does not exist\n", name), 1
}

func (r *Runner) zfs(sub string, args []string, stdin []byte) ([]byte, string, int) {
	flags, opts, pos := splitArgs(args)

	switch sub {
	case "list":
		return r.list(flags, args)

	case "create":
		if len(pos) != 1 {
			return nil, "usage: create\n", 2
		}
		name := pos[0]
		if _, ok := r.datasets[name]; ok {
			return nil, fmt.Sprintf("cannot create '%s': dataset already exists\n", name), 1
		}
		if !r.parentExists(name) {
			return nil, fmt.Sprintf("cannot create '%s': parent does not exist\n", name), 1
		}
		ds := &Dataset{Name: name, Quota: "none", Mountpoint: "/" + name}
		if q, ok := opts["quota"]; ok {
			ds.Quota = q
		}
		if mp, ok := opts["mountpoint"]; ok {
			ds.Mountpoint = mp
		}
		if opts["encryption"] != "" && opts["encryption"] != "off" {
			passphrase := strings.TrimRight(string(stdin), "\n")
			if passphrase == "" {
				return nil, "cannot create: failed to read passphrase\n", 1
			}
			ds.EncryptionRoot = name
			ds.Passphrase = passphrase
			ds.KeyLoaded = true
		}
		ds.Mounted = opts["canmount"] != "noauto" && opts["canmount"] != "off"
		r.datasets[name] = ds
		return nil, "", 0

	case "load-key":
		name := last(pos)
		ds, ok := r.datasets[name]
		if !ok {
			return notExist(name)
		}
		if ds.EncryptionRoot == "" {
			return nil, fmt.Sprintf("Key load error: Keys can only be loaded for encrypted datasets ('%s').\n", name), 255
		}
		if ds.EncryptionRoot != name {
			return nil, fmt.Sprintf("Key load error: Keys must be loaded for encryption root of '%s' (%s).\n", name, ds.EncryptionRoot), 255
		}
		if ds.KeyLoaded {
			return nil, fmt.Sprintf("Key load error: Key already loaded for '%s'.\n", name), 255
		}
		if strings.TrimRight(string(stdin), "\n") != ds.Passphrase {
			return nil, fmt.Sprintf("Key load error: Incorrect key provided for '%s'.\n", name), 255
		}
		ds.KeyLoaded = true
		return nil, "", 0

	case "mount":
		name := last(pos)
		ds, ok := r.datasets[name]
		if !ok {
			return notExist(name)
		}
		if !r.keyLoaded(ds) {
			return nil, fmt.Sprintf("cannot mount '%s': encryption key not loaded\n", name), 1
		}
		if ds.Mounted {
			return nil, fmt.Sprintf("cannot mount '%s': filesystem already mounted\n", name), 1
		}
		ds.Mounted = true
		return nil, "", 0

	case "unmount":
		name := last(pos)
		ds, ok := r.datasets[name]
		if !ok {
			return notExist(name)
		}
		if !ds.Mounted {
			return nil, fmt.Sprintf("cannot unmount '%s': not currently mounted\n", name), 1
		}
		ds.Mounted = false
		return nil, "", 0

	case "destroy":
		name := last(pos)
		if _, ok := r.datasets[name]; !ok {
			return notExist(name)
		}
		for dsName := range r.datasets {
			if dsName == name || strings.HasPrefix(dsName, name+"/") {
				delete(r.datasets, dsName)
			}
		}
		for snap := range r.snapshots {
			if strings.HasPrefix(snap, name+"@") || strings.HasPrefix(snap, name+"/") {
				delete(r.snapshots, snap)
			}
		}
		return nil, "", 0

	case "snapshot":
		snap := last(pos)
		dsName, _, _ := strings.Cut(snap, "@")
		if _, ok := r.datasets[dsName]; !ok {
			return notExist(dsName)
		}
		if r.snapshots[snap] {
			return nil, fmt.Sprintf("cannot create snapshot '%s': dataset already exists\n", snap), 1
		}
		r.snapshots[snap] = true
		return nil, "", 0

	case "send":
		snap := last(pos)
		if !r.snapshots[snap] {
			return notExist(snap)
		}
		dsName, _, _ := strings.Cut(snap, "@")
		raw := strings.Contains(flags, "w")
		passphrase := ""
		if ds, ok := r.datasets[dsName]; ok && raw {
			passphrase = r.rootPassphrase(ds)
		}
		return []byte(encodeStream(snap, raw, passphrase)), "", 0

	case "clone":
		if len(pos) != 2 {
			return nil, "usage: clone\n", 2
		}
		snap, name := pos[0], pos[1]
		if !r.snapshots[snap] {
			return notExist(snap)
		}
		if _, ok := r.datasets[name]; ok {
			return nil, fmt.Sprintf("cannot create '%s': dataset already exists\n", name), 1
		}
		if !r.parentExists(name) {
			return nil, fmt.Sprintf("cannot create '%s': parent does not exist\n", name), 1
		}
		srcName, _, _ := strings.Cut(snap, "@")
		ds := &Dataset{Name: name, Quota: "none", Mountpoint: "/" + name, Origin: snap}
		if src, ok := r.datasets[srcName]; ok {
			ds.EncryptionRoot = src.EncryptionRoot
		}
		if q, ok := opts["quota"]; ok {
			ds.Quota = q
		}
		r.datasets[name] = ds
		return nil, "", 0

	case "receive":
		name := last(pos)
		snap, raw, passphrase, ok := decodeStream(stdin)
		if !ok {
			return nil, "cannot receive: invalid stream (bad magic number)\n", 1
		}
		if _, exists := r.datasets[name]; exists {
			return nil, fmt.Sprintf("cannot receive new filesystem stream: destination '%s' exists\nmust specify -F to overwrite it\n", name), 1
		}
		if !r.parentExists(name) {
			return nil, fmt.Sprintf("cannot receive new filesystem stream: parent of '%s' does not exist\n", name), 1
		}
		ds := &Dataset{Name: name, Quota: "none", Mountpoint: "/" + name}
		if raw && passphrase != "" {
			ds.EncryptionRoot = name
			ds.Passphrase = passphrase
		}
		r.datasets[name] = ds
		_, label, _ := strings.Cut(snap, "@")
		r.snapshots[name+"@"+label] = true
		return nil, "", 0
	}

	return nil, fmt.Sprintf("unrecognized command '%s'\n", sub), 2
}

func (r *Runner) list(flags string, args []string) ([]byte, string, int) {
	var columns []string
	var target string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-o":
			i++
			if i < len(args) {
				columns = strings.Split(args[i], ",")
			}
		case "-r":
		default:
			target = args[i]
		}
	}
	recursive := strings.Contains(flags, "r")

	var names []string
	if target != "" {
		if _, ok := r.datasets[target]; !ok {
			return notExist(target)
		}
		names = append(names, target)
		if recursive {
			for name := range r.datasets {
				if strings.HasPrefix(name, target+"/") {
					names = append(names, name)
				}
			}
		}
	} else {
		for name := range r.datasets {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = columnHeader(col)
	}
	b.WriteString(strings.Join(headers, "   ") + "\n")
	for _, name := range names {
		ds := r.datasets[name]
		values := make([]string, len(columns))
		for i, col := range columns {
			values[i] = r.property(ds, col)
		}
		b.WriteString(strings.Join(values, "   ") + "\n")
	}
	return []byte(b.String()), "", 0
}

func columnHeader(col string) string {
	if col == "encryptionroot" {
		return "ENCROOT"
	}
	return strings.ToUpper(col)
}

func (r *Runner) property(ds *Dataset, col string) string {
	switch col {
	case "name":
		return ds.Name
	case "used", "refer":
		return "192K"
	case "avail":
		if ds.Quota != "none" {
			return ds.Quota
		}
		return "96.4G"
	case "encryptionroot":
		if ds.EncryptionRoot == "" {
			return "-"
		}
		return ds.EncryptionRoot
	case "quota":
		return ds.Quota
	case "mounted":
		if ds.Mounted {
			return "yes"
		}
		return "no"
	case "mountpoint":
		return ds.Mountpoint
	}
	return "-"
}

func (r *Runner) ipfs(sub string, args []string, stdin []byte) ([]byte, string, int) {
	switch sub {
	case "add":
		if len(args) < 2 || args[0] != "-s" || args[1] == "" {
			return nil, "Error: missing chunker\n", 1
		}
		sum := sha256.Sum256(stdin)
		cid := "bafk" + hex.EncodeToString(sum[:])[:52]
		r.blobs[cid] = append([]byte(nil), stdin...)
		return []byte(fmt.Sprintf("added %s %s\n", cid, cid)), fmt.Sprintf(" %d B / ? [---]\n", len(stdin)), 0
	case "cat":
		cid := last(args)
		blob, ok := r.blobs[cid]
		if !ok {
			return nil, fmt.Sprintf("Error: block was not found locally (offline): ipld: could not find %s\n", cid), 1
		}
		return blob, "", 0
	}
	return nil, fmt.Sprintf("Error: unknown command %q\n", sub), 1
}

func (r *Runner) parentExists(name string) bool {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return false
	}
	_, ok := r.datasets[name[:i]]
	return ok
}

func (r *Runner) keyLoaded(ds *Dataset) bool {
	if ds.EncryptionRoot == "" {
		return true
	}
	root, ok := r.datasets[ds.EncryptionRoot]
	return ok && root.KeyLoaded
}

func (r *Runner) rootPassphrase(ds *Dataset) string {
	if root, ok := r.datasets[ds.EncryptionRoot]; ok {
		return root.Passphrase
	}
	return ""
}

// splitArgs separates single-dash flags, -o key=value options and positional arguments
func splitArgs(args []string) (flags string, opts map[string]string, pos []string) {
	opts = make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-o" && i+1 < len(args):
			i++
			k, v, _ := strings.Cut(args[i], "=")
			opts[k] = v
		case strings.HasPrefix(arg, "-"):
			flags += strings.TrimPrefix(arg, "-")
		default:
			pos = append(pos, arg)
		}
	}
	return flags, opts, pos
}

func last(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

const streamMagic = "ZFSSTREAM"

func encodeStream(snap string, raw bool, passphrase string) string {
	return fmt.Sprintf("%s %s %t %s\n", streamMagic, snap, raw, hex.EncodeToString([]byte(passphrase)))
}

func decodeStream(b []byte) (snap string, raw bool, passphrase string, ok bool) {
	fields := strings.Fields(string(b))
	if len(fields) < 3 || fields[0] != streamMagic {
		return "", false, "", false
	}
	if len(fields) == 4 {
		p, err := hex.DecodeString(fields[3])
		if err != nil {
			return "", false, "", false
		}
		passphrase = string(p)
	}
	return fields[1], fields[2] == "true", passphrase, true
}
