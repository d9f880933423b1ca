package result

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/runningman84/zfsvault/pkg/runner"
	"k8s.io/klog/v2"
)

// Operation names the kind of tool invocation being classified
type Operation string

const (
	OpList      Operation = "list"
	OpStatus    Operation = "status"
	OpCreate    Operation = "create"
	OpLoadKey   Operation = "load-key"
	OpMount     Operation = "mount"
	OpUnmount   Operation = "unmount"
	OpDestroy   Operation = "destroy"
	OpSnapshot  Operation = "snapshot"
	OpSend      Operation = "send"
	OpReceive   Operation = "receive"
	OpClone     Operation = "clone"
	OpIPFSSend  Operation = "ipfs-send"
	OpIPFSFetch Operation = "ipfs-receive"
)

// Outcome is the classification of a finished command
type Outcome int

const (
	Success Outcome = iota
	IgnorableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case IgnorableFailure:
		return "ignorable"
	default:
		return "fatal"
	}
}

var keyAlreadyLoaded = regexp.MustCompile(`Key load error: Key already loaded for(.*)`)

// Classify decides whether a command outcome is a success, a failure that
// leaves the target already in the desired state, or a fatal failure
func Classify(op Operation, exitCode int, stderr string, force bool) Outcome {
	if exitCode == 0 {
		return Success
	}

	switch op {
	case OpLoadKey:
		if keyAlreadyLoaded.MatchString(stderr) {
			return IgnorableFailure
		}
	case OpUnmount, OpDestroy:
		if force {
			return IgnorableFailure
		}
	}
	return FatalFailure
}

// Check classifies res and returns a *Error for fatal outcomes
func Check(op Operation, args []string, res *runner.Result, force bool) error {
	switch Classify(op, res.ExitCode, res.Stderr, force) {
	case Success:
		return nil
	case IgnorableFailure:
		klog.V(1).Infof("Ignoring %s failure (exit code %d): %s", op, res.ExitCode, strings.TrimSpace(res.Stderr))
		return nil
	default:
		return &Error{
			Kind:     ErrToolInvocation,
			Op:       op,
			Args:     args,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
}

// Error kinds, matched with errors.Is
var (
	ErrToolInvocation     = errors.New("tool invocation failed")
	ErrParse              = errors.New("unexpected tool output")
	ErrCollaboratorLookup = errors.New("collaborator lookup failed")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// Error describes a failed operation. Stderr holds the raw tool output.
type Error struct {
	Kind     error
	Op       Operation
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Op, e.Kind)
	if e.Kind == ErrToolInvocation && e.Err == nil {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", stderr)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// StartFailure wraps an error from a command that never ran
func StartFailure(op Operation, args []string, err error) *Error {
	return &Error{Kind: ErrToolInvocation, Op: op, Args: args, ExitCode: -1, Err: err}
}

// ParseFailure reports output that could not be interpreted
func ParseFailure(op Operation, err error) *Error {
	return &Error{Kind: ErrParse, Op: op, Err: err}
}

// LookupFailure reports a failed collaborator lookup
func LookupFailure(op Operation, err error) *Error {
	return &Error{Kind: ErrCollaboratorLookup, Op: op, Err: err}
}

// StderrOf returns the raw stderr carried by err, if any
func StderrOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stderr
	}
	return ""
}
