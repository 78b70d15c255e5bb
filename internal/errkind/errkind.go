// Package errkind defines the error taxonomy shared by every modelzoo stage.
//
// An error carries a Kind (ConfigError, PathError, ...) and a Code
// (missing_env, not_found, ...). Sentinels match with errors.Is on the
// (Kind, Code) pair, so callers never compare strings:
//
//	if errors.Is(err, errkind.ErrMissingAttr) { ... }
package errkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the family an error belongs to.
type Kind string

const (
	KindConfig    Kind = "ConfigError"
	KindPath      Kind = "PathError"
	KindDataset   Kind = "DatasetError"
	KindFootprint Kind = "FootprintError"
	KindRemote    Kind = "RemoteError"
	KindDeploy    Kind = "DeployError"
	KindStage     Kind = "StageError"
)

// Code identifies the failure within a Kind.
type Code string

const (
	// ConfigError codes
	MissingEnv        Code = "missing_env"
	UnknownAttr       Code = "unknown_attr"
	MissingAttr       Code = "missing_attr"
	MissingValue      Code = "missing_value"
	MutuallyExclusive Code = "mutually_exclusive"
	OutOfRange        Code = "out_of_range"
	BadEnum           Code = "bad_enum"
	BadType           Code = "bad_type"

	// PathError codes
	NotFound Code = "not_found"
	NotADir  Code = "not_a_dir"
	NotAFile Code = "not_a_file"

	// DatasetError codes
	NoClassNames      Code = "no_class_names"
	EmptyClip         Code = "empty_clip"
	UnsupportedFormat Code = "unsupported_format"
	NotImplemented    Code = "not_implemented"

	// FootprintError codes
	ModelTooLargeFlash Code = "model_too_large_flash"
	ModelTooLargeRAM   Code = "model_too_large_ram"
	VersionMismatch    Code = "version_mismatch_warn"

	// RemoteError codes
	LoginFailed      Code = "login_failed"
	BenchmarkTimeout Code = "benchmark_timeout"
	GenerateFailed   Code = "generate_failed"

	// DeployError codes
	BoardUnreachable Code = "board_unreachable"
	SCPFailed        Code = "scp_failed"
	SSHFailed        Code = "ssh_failed"
	BuildFailed      Code = "build_failed"
	FlashFailed      Code = "flash_failed"

	// StageError codes
	StageFailed     Code = "stage_failed"
	ArtifactMissing Code = "artifact_missing"
	Interrupted     Code = "interrupted"
)

// Error is a classified modelzoo failure.
type Error struct {
	Kind      Kind
	Code      Code
	Section   string // config section or component, optional
	Attribute string // offending attribute or key, optional
	Msg       string
	Hint      string // remediation shown to the user
	Err       error  // wrapped cause
}

// Error renders "Kind:code: section 'x': attribute 'y': msg. hint".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(":")
	b.WriteString(string(e.Code))
	if e.Section != "" {
		fmt.Fprintf(&b, ": section '%s'", e.Section)
	}
	if e.Attribute != "" {
		fmt.Fprintf(&b, ": attribute '%s'", e.Attribute)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Hint != "" {
		b.WriteString(". ")
		b.WriteString(e.Hint)
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrConfig    = &Error{Kind: KindConfig}
	ErrPath      = &Error{Kind: KindPath}
	ErrDataset   = &Error{Kind: KindDataset}
	ErrFootprint = &Error{Kind: KindFootprint}
	ErrRemote    = &Error{Kind: KindRemote}
	ErrDeploy    = &Error{Kind: KindDeploy}
	ErrStage     = &Error{Kind: KindStage}

	ErrMissingEnv        = &Error{Kind: KindConfig, Code: MissingEnv}
	ErrUnknownAttr       = &Error{Kind: KindConfig, Code: UnknownAttr}
	ErrMissingAttr       = &Error{Kind: KindConfig, Code: MissingAttr}
	ErrMissingValue      = &Error{Kind: KindConfig, Code: MissingValue}
	ErrMutuallyExclusive = &Error{Kind: KindConfig, Code: MutuallyExclusive}
	ErrOutOfRange        = &Error{Kind: KindConfig, Code: OutOfRange}
	ErrBadEnum           = &Error{Kind: KindConfig, Code: BadEnum}
	ErrBadType           = &Error{Kind: KindConfig, Code: BadType}

	ErrNotFound = &Error{Kind: KindPath, Code: NotFound}
	ErrNotADir  = &Error{Kind: KindPath, Code: NotADir}
	ErrNotAFile = &Error{Kind: KindPath, Code: NotAFile}

	ErrNoClassNames      = &Error{Kind: KindDataset, Code: NoClassNames}
	ErrEmptyClip         = &Error{Kind: KindDataset, Code: EmptyClip}
	ErrUnsupportedFormat = &Error{Kind: KindDataset, Code: UnsupportedFormat}
	ErrNotImplemented    = &Error{Kind: KindDataset, Code: NotImplemented}

	ErrModelTooLargeFlash = &Error{Kind: KindFootprint, Code: ModelTooLargeFlash}
	ErrModelTooLargeRAM   = &Error{Kind: KindFootprint, Code: ModelTooLargeRAM}
	ErrVersionMismatch    = &Error{Kind: KindFootprint, Code: VersionMismatch}

	ErrLoginFailed      = &Error{Kind: KindRemote, Code: LoginFailed}
	ErrBenchmarkTimeout = &Error{Kind: KindRemote, Code: BenchmarkTimeout}
	ErrGenerateFailed   = &Error{Kind: KindRemote, Code: GenerateFailed}

	ErrBoardUnreachable = &Error{Kind: KindDeploy, Code: BoardUnreachable}
	ErrSCPFailed        = &Error{Kind: KindDeploy, Code: SCPFailed}
	ErrSSHFailed        = &Error{Kind: KindDeploy, Code: SSHFailed}
	ErrBuildFailed      = &Error{Kind: KindDeploy, Code: BuildFailed}
	ErrFlashFailed      = &Error{Kind: KindDeploy, Code: FlashFailed}

	ErrStageFailed     = &Error{Kind: KindStage, Code: StageFailed}
	ErrArtifactMissing = &Error{Kind: KindStage, Code: ArtifactMissing}
	ErrInterrupted     = &Error{Kind: KindStage, Code: Interrupted}
)

// Config builds a ConfigError.
func Config(code Code, section, attr, msg, hint string) *Error {
	return &Error{Kind: KindConfig, Code: code, Section: section, Attribute: attr, Msg: msg, Hint: hint}
}

// Path builds a PathError for the config key that named the path.
func Path(code Code, key, path string) *Error {
	var msg, hint string
	switch code {
	case NotFound:
		msg = fmt.Sprintf("path %q does not exist", path)
		hint = "Please check the path and make sure it is spelled correctly"
	case NotADir:
		msg = fmt.Sprintf("path %q is not a directory", path)
		hint = "A directory is expected for this attribute"
	case NotAFile:
		msg = fmt.Sprintf("path %q is not a file", path)
		hint = "A file is expected for this attribute"
	}
	return &Error{Kind: KindPath, Code: code, Attribute: key, Msg: msg, Hint: hint}
}

// New builds an error of any kind.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap builds an error of any kind around a cause.
func Wrap(kind Kind, code Code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first classified error in the chain.
func KindOf(err error) (Kind, Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e.Code, true
	}
	return "", "", false
}
