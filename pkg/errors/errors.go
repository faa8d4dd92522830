package errors

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNoConfig           = errors.New("missing config")
	ErrNotLinked          = errors.New("pad is not linked")
	ErrFlushing           = errors.New("pad is flushing")
	ErrAlreadyHasParent   = errors.New("element already has a parent")
	ErrNotInBin           = errors.New("element is not a child of this bin")
	ErrNoCompatiblePads   = errors.New("no compatible pads found")
	ErrNoSuchPadTemplate  = errors.New("no such pad template")
	ErrPropertyReadOnly   = errors.New("property is not writable")
	ErrPipelineFrozen     = errors.New("pipeline frozen")
	ErrPipelineNotRunning = errors.New("pipeline not running")
	ErrWatchExists        = errors.New("bus already has a watch")
	ErrTimeout            = errors.New("timed out")
	ErrTaskNotStopped     = errors.New("task can only be joined once stopped")
	ErrEmptyPipeline      = errors.New("empty pipeline")
	ErrNoPipeline         = errors.New("description does not contain a pipeline")
	ErrTaskPoolExhausted  = errors.New("task pool exhausted")
	ErrProfileNotFound    = errors.New("profile not found")
)

func New(err string) error {
	return errors.New(err)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func ErrInvalidConfig(field, reason string) error {
	return fmt.Errorf("invalid config %s: %s", field, reason)
}

func ErrCouldNotParseConfig(err error) error {
	return fmt.Errorf("could not parse config: %v", err)
}

func ErrPadLinkFailed(src, sink, status string) error {
	return fmt.Errorf("failed to link %s to %s: %s", src, sink, status)
}

func ErrNameTaken(bin, name string) error {
	return fmt.Errorf("name %s is not unique in bin %s", name, bin)
}

func ErrNoSuchElement(name string) error {
	return fmt.Errorf("no element named %s", name)
}

func ErrNoSuchFactory(name string) error {
	return fmt.Errorf("no element %q", name)
}

func ErrNoSuchPad(element, pad string) error {
	return fmt.Errorf("element %s has no pad %s", element, pad)
}

func ErrNoSuchProperty(element, property string) error {
	return fmt.Errorf("no property %q in element %q", property, element)
}

func ErrInvalidPropertyValue(property string, value any, reason string) error {
	return fmt.Errorf("invalid value %v for property %s: %s", value, property, reason)
}

func ErrPropertyNotMutable(property, state string) error {
	return fmt.Errorf("property %s cannot be changed in state %s", property, state)
}

func ErrStateChangeFailed(element, transition string) error {
	return fmt.Errorf("%s failed to change state: %s", element, transition)
}

func ErrCapsParse(input string, pos int, reason string) error {
	return fmt.Errorf("could not parse caps %q at %d: %s", input, pos, reason)
}

func ErrLaunchSyntax(pos int, reason string) error {
	return fmt.Errorf("syntax error at %d: %s", pos, reason)
}

func ErrLinkFailed(src, sink string) error {
	return fmt.Errorf("could not link %s to %s", src, sink)
}

// FatalError marks an error that must tear down the pipeline it came from.
type FatalError struct {
	err error
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// ErrArray collects errors from independent callbacks.
type ErrArray struct {
	mu   sync.Mutex
	errs []error
}

func (e *ErrArray) AppendErr(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *ErrArray) Check(err error) {
	if err != nil {
		e.AppendErr(err)
	}
}

func (e *ErrArray) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func (e *ErrArray) ToError() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch len(e.errs) {
	case 0:
		return nil
	case 1:
		return e.errs[0]
	default:
		return &multiError{errs: append([]error(nil), e.errs...)}
	}
}

type multiError struct {
	errs []error
}

func (m *multiError) Error() string {
	s := make([]string, 0, len(m.errs))
	for _, err := range m.errs {
		s = append(s, err.Error())
	}
	return strings.Join(s, "\n")
}

func (m *multiError) Unwrap() []error {
	return m.errs
}
