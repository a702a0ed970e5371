package security

import (
	"errors"
	"fmt"
	"log/slog"

	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Custom errors.
var (
	ErrNoSecurityCtx            = errors.New("security context not found")
	ErrSecurityCtxDataAssertion = errors.New("data type cannot be asserted")
)

// ContextConfig configures a Context.
type ContextConfig[T any] struct {
	Name   string
	Caps   []cap.Value
	Func   func(T) error
	Logger *slog.Logger

	// ExecNatively runs Func on the calling goroutine without touching
	// capabilities. Used when the process was not started privileged.
	ExecNatively bool
}

// Context runs a function on a dedicated OS thread whose effective
// capability set is raised for the duration of the call only. The rest
// of the process keeps capabilities in the permitted set.
type Context[T any] struct {
	Name string

	logger       *slog.Logger
	launcher     *cap.Launcher
	f            func(T) error
	caps         []cap.Value
	execNatively bool
}

// NewContext returns a new Context.
func NewContext[T any](c *ContextConfig[T]) *Context[T] {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Context[T]{
		Name:         c.Name,
		logger:       logger,
		f:            c.Func,
		caps:         c.Caps,
		execNatively: c.ExecNatively,
	}

	s.launcher = cap.FuncLauncher(s.enclave)

	return s
}

// Exec runs the function of the context on data.
func (s *Context[T]) Exec(data T) error {
	if s.execNatively {
		return s.f(data)
	}

	if _, err := s.launcher.Launch(data); err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}

	return nil
}

// setEffective toggles the effective flag of the context capabilities
// on the current thread.
func (s *Context[T]) setEffective(enable bool) error {
	if len(s.caps) == 0 {
		return nil
	}

	set := cap.GetProc()

	if enable {
		if err := set.SetFlag(cap.Permitted, true, s.caps...); err != nil {
			return fmt.Errorf("setting permitted capabilities: %w", err)
		}
	}

	if err := set.SetFlag(cap.Effective, enable, s.caps...); err != nil {
		return fmt.Errorf("setting effective capabilities: %w", err)
	}

	return set.SetProc()
}

// enclave is executed by the launcher on its locked thread.
func (s *Context[T]) enclave(data any) error {
	d, ok := data.(T)
	if !ok {
		return ErrSecurityCtxDataAssertion
	}

	// A failure surfaces as a permission error of f, which is more
	// telling than this one
	if err := s.setEffective(true); err != nil {
		s.logger.Error("Failed to raise capabilities", "name", s.Name, "caps", cap.GetProc().String(), "err", err)
	}

	s.logger.Debug("Executing in security context", "name", s.Name, "caps", cap.GetProc().String())

	err := s.f(d)

	if dropErr := s.setEffective(false); dropErr != nil {
		s.logger.Warn("Failed to drop capabilities", "name", s.Name, "caps", cap.GetProc().String(), "err", dropErr)
	}

	return err
}
