package perf

import (
	"log/slog"
)

// Evaluator decides whether the calling process may open a measurement.
// Nothing is cached between evaluations: capabilities and the paranoia
// level are re-read on every call.
type Evaluator struct {
	env    Environment
	logger *slog.Logger
}

// NewEvaluator returns a new Evaluator consulting env.
func NewEvaluator(env Environment, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Evaluator{env: env, logger: logger}
}

// Evaluate returns true if the caller may open m. It must be called
// before every open.
func (e *Evaluator) Evaluate(m *Measurement) (bool, error) {
	isAdmin, err := e.env.HasCapability(CapSysAdmin)
	if err != nil {
		return false, err
	}

	if isAdmin {
		e.logger.Debug("Measurement allowed", "domain", m.Domain, "reason", "cap_sys_admin")

		return true, nil
	}

	paranoia, err := e.env.Paranoia()
	if err != nil {
		return false, err
	}

	// Monitoring any process on a given CPU needs CAP_PERFMON. The
	// capability only exists since 5.8. On older kernels CAP_SYS_ADMIN
	// is required instead which has been ruled out already.
	if m.PID == AnyProcess && m.CPU >= 0 {
		version, err := e.env.KernelVersion()
		if err != nil {
			return false, err
		}

		if version.AtLeast(5, 8) {
			hasPerfmon, err := e.env.HasCapability(CapPerfmon)
			if err != nil {
				return false, err
			}

			if !hasPerfmon {
				e.logger.Debug("Measurement denied", "domain", m.Domain, "reason", "cap_perfmon missing", "kernel", version)

				return false, nil
			}
		}
	}

	if paranoia.Has(ParanoiaAllowAll) {
		return true, nil
	}

	if restriction, ok := domainRestriction[m.Domain]; ok && paranoia.Has(restriction) {
		e.logger.Debug("Measurement denied", "domain", m.Domain, "paranoia", paranoia)

		return false, nil
	}

	return true, nil
}

// domainRestriction maps a counter domain to the paranoia flag that
// restricts it.
var domainRestriction = map[Domain]Paranoia{
	DomainTracepoint: ParanoiaDisallowFtrace,
	DomainHardware:   ParanoiaDisallowCPU,
	DomainSoftware:   ParanoiaDisallowKernel,
}
