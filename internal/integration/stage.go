package integration

// Stage identifies where in the pipeline an artifact is.
type Stage int

const (
	StageQueued Stage = iota
	StageDependencyAnalysis
	StageDependencyInstall
	StageSyntaxValidation
	StageHotLoad
	StageCapabilityRegistration
	StageSupervisorReload
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageQueued:
		return "queued"
	case StageDependencyAnalysis:
		return "dependency_analysis"
	case StageDependencyInstall:
		return "dependency_install"
	case StageSyntaxValidation:
		return "syntax_validation"
	case StageHotLoad:
		return "hot_load"
	case StageCapabilityRegistration:
		return "capability_registration"
	case StageSupervisorReload:
		return "supervisor_reload"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}
