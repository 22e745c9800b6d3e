package bus

// Event names consumed and produced by hotforge. Dashboards and the host
// process depend on these strings.
const (
	GenerateRequest  = "generate-request"
	GenerateComplete = "generate-complete"
	GenerateFailed   = "generate-failed"

	ModifyRequest  = "modify-request"
	ModifyComplete = "modify-complete"
	ModifyFailed   = "modify-failed"

	DebugRequest  = "debug-request"
	DebugComplete = "debug-complete"
	DebugFailed   = "debug-failed"

	TestsGenerated = "tests-generated"

	GoalAchieved = "goal-achieved"
	GoalRegister = "goal-register"
	SystemNeed   = "system-need"

	ModuleRegister    = "module-register"
	ModuleUnregister  = "module-unregister"
	EndpointRegister  = "endpoint-register"
	HandlerRegister   = "handler-register"
	ExtensionRegister = "extension-register"

	IntegrationStarted   = "integration-started"
	IntegrationStage     = "integration-stage"
	IntegrationCompleted = "integration-completed"
	IntegrationFailed    = "integration-failed"

	SourceChanged = "source-changed"
)
