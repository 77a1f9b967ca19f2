package logger

// Component name constants for standardized logging
const (
	ComponentClient     = "Client"
	ComponentReactor    = "Reactor"
	ComponentReconciler = "Reconciler"
)
