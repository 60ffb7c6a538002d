package build

// DeploymentType selects, at compile time, how NewSubLogger builds the
// package loggers.
type DeploymentType byte

const (
	// Development builds may route every logger to stdout through the
	// stdlog tag, which the package tests use.
	Development DeploymentType = iota

	// Production builds only log through the generator the host binary
	// passes in.
	Production
)

// String returns the name of the deployment.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
