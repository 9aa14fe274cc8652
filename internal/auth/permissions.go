package auth

// Permission names used by the console's own handlers. The catalog itself is
// seeded by migrations; these constants only name the checks the core issues.
const (
	PermUserRead       = "user.read"
	PermUserCreate     = "user.create"
	PermUserUpdate     = "user.update"
	PermUserDeactivate = "user.deactivate"

	PermAuditRead = "audit.read"

	PermVulnerabilityRead   = "vulnerability.read"
	PermVulnerabilityWrite  = "vulnerability.write"
	PermVulnerabilityDelete = "vulnerability.delete"

	PermTargetRead  = "target.read"
	PermTargetWrite = "target.write"
)
