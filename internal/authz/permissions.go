package authz

// Permission strings form a fixed enumeration. Anything outside this set is
// rejected at role create, delegation create and token issue time.
const (
	PermProjectRead   = "project:read"
	PermProjectWrite  = "project:write"
	PermPipelineRun   = "pipeline:run"
	PermDeployWrite   = "deploy:write"
	PermSecretRead    = "secret:read"
	PermSecretWrite   = "secret:write"
	PermAgentSpawn    = "agent:spawn"
	PermObserveRead   = "observe:read"
	PermAdminUsers    = "admin:users"
	PermAdminRoles    = "admin:roles"
	PermAdminDelegate = "admin:delegate"
	PermWebhookManage = "webhook:manage"
)

// AllPermissions is the complete enumeration.
var AllPermissions = []string{
	PermProjectRead,
	PermProjectWrite,
	PermPipelineRun,
	PermDeployWrite,
	PermSecretRead,
	PermSecretWrite,
	PermAgentSpawn,
	PermObserveRead,
	PermAdminUsers,
	PermAdminRoles,
	PermAdminDelegate,
	PermWebhookManage,
}

// projectPermissions is the full set a project owner holds implicitly on
// their own project. Admin permissions are global and excluded.
var projectPermissions = []string{
	PermProjectRead,
	PermProjectWrite,
	PermPipelineRun,
	PermDeployWrite,
	PermSecretRead,
	PermSecretWrite,
	PermAgentSpawn,
	PermObserveRead,
	PermWebhookManage,
}

// System role names. These roles ship with the platform and are immutable.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleViewer    = "viewer"
)

// SystemRoles maps each system role to its permission set.
var SystemRoles = map[string][]string{
	RoleAdmin: AllPermissions,
	RoleDeveloper: {
		PermProjectRead,
		PermProjectWrite,
		PermPipelineRun,
		PermDeployWrite,
		PermSecretRead,
		PermSecretWrite,
		PermAgentSpawn,
		PermObserveRead,
		PermWebhookManage,
	},
	RoleViewer: {
		PermProjectRead,
		PermObserveRead,
	},
}

var permissionSet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		s[p] = struct{}{}
	}
	return s
}()

// ValidPermission reports whether p belongs to the fixed enumeration.
func ValidPermission(p string) bool {
	_, ok := permissionSet[p]
	return ok
}
