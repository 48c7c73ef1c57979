package shared

// Core platform permissions.
const (
	PermStaffView = "staff.view"
	PermStaffEdit = "staff.edit"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView   = "permissions.view"
	PermPermissionsManage = "permissions.manage"
	PermOverridesManage   = "overrides.manage"

	// PermRBACProtected guards the permission catalog itself and is seeded immutable.
	PermRBACProtected = "rbac.protected"
)

// Helpdesk permissions.
const (
	PermTicketsView   = "tickets.view"
	PermTicketsCreate = "tickets.create"
	PermTicketsUpdate = "tickets.update"
	PermTicketsAssign = "tickets.assign"
	PermTicketsDelete = "tickets.delete"
)

// Newsletter permissions.
const (
	PermCampaignsView = "campaigns.view"
	PermCampaignsEdit = "campaigns.edit"
	PermCampaignsSend = "campaigns.send"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermStaffView,
		PermStaffEdit,
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermPermissionsManage,
		PermOverridesManage,
		PermRBACProtected,
	}
}

// HelpdeskScopes lists ticketing permissions.
func HelpdeskScopes() []string {
	return []string{
		PermTicketsView,
		PermTicketsCreate,
		PermTicketsUpdate,
		PermTicketsAssign,
		PermTicketsDelete,
	}
}

// NewsletterScopes lists campaign permissions.
func NewsletterScopes() []string {
	return []string{
		PermCampaignsView,
		PermCampaignsEdit,
		PermCampaignsSend,
	}
}
