package shared

// Roles recognised by the tax closing routes.
const (
	RoleAccountsManager = "Accounts Manager"
	RoleTaxManager      = "Tax Manager"
	RoleSystemManager   = "System Manager"
	RoleAccountsUser    = "Accounts User"
)

// TaxCloseRoles lists roles allowed to drive the closing workflow.
func TaxCloseRoles() []string {
	return []string{
		RoleAccountsManager,
		RoleTaxManager,
		RoleSystemManager,
	}
}

// TaxViewRoles lists roles allowed to read closings and registers.
func TaxViewRoles() []string {
	return append(TaxCloseRoles(), RoleAccountsUser)
}
