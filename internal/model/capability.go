package model

// Capabilities checked through the injected authorizer.
const (
	CapAuditOpen    = "audit.open"
	CapAuditClose   = "audit.close"
	CapAuditDelete  = "audit.delete"
	CapItemsSubmit  = "audit.items.submit"
	CapItemsViewAll = "audit.items.view_all"
	CapLotsEdit     = "lots.edit"
)

// roleCapabilities is the capability set granted to each role.
var roleCapabilities = map[string][]string{
	RoleAdmin:   {CapAuditOpen, CapAuditClose, CapAuditDelete, CapItemsSubmit, CapItemsViewAll, CapLotsEdit},
	RoleManager: {CapAuditOpen, CapAuditClose, CapItemsSubmit, CapItemsViewAll, CapLotsEdit},
	RoleUser:    {CapItemsSubmit},
}

// RoleHasCapability reports whether role grants capability. Unknown roles
// and capabilities fail closed.
func RoleHasCapability(role, capability string) bool {
	for _, c := range roleCapabilities[role] {
		if c == capability {
			return true
		}
	}
	return false
}
