package model

const (
	CapabilityManageDownloads = "downloads:manage"
)

// Principal is the authenticated caller as resolved from a bearer token.
type Principal struct {
	ID           string
	TenantID     string
	Capabilities []string
}

func (p *Principal) HasCapability(capability string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// MemberOf reports whether the principal belongs to the given tenant.
func (p *Principal) MemberOf(tenantID string) bool {
	return p != nil && p.TenantID != "" && p.TenantID == tenantID
}
