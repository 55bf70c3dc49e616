package directory

import "time"

// OrgRole is an actor's role inside an organization. An actor holds at most
// one membership per organization.
type OrgRole int

const (
	OrgRoleNone OrgRole = iota
	OrgRoleMember
	OrgRoleAdmin
	OrgRoleOwner
)

func (r OrgRole) String() string {
	switch r {
	case OrgRoleMember:
		return "member"
	case OrgRoleAdmin:
		return "admin"
	case OrgRoleOwner:
		return "owner"
	case OrgRoleNone:
		return "none"
	}
	return "none"
}

// ParseOrgRole maps a stored role string to its enum value. Unknown strings
// resolve to OrgRoleNone so they fail every permission rule.
func ParseOrgRole(s string) OrgRole {
	switch s {
	case "member":
		return OrgRoleMember
	case "admin":
		return OrgRoleAdmin
	case "owner":
		return OrgRoleOwner
	}
	return OrgRoleNone
}

// DeptRole is an actor's role inside a department.
type DeptRole int

const (
	DeptRoleNone DeptRole = iota
	DeptRoleMember
	DeptRoleSubAdmin
	DeptRoleLead
)

func (r DeptRole) String() string {
	switch r {
	case DeptRoleMember:
		return "member"
	case DeptRoleSubAdmin:
		return "sub_admin"
	case DeptRoleLead:
		return "lead"
	case DeptRoleNone:
		return "none"
	}
	return "none"
}

// ParseDeptRole maps a stored role string to its enum value.
func ParseDeptRole(s string) DeptRole {
	switch s {
	case "member":
		return DeptRoleMember
	case "sub_admin":
		return DeptRoleSubAdmin
	case "lead":
		return DeptRoleLead
	}
	return DeptRoleNone
}

// IsAdmin reports whether the role carries department-admin authority.
func (r DeptRole) IsAdmin() bool {
	return r == DeptRoleLead || r == DeptRoleSubAdmin
}

// Actor is an identified user of the platform.
type Actor struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name,omitempty"`
	Superadmin bool      `json:"is_superadmin"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Organization is the tenant boundary owning departments and records.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Department is a sub-scope of an organization with its own admin hierarchy.
type Department struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// OrgMembership ties an actor to an organization with a role.
type OrgMembership struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           OrgRole   `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeptMembership ties an actor to a department with a role.
type DeptMembership struct {
	DepartmentID string    `json:"department_id"`
	UserID       string    `json:"user_id"`
	Role         DeptRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
