package domain

// Role decides how much of the organisation a user may see.
type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RoleUser       Role = "user"
	RoleExternal   Role = "external"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSuperadmin, RoleAdmin, RoleUser, RoleExternal:
		return true
	}
	return false
}

// CanInvite reports whether the role may share brand or project access.
func (r Role) CanInvite() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

// User is an employee or an invited external collaborator.
type User struct {
	ID                 string   `json:"_id"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	Role               Role     `json:"role"`
	EmployeeID         string   `json:"employeeId,omitempty"`
	Company            string   `json:"company,omitempty"`
	Department         string   `json:"department,omitempty"`
	AccessibleBrands   []string `json:"accessibleBrands,omitempty"`
	AccessibleProjects []string `json:"accessibleProjects,omitempty"`
}

// Brand owns projects.
type Brand struct {
	ID           string `json:"_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Company      string `json:"company,omitempty"`
	Department   string `json:"department,omitempty"`
	Status       string `json:"status,omitempty"`
	ProjectCount int    `json:"projectCount,omitempty"`
}

// Project groups tasks under a brand.
type Project struct {
	ID          string  `json:"_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	BrandID     string  `json:"brandId"`
	Company     string  `json:"company,omitempty"`
	Department  string  `json:"department,omitempty"`
	Progress    float64 `json:"progress,omitempty"`
	Status      string  `json:"status,omitempty"`
}
