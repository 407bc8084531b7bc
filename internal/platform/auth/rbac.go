package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles that may work on encounters.
const (
	RoleAdmin      = "admin"
	RolePhysician  = "physician"
	RoleTechnician = "technician"
)

// Access levels of a privilege domain.
const (
	NoAccess   = "NOACCESS"
	ReadOnly   = "READONLY"
	FullAccess = "FULLACCESS"
)

// Privileges are the caller's access levels on the four encounter
// privilege domains.
type Privileges struct {
	MedicalData string `json:"medical_data"`
	Pretest     string `json:"pretest"`
	FinalRx     string `json:"final_rx"`
	Fitting     string `json:"fitting"`
}

// PrivilegesForRoles is the server-side grant policy. Admins and physicians
// get full access everywhere. Technicians run pretests and fittings and may
// only read medical data and final prescriptions. The best grant of all
// roles wins per domain.
func PrivilegesForRoles(roles []string) Privileges {
	p := Privileges{MedicalData: NoAccess, Pretest: NoAccess, FinalRx: NoAccess, Fitting: NoAccess}
	for _, role := range roles {
		switch role {
		case RoleAdmin, RolePhysician:
			return Privileges{MedicalData: FullAccess, Pretest: FullAccess, FinalRx: FullAccess, Fitting: FullAccess}
		case RoleTechnician:
			p = Privileges{MedicalData: ReadOnly, Pretest: FullAccess, FinalRx: ReadOnly, Fitting: FullAccess}
		}
	}
	return p
}

// Grants returns the privileges carried by the token, falling back to the
// role policy when the token has none.
func (c *Claims) Grants() Privileges {
	if c.Privileges != nil {
		return *c.Privileges
	}
	return PrivilegesForRoles(c.Roles)
}

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, has := range RolesFromContext(c.Request().Context()) {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
