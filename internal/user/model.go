package user

import (
	"errors"
	"strings"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidInput       = errors.New("username and password are required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCompanyRequired    = errors.New("company_id is required")
	ErrRoleNotAllowed     = errors.New("role cannot be self-assigned")
)

// RoleSystemAdmin belongs to operators without a company; their realtime
// connection joins the system room.
const RoleSystemAdmin = "DEV_ADMIN"

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Avatar    string `json:"avatar,omitempty"`
	Role      string `json:"role"`
	CompanyID string `json:"company_id"`

	// Stored server-side; see DESIGN.md on the weakened end-to-end property.
	PublicKey  string `json:"-"`
	PrivateKey string `json:"-"`
}

// DisplayName is "First Last", falling back to the username.
func (u *User) DisplayName() string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.Username
}

type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	CompanyID string `json:"company_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	CompanyID   string `json:"company_id"`
}
