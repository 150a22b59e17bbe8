package domain

// Role is the coarse access level assigned to an authenticated caller.
type Role string

const (
	RoleSystem   Role = "system"
	RoleAdmin    Role = "admin"
	RoleService  Role = "service"
	RoleUser     Role = "user"
	RoleReadOnly Role = "readonly"
)

// Permission gates a coordinator operation. Operations declare the
// permissions they require; the security gate checks the caller's set.
type Permission string

const (
	PermRead    Permission = "doc:read"
	PermReadAll Permission = "doc:read_all"
	PermWrite   Permission = "doc:write"
	PermDelete  Permission = "doc:delete"
	PermArchive Permission = "doc:archive"
	PermAdmin   Permission = "doc:admin"
)

// RolePermissions maps each role to its default grant. The auth provider may
// extend a user's set beyond the role default but never shrinks it here.
var RolePermissions = map[Role][]Permission{
	RoleSystem:   {PermRead, PermReadAll, PermWrite, PermDelete, PermArchive, PermAdmin},
	RoleAdmin:    {PermRead, PermReadAll, PermWrite, PermDelete, PermArchive, PermAdmin},
	RoleService:  {PermRead, PermReadAll, PermWrite, PermArchive},
	RoleUser:     {PermRead, PermWrite, PermDelete, PermArchive},
	RoleReadOnly: {PermRead},
}

// User is built by the security gate from an authenticated credential. The
// coordinator never mints users itself.
type User struct {
	UserID      string
	Role        Role
	Permissions map[Permission]struct{}
}

// NewUser constructs a user with the default grant for role plus any extras.
func NewUser(userID string, role Role, extra ...Permission) *User {
	perms := make(map[Permission]struct{})
	for _, p := range RolePermissions[role] {
		perms[p] = struct{}{}
	}
	for _, p := range extra {
		perms[p] = struct{}{}
	}
	return &User{UserID: userID, Role: role, Permissions: perms}
}

// Has reports whether the user holds the permission.
func (u *User) Has(p Permission) bool {
	_, ok := u.Permissions[p]
	return ok
}

// HasAll reports whether the user holds every listed permission.
func (u *User) HasAll(ps ...Permission) bool {
	for _, p := range ps {
		if !u.Has(p) {
			return false
		}
	}
	return true
}
