package auth

import "time"

type Role string

const (
	// RoleOwner creates and administers agreements and their escrow accounts.
	RoleOwner Role = "owner"
	// RoleParty participates in agreements and receives payouts.
	RoleParty Role = "party"
	// RoleAdmin reviews payouts that require manual approval.
	RoleAdmin Role = "admin"
)

// User is the domain representation of an authenticated user. It mirrors the
// users table and carries no serialization annotations so presentation layers
// stay free to shape their own responses.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Company      *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName string  `json:"full_name"`
	Company  *string `json:"company,omitempty"`
	Role     Role    `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
