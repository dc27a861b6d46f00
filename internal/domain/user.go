package domain

import "time"

// User es el registro de identidad de un miembro.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Balance      float64   `json:"balance"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile es la proyección pública de un usuario: sin email ni hash.
type Profile struct {
	Username  string    `json:"username"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) Profile() Profile {
	return Profile{
		Username:  u.Username,
		Balance:   u.Balance,
		CreatedAt: u.CreatedAt,
	}
}
