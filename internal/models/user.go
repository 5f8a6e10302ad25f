package models

import "time"

// User is an account that can sign in on the consent page.
type User struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	PasswordHash string `json:"-"`
}

// Note is a short text owned by a single user.
type Note struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
