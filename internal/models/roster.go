package models

// UserEntry is one connected user in the roster. ID is the connection id
// of the owning session.
type UserEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}
