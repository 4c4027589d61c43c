package models

// Player identifies a lobby member. UserID is the stable key; Username is for display only.
type Player struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

