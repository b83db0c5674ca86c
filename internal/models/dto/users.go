package dto

import "github.com/hongminglow/usersync/internal/models"

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UpdateUserRequest carries optional fields; nil means "leave unchanged".
type UpdateUserRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type UserList struct {
	Users  []models.User `json:"users"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
}

type LastMessage struct {
	LastMessage *string `json:"last_message"`
}
