package models

// Owned is implemented by every entity that belongs to a tenant. The scoped
// repository layer stamps and checks ownership through it.
type Owned interface {
	GetUserID() string
	SetUserID(string)
}
