package domain

// Actor is the authenticated user a ledger or checkout call acts on behalf of.
type Actor struct {
	UserID   int64
	Username string
	Role     string
}

func (a Actor) Valid() bool {
	return a.UserID > 0
}
