package repository

import (
	"github.com/prperemyshlev/ledger-connections/pkg/database"
)

// Repositories holds all repository interfaces
type Repositories struct {
	Connection ConnectionRepository
}

// NewRepositories creates all repositories
func NewRepositories(db *database.Postgres) *Repositories {
	return &Repositories{
		Connection: NewConnectionRepository(db),
	}
}
