// Package sqlite implements the velosync repositories on sqlx + sqlite.
package sqlite

import (
	"github.com/jmoiron/sqlx"

	"velosync/internal/velosync"
)

// Ensure Repo implements the full Repository surface.
var _ velosync.Repository = (*Repo)(nil)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}
