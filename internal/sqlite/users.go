package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"velosync/internal/velosync"
)

const userNamespace = "-usr"

func (r Repo) EnsureUser(ctx context.Context, usr velosync.User) (velosync.User, error) {
	const q = `INSERT INTO users (id, email, role)
	VALUES (:id, :email, :role)
	ON CONFLICT (email) DO NOTHING;`

	usr.ID = uuid.NewString() + userNamespace
	if usr.Role == "" {
		usr.Role = "member"
	}
	if _, err := r.db.NamedExecContext(ctx, q, usr); err != nil {
		return velosync.User{}, fmt.Errorf("error ensuring user: %s", err)
	}

	return r.UserByEmail(ctx, usr.Email)
}

func (r Repo) User(ctx context.Context, id string) (velosync.User, error) {
	const q = `SELECT * FROM users WHERE id = ?;`

	var usr velosync.User
	err := r.db.GetContext(ctx, &usr, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.User{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.User{}, fmt.Errorf("error fetching user: %s", err)
	}

	return usr, nil
}

func (r Repo) UserByEmail(ctx context.Context, email string) (velosync.User, error) {
	const q = `SELECT * FROM users WHERE email = ?;`

	var usr velosync.User
	err := r.db.GetContext(ctx, &usr, q, email)
	if errors.Is(err, sql.ErrNoRows) {
		return velosync.User{}, velosync.ErrNotFound
	}
	if err != nil {
		return velosync.User{}, fmt.Errorf("error fetching user by email: %s", err)
	}

	return usr, nil
}

func (r Repo) UpdateUser(ctx context.Context, id string, args velosync.UpdateUserArgs) error {
	q := sq.Update("users")
	if args.VelogUsername != nil {
		q = q.Set("velog_username", *args.VelogUsername)
	}
	if args.GithubToken != nil {
		q = q.Set("github_token", *args.GithubToken)
	}
	if args.GithubRepo != nil {
		q = q.Set("github_repo", *args.GithubRepo)
	}
	if args.DriveToken != nil {
		q = q.Set("drive_token", *args.DriveToken)
	}
	if args.DriveRefreshToken != nil {
		q = q.Set("drive_refresh_token", *args.DriveRefreshToken)
	}
	if args.DriveFolderID != nil {
		q = q.Set("drive_folder_id", *args.DriveFolderID)
	}
	if args.EmailNotifications != nil {
		q = q.Set("email_notifications", *args.EmailNotifications)
	}
	if args.AutoBackup != nil {
		q = q.Set("auto_backup", *args.AutoBackup)
	}
	q = q.Set("updated_at", sq.Expr("CURRENT_TIMESTAMP")).Where(sq.Eq{"id": id})

	query, qArgs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, qArgs...); err != nil {
		return fmt.Errorf("error executing user update: %s", err)
	}

	return nil
}

// AutoBackupUserIDs returns users the scheduler should enqueue: auto-backup
// on and a source username linked.
func (r Repo) AutoBackupUserIDs(ctx context.Context) ([]string, error) {
	const q = `SELECT id FROM users WHERE auto_backup = 1 AND velog_username != '';`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, fmt.Errorf("error fetching auto-backup users: %s", err)
	}

	return ids, nil
}

// HasRole implements the role capability check for privileged endpoints.
func (r Repo) HasRole(ctx context.Context, userID, role string) (bool, error) {
	usr, err := r.User(ctx, userID)
	if errors.Is(err, velosync.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return usr.Role == role, nil
}
