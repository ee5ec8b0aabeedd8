package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the user directory. PostgresRepository backs it in production,
// MemoryRepository in development and tests.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	SearchUsers(ctx context.Context, companyID, query string) ([]User, error)
	UsersByID(ctx context.Context, ids []int64) ([]User, error)

	SaveKeyPair(ctx context.Context, userID int64, publicKey, privateKey string) (bool, error)
	PublicKeys(ctx context.Context, userIDs []int64) (map[int64]string, error)
	PrivateKey(ctx context.Context, userID int64) (string, bool, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = "id, username, password, first_name, last_name, avatar, role, company_id"

func scanUser(row interface{ Scan(...any) error }, u *User) error {
	return row.Scan(&u.ID, &u.Username, &u.Password, &u.FirstName, &u.LastName, &u.Avatar, &u.Role, &u.CompanyID)
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int64
	query := `INSERT INTO users (username, password, first_name, last_name, avatar, role, company_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		user.Username, user.Password, user.FirstName, user.LastName, user.Avatar, user.Role, user.CompanyID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	user.ID = id
	return user, nil
}

func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT " + userColumns + " FROM users WHERE username = $1"

	if err := scanUser(r.db.QueryRowContext(ctx, query, username), u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	query := "SELECT " + userColumns + " FROM users WHERE id = $1"

	if err := scanUser(r.db.QueryRowContext(ctx, query, id), u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *PostgresRepository) SearchUsers(ctx context.Context, companyID, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := "SELECT " + userColumns + ` FROM users WHERE company_id = $1 AND username ILIKE $2 ORDER BY username LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, companyID, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := scanUser(rows, &u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PostgresRepository) UsersByID(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := "SELECT " + userColumns + " FROM users WHERE id = ANY($1) ORDER BY id"
	rows, err := r.db.QueryContext(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := scanUser(rows, &u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveKeyPair stores the pair only if the user has none yet and reports
// whether it did.
func (r *PostgresRepository) SaveKeyPair(ctx context.Context, userID int64, publicKey, privateKey string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET rsa_public_key = $2, rsa_private_key = $3
		 WHERE id = $1 AND rsa_public_key IS NULL`,
		userID, publicKey, privateKey)
	if err != nil {
		return false, fmt.Errorf("save key pair for user %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetUserByID(ctx, userID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// PublicKeys returns the public keys of those users that have one.
func (r *PostgresRepository) PublicKeys(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	keys := make(map[int64]string, len(userIDs))
	if len(userIDs) == 0 {
		return keys, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, rsa_public_key FROM users WHERE id = ANY($1) AND rsa_public_key IS NOT NULL AND rsa_public_key <> ''`,
		userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			key string
		)
		if err := rows.Scan(&id, &key); err != nil {
			return nil, err
		}
		keys[id] = key
	}
	return keys, rows.Err()
}

func (r *PostgresRepository) PrivateKey(ctx context.Context, userID int64) (string, bool, error) {
	var key sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT rsa_private_key FROM users WHERE id = $1`, userID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if !key.Valid || key.String == "" {
		return "", false, nil
	}
	return key.String, true, nil
}
