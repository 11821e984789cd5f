package users

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListUsers returns one page of a tenant's users ordered by email,
// along with the total row count for the tenant.
func (r *Repository) ListUsers(ctx context.Context, tenantID string, limit, offset int) ([]User, int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, email, COALESCE(full_name, ''), is_active, created_at, updated_at,
		        COUNT(*) OVER ()
		 FROM users WHERE tenant_id = $1 ORDER BY email
		 LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []User
	var total int
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.TenantID, &user.Email, &user.FullName,
			&user.IsActive, &user.CreatedAt, &user.UpdatedAt, &total); err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(users) == 0 {
		// An out-of-range page still needs the real total.
		row := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE tenant_id = $1`, tenantID)
		if err := row.Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return users, total, nil
}

// ListActiveIdentities returns the user and tenant id of every active
// user across tenants. Used by the permission warmup job.
func (r *Repository) ListActiveIdentities(ctx context.Context) ([][2]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id FROM users WHERE is_active ORDER BY tenant_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var userID, tenantID string
		if err := rows.Scan(&userID, &tenantID); err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{userID, tenantID})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}
