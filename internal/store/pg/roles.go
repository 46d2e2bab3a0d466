package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"gymdesk.org/internal/auth"
)

// userRoles loads the roles held by userID with their permissions.
func (s *Store) userRoles(ctx context.Context, userID string) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, coalesce(r.description, ''),
		       p.id, p.name, p.type, p.resource
		from user_roles ur
		join roles r on r.id = ur.role_id
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by r.name, p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		roles []auth.Role
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			roleID, roleName, roleDesc       string
			permID, permName, permType, resr sql.NullString
		)
		if err := rows.Scan(&roleID, &roleName, &roleDesc, &permID, &permName, &permType, &resr); err != nil {
			return nil, err
		}
		i, ok := index[roleID]
		if !ok {
			roles = append(roles, auth.Role{ID: roleID, Name: roleName, Description: roleDesc})
			i = len(roles) - 1
			index[roleID] = i
		}
		if permID.Valid {
			roles[i].Permissions = append(roles[i].Permissions, auth.Permission{
				ID:       permID.String,
				Name:     permName.String,
				Type:     auth.PermissionType(strings.ToUpper(permType.String)),
				Resource: resr.String,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// AssignRole grants the role named roleName to userID. Granting a role the
// user already holds is a no-op.
func (u userStore) AssignRole(ctx context.Context, userID, roleName string) error {
	if u.s.db == nil {
		return errNoDB
	}
	return grantRole(ctx, u.s.db, userID, roleName)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func grantRole(ctx context.Context, q execQuerier, userID, roleName string) error {
	roleName = strings.TrimSpace(roleName)
	if err := nonEmpty("role name", roleName); err != nil {
		return err
	}
	var roleID string
	err := q.QueryRowContext(ctx, `select id from roles where upper(name) = upper($1)`, roleName).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict (user_id, role_id) do nothing
	`, userID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}
