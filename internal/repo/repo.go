package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals a lost optimistic-version race on a project update.
var ErrConflict = errors.New("version conflict")

// StatusInUseError is returned by DeleteStatus while the status is still
// referenced by a workflow, transition, project or history row.
type StatusInUseError struct {
	StatusID  domain.StatusID
	Referents []string
}

func (e StatusInUseError) Error() string {
	return fmt.Sprintf("status %s is still referenced by %s", e.StatusID, strings.Join(e.Referents, ", "))
}

func scanStatus(row *sql.Row) (domain.Status, error) {
	var s domain.Status
	var color, description, entityTypes sql.NullString
	err := row.Scan(&s.ID, &s.Name, &color, &description, &entityTypes, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if color.Valid {
		s.Color = color.String
	}
	if description.Valid {
		s.Description = description.String
	}
	s.EntityTypes = decodeStrings(entityTypes)
	return s, nil
}

func (r Repo) InsertStatus(ctx context.Context, tx *sql.Tx, s domain.Status) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO statuses(id,name,color,description,entity_types_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Name, nullable(s.Color), nullable(s.Description), marshalStrings(s.EntityTypes), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpsertStatus(ctx context.Context, tx *sql.Tx, s domain.Status) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO statuses(id,name,color,description,entity_types_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, color=excluded.color, description=excluded.description, entity_types_json=excluded.entity_types_json, updated_at=excluded.updated_at`,
		s.ID, s.Name, nullable(s.Color), nullable(s.Description), marshalStrings(s.EntityTypes), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, s domain.Status) error {
	res, err := tx.ExecContext(ctx, `UPDATE statuses SET name=?, color=?, description=?, entity_types_json=?, updated_at=? WHERE id=?`,
		s.Name, nullable(s.Color), nullable(s.Description), marshalStrings(s.EntityTypes), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetStatus(ctx context.Context, id domain.StatusID) (domain.Status, error) {
	return scanStatus(r.DB.QueryRowContext(ctx, `SELECT id,name,color,description,entity_types_json,created_at,updated_at FROM statuses WHERE id=?`, id))
}

func (r Repo) ListStatuses(ctx context.Context) ([]domain.Status, error) {
	return listStatuses(ctx, r.DB.QueryContext)
}

func (r Repo) ListStatusesTx(ctx context.Context, tx *sql.Tx) ([]domain.Status, error) {
	return listStatuses(ctx, tx.QueryContext)
}

func listStatuses(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error)) ([]domain.Status, error) {
	rows, err := query(ctx, `SELECT id,name,color,description,entity_types_json,created_at,updated_at FROM statuses ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Status
	for rows.Next() {
		var s domain.Status
		var color, description, entityTypes sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &color, &description, &entityTypes, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if color.Valid {
			s.Color = color.String
		}
		if description.Valid {
			s.Description = description.String
		}
		s.EntityTypes = decodeStrings(entityTypes)
		res = append(res, s)
	}
	return res, nil
}

// DeleteStatus refuses while the status is referenced anywhere. The guard and
// the delete run in the caller's transaction so no referent can appear between
// the check and the removal.
func (r Repo) DeleteStatus(ctx context.Context, tx *sql.Tx, id domain.StatusID) error {
	referents, err := statusReferents(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(referents) > 0 {
		return StatusInUseError{StatusID: id, Referents: referents}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM statuses WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func statusReferents(ctx context.Context, tx *sql.Tx, id domain.StatusID) ([]string, error) {
	var referents []string

	rows, err := tx.QueryContext(ctx, `SELECT workflow_id FROM workflow_statuses WHERE status_id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var wfID string
		if err := rows.Scan(&wfID); err != nil {
			return nil, err
		}
		referents = append(referents, "workflow "+wfID)
	}

	trRows, err := tx.QueryContext(ctx, `SELECT id FROM transitions WHERE from_status_id=? OR to_status_id=?`, id, id)
	if err != nil {
		return nil, err
	}
	defer trRows.Close()
	for trRows.Next() {
		var trID string
		if err := trRows.Scan(&trID); err != nil {
			return nil, err
		}
		referents = append(referents, "transition "+trID)
	}

	prRows, err := tx.QueryContext(ctx, `SELECT id FROM projects WHERE current_status_id=?`, id)
	if err != nil {
		return nil, err
	}
	defer prRows.Close()
	for prRows.Next() {
		var prID string
		if err := prRows.Scan(&prID); err != nil {
			return nil, err
		}
		referents = append(referents, "project "+prID)
	}

	var historyCount int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM status_history WHERE from_status_id=? OR to_status_id=?`, id, id).Scan(&historyCount); err != nil {
		return nil, err
	}
	if historyCount > 0 {
		referents = append(referents, fmt.Sprintf("%d history entries", historyCount))
	}
	return referents, nil
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := row.Scan(&u.ID, &u.Name, &email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if email.Valid {
		u.Email = email.String
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,email,role,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Email), u.Role, u.CreatedAt)
	return err
}

func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,email,role,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role`,
		u.ID, u.Name, nullable(u.Email), u.Role, u.CreatedAt)
	return err
}

func (r Repo) UpdateUser(ctx context.Context, tx *sql.Tx, id domain.UserID, name, email, role *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if email != nil {
		fields = append(fields, "email=?")
		args = append(args, nullable(*email))
	}
	if role != nil {
		fields = append(fields, "role=?")
		args = append(args, *role)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetUser(ctx context.Context, id domain.UserID) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,role,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id domain.UserID) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT id,name,email,role,created_at FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,role,created_at FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		if email.Valid {
			u.Email = email.String
		}
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, id domain.UserID) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT v FROM seed_meta WHERE k=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO seed_meta(k,v) VALUES (?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, value)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(v []string) any {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeStrings(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func marshalUserIDs(v []domain.UserID) any {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeUserIDs(v sql.NullString) []domain.UserID {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []domain.UserID
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
