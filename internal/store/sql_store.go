package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"momentum/api/internal/okr"
)

var _ okr.Store = (*SQLStore)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore persists the OKR tree in Postgres or SQLite. A store returned by
// InTx is bound to that transaction.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect dialect
	now     func() time.Time
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, q: db, dialect: postgresDialect, now: utcNow}
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, q: db, dialect: sqliteDialect, now: utcNow}
}

// New picks the store flavour for a driver name.
func New(db *sql.DB, driver string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, q: db, dialect: d, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn against a store bound to one transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context, tree okr.Tree) error) error {
	return s.inTx(ctx, nil, fn)
}

// Snapshot runs fn against a read-only view that does not change under it:
// repeatable read on Postgres, a single deferred transaction on SQLite.
func (s *SQLStore) Snapshot(ctx context.Context, fn func(ctx context.Context, tree okr.Tree) error) error {
	return s.inTx(ctx, s.dialect.snapshotOptions, fn)
}

func (s *SQLStore) inTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tree okr.Tree) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	bound := &SQLStore{db: s.db, q: tx, dialect: s.dialect, now: s.now}
	if err := fn(ctx, bound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

const (
	missionColumns    = `id, user_id, title, quarter, year, target, current_value, progress, created_at`
	objectiveColumns  = `id, mission_id, title, target, current_value, progress, sort_order, created_at`
	actionColumns     = `id, objective_id, initiative_id, title, target, current_value, progress, sort_order, created_at`
	initiativeColumns = `id, action_id, title, description, sort_order, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (okr.Mission, error) {
	var item okr.Mission
	err := row.Scan(&item.ID, &item.UserID, &item.Title, &item.Quarter, &item.Year, &item.Target, &item.Current, &item.Progress, &item.CreatedAt)
	return item, err
}

func scanObjective(row rowScanner) (okr.Objective, error) {
	var item okr.Objective
	err := row.Scan(&item.ID, &item.MissionID, &item.Title, &item.Target, &item.Current, &item.Progress, &item.Position, &item.CreatedAt)
	return item, err
}

func scanAction(row rowScanner) (okr.Action, error) {
	var item okr.Action
	var initiativeID sql.NullString
	err := row.Scan(&item.ID, &item.ObjectiveID, &initiativeID, &item.Title, &item.Target, &item.Current, &item.Progress, &item.Position, &item.CreatedAt)
	if initiativeID.Valid {
		item.InitiativeID = &initiativeID.String
	}
	return item, err
}

func scanInitiative(row rowScanner) (okr.Initiative, error) {
	var item okr.Initiative
	err := row.Scan(&item.ID, &item.ActionID, &item.Title, &item.Description, &item.Position, &item.CreatedAt)
	return item, err
}

// notFound turns sql.ErrNoRows into okr.ErrNotFound and wraps everything else.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, okr.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func (s *SQLStore) GetMission(ctx context.Context, id string) (okr.Mission, error) {
	item, err := scanMission(s.q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+missionColumns+`
		FROM missions
		WHERE id=$1
	`), id))
	if err != nil {
		return okr.Mission{}, notFound(err, "mission", id)
	}
	return item, nil
}

func (s *SQLStore) LockMission(ctx context.Context, id string) (okr.Mission, error) {
	item, err := scanMission(s.q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+missionColumns+`
		FROM missions
		WHERE id=$1`+s.dialect.lockClause), id))
	if err != nil {
		return okr.Mission{}, notFound(err, "mission", id)
	}
	return item, nil
}

func (s *SQLStore) GetObjective(ctx context.Context, id string) (okr.Objective, error) {
	item, err := scanObjective(s.q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+objectiveColumns+`
		FROM objectives
		WHERE id=$1
	`), id))
	if err != nil {
		return okr.Objective{}, notFound(err, "objective", id)
	}
	return item, nil
}

func (s *SQLStore) GetAction(ctx context.Context, id string) (okr.Action, error) {
	item, err := scanAction(s.q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+actionColumns+`
		FROM actions
		WHERE id=$1
	`), id))
	if err != nil {
		return okr.Action{}, notFound(err, "action", id)
	}
	return item, nil
}

func (s *SQLStore) GetInitiative(ctx context.Context, id string) (okr.Initiative, error) {
	item, err := scanInitiative(s.q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+initiativeColumns+`
		FROM initiatives
		WHERE id=$1
	`), id))
	if err != nil {
		return okr.Initiative{}, notFound(err, "initiative", id)
	}
	return item, nil
}

func (s *SQLStore) FindMission(ctx context.Context, userID string, quarter, year int) (okr.Mission, error) {
	item, err := scanMission(s.q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+missionColumns+`
		FROM missions
		WHERE user_id=$1 AND quarter=$2 AND year=$3
	`), userID, quarter, year))
	if err != nil {
		return okr.Mission{}, notFound(err, "mission", fmt.Sprintf("%s/%d/Q%d", userID, year, quarter))
	}
	return item, nil
}

func (s *SQLStore) ListMissions(ctx context.Context, userID string) ([]okr.Mission, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+missionColumns+`
		FROM missions
		WHERE user_id=$1
		ORDER BY year DESC, quarter DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	items := make([]okr.Mission, 0)
	for rows.Next() {
		item, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missions: %w", err)
	}
	return items, nil
}

func (s *SQLStore) ListMissionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM missions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list mission ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan mission id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mission ids: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) ListObjectives(ctx context.Context, missionID string) ([]okr.Objective, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+objectiveColumns+`
		FROM objectives
		WHERE mission_id=$1
		ORDER BY sort_order ASC, id ASC
	`), missionID)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	defer rows.Close()

	items := make([]okr.Objective, 0)
	for rows.Next() {
		item, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objectives: %w", err)
	}
	return items, nil
}

func (s *SQLStore) ListActions(ctx context.Context, objectiveID string) ([]okr.Action, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+actionColumns+`
		FROM actions
		WHERE objective_id=$1
		ORDER BY sort_order ASC, id ASC
	`), objectiveID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	items := make([]okr.Action, 0)
	for rows.Next() {
		item, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return items, nil
}

func (s *SQLStore) ListInitiatives(ctx context.Context, actionID string) ([]okr.Initiative, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+initiativeColumns+`
		FROM initiatives
		WHERE action_id=$1
		ORDER BY sort_order ASC, id ASC
	`), actionID)
	if err != nil {
		return nil, fmt.Errorf("list initiatives: %w", err)
	}
	defer rows.Close()

	items := make([]okr.Initiative, 0)
	for rows.Next() {
		item, err := scanInitiative(rows)
		if err != nil {
			return nil, fmt.Errorf("scan initiative: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate initiatives: %w", err)
	}
	return items, nil
}

func (s *SQLStore) InsertMission(ctx context.Context, m okr.Mission) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.q.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO missions (id, user_id, title, quarter, year, target, current_value, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`), m.ID, m.UserID, m.Title, m.Quarter, m.Year, m.Target, m.Current, m.Progress, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert mission: %w", okr.ErrDuplicateMission)
		}
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

// nextPosition returns the sort_order for a new child appended under parentID.
func (s *SQLStore) nextPosition(ctx context.Context, table, parentColumn, parentID string) (int, error) {
	var last int
	err := s.q.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COALESCE(MAX(sort_order), 0) FROM `+table+` WHERE `+parentColumn+`=$1`,
	), parentID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("next %s position: %w", table, err)
	}
	return last + 1, nil
}

func (s *SQLStore) InsertObjective(ctx context.Context, o okr.Objective) (okr.Objective, error) {
	position, err := s.nextPosition(ctx, "objectives", "mission_id", o.MissionID)
	if err != nil {
		return okr.Objective{}, err
	}
	o.Position = position
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	_, err = s.q.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO objectives (id, mission_id, title, target, current_value, progress, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`), o.ID, o.MissionID, o.Title, o.Target, o.Current, o.Progress, o.Position, o.CreatedAt)
	if err != nil {
		return okr.Objective{}, fmt.Errorf("insert objective: %w", err)
	}
	return o, nil
}

func (s *SQLStore) InsertAction(ctx context.Context, a okr.Action) (okr.Action, error) {
	position, err := s.nextPosition(ctx, "actions", "objective_id", a.ObjectiveID)
	if err != nil {
		return okr.Action{}, err
	}
	a.Position = position
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err = s.q.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO actions (id, objective_id, initiative_id, title, target, current_value, progress, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`), a.ID, a.ObjectiveID, nullableString(a.InitiativeID), a.Title, a.Target, a.Current, a.Progress, a.Position, a.CreatedAt)
	if err != nil {
		return okr.Action{}, fmt.Errorf("insert action: %w", err)
	}
	return a, nil
}

func (s *SQLStore) InsertInitiative(ctx context.Context, i okr.Initiative) (okr.Initiative, error) {
	position, err := s.nextPosition(ctx, "initiatives", "action_id", i.ActionID)
	if err != nil {
		return okr.Initiative{}, err
	}
	i.Position = position
	if i.CreatedAt.IsZero() {
		i.CreatedAt = s.now()
	}
	_, err = s.q.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO initiatives (id, action_id, title, description, sort_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`), i.ID, i.ActionID, i.Title, i.Description, i.Position, i.CreatedAt)
	if err != nil {
		return okr.Initiative{}, fmt.Errorf("insert initiative: %w", err)
	}
	return i, nil
}

func (s *SQLStore) PersistMission(ctx context.Context, m okr.Mission) error {
	return s.update(ctx, "mission", m.ID, `
		UPDATE missions
		SET title=$2, target=$3, current_value=$4, progress=$5, updated_at=$6
		WHERE id=$1
	`, m.ID, m.Title, m.Target, m.Current, m.Progress, s.now())
}

func (s *SQLStore) PersistObjective(ctx context.Context, o okr.Objective) error {
	return s.update(ctx, "objective", o.ID, `
		UPDATE objectives
		SET title=$2, target=$3, current_value=$4, progress=$5, updated_at=$6
		WHERE id=$1
	`, o.ID, o.Title, o.Target, o.Current, o.Progress, s.now())
}

func (s *SQLStore) PersistAction(ctx context.Context, a okr.Action) error {
	return s.update(ctx, "action", a.ID, `
		UPDATE actions
		SET title=$2, initiative_id=$3, target=$4, current_value=$5, progress=$6, updated_at=$7
		WHERE id=$1
	`, a.ID, a.Title, nullableString(a.InitiativeID), a.Target, a.Current, a.Progress, s.now())
}

func (s *SQLStore) DeleteObjective(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, s.dialect.rebind(`
		UPDATE actions SET initiative_id=NULL
		WHERE initiative_id IN (
			SELECT i.id FROM initiatives i
			JOIN actions a ON a.id = i.action_id
			WHERE a.objective_id=$1
		)
	`), id); err != nil {
		return fmt.Errorf("unlink objective initiatives: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM initiatives
		WHERE action_id IN (SELECT id FROM actions WHERE objective_id=$1)
	`), id); err != nil {
		return fmt.Errorf("delete objective initiatives: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, s.dialect.rebind(`DELETE FROM actions WHERE objective_id=$1`), id); err != nil {
		return fmt.Errorf("delete objective actions: %w", err)
	}
	return s.update(ctx, "objective", id, `DELETE FROM objectives WHERE id=$1`, id)
}

func (s *SQLStore) DeleteAction(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, s.dialect.rebind(`
		UPDATE actions SET initiative_id=NULL
		WHERE initiative_id IN (SELECT id FROM initiatives WHERE action_id=$1)
	`), id); err != nil {
		return fmt.Errorf("unlink action initiatives: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, s.dialect.rebind(`DELETE FROM initiatives WHERE action_id=$1`), id); err != nil {
		return fmt.Errorf("delete action initiatives: %w", err)
	}
	return s.update(ctx, "action", id, `DELETE FROM actions WHERE id=$1`, id)
}

// DeleteInitiative removes the Initiative and clears every Action link to it.
func (s *SQLStore) DeleteInitiative(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, s.dialect.rebind(`UPDATE actions SET initiative_id=NULL WHERE initiative_id=$1`), id); err != nil {
		return fmt.Errorf("unlink initiative: %w", err)
	}
	return s.update(ctx, "initiative", id, `DELETE FROM initiatives WHERE id=$1`, id)
}

// update runs a single-row statement and reports ErrNotFound when no row
// matched.
func (s *SQLStore) update(ctx context.Context, what, id, query string, args ...any) error {
	result, err := s.q.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("write %s: %w", what, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("write %s rows: %w", what, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, okr.ErrNotFound)
	}
	return nil
}

func nullableString(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
