package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/monkify/session-engine/internal/model"
)

//go:embed migrations/schema.sql
var schema string

const (
	pgUniqueViolation = "23505"

	constraintPaymentRef = "bets_payment_ref_key"
	constraintOneActive  = "sessions_one_active_idx"

	parametersColumns = "id, name, character_class, required_amount::TEXT, minimum_players, choice_required_length, accept_duplicated_characters, preset_choices, active, created_at"
	sessionColumns    = "id, parameters_id, status, created_at, updated_at, start_date, end_date, seed, winning_choice"
	betColumns        = "id, session_id, seed, payment_ref, wallet, choice, amount::TEXT, status, created_at"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Multi-statement writes run inside a trm transaction; reads join it when
// the context already carries one.
type PostgresStore struct {
	pool   *pgxpool.Pool
	tx     trm.Manager
	getter *trmpgx.CtxGetter
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	m, err := manager.New(trmpgx.NewDefaultFactory(pool))
	if err != nil {
		return nil, fmt.Errorf("create tx manager: %w", err)
	}
	return &PostgresStore{pool: pool, tx: m, getter: trmpgx.DefaultCtxGetter}, nil
}

// Migrate applies the embedded schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) conn(ctx context.Context) trmpgx.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.pool)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Configurations ---

func (s *PostgresStore) UpsertParameters(ctx context.Context, p *model.SessionParameters) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var length *int32
	if p.ChoiceRequiredLength != nil {
		v := int32(*p.ChoiceRequiredLength)
		length = &v
	}
	presets := p.PresetChoices
	if presets == nil {
		presets = []string{}
	}

	query, args, err := psql.Insert("session_parameters").
		Columns("id", "name", "character_class", "required_amount", "minimum_players",
			"choice_required_length", "accept_duplicated_characters", "preset_choices", "active", "created_at").
		Values(p.ID, p.Name, string(p.CharacterClass), sq.Expr("?::NUMERIC", p.RequiredAmount.String()),
			p.MinimumPlayers, length, p.AcceptDuplicatedCharacters, presets, p.Active, createdAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			character_class = EXCLUDED.character_class,
			required_amount = EXCLUDED.required_amount,
			minimum_players = EXCLUDED.minimum_players,
			choice_required_length = EXCLUDED.choice_required_length,
			accept_duplicated_characters = EXCLUDED.accept_duplicated_characters,
			preset_choices = EXCLUDED.preset_choices,
			active = EXCLUDED.active`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert parameters %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetParameters(ctx context.Context, id string) (*model.SessionParameters, error) {
	query, args, err := psql.Select(parametersColumns).From("session_parameters").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanParameters(s.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get parameters %s: %w", id, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListParameters(ctx context.Context) ([]model.SessionParameters, error) {
	query, args, err := psql.Select(parametersColumns).From("session_parameters").OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryParameters(ctx, query, args)
}

func (s *PostgresStore) SetParametersActive(ctx context.Context, id string, active bool) error {
	query, args, err := psql.Update("session_parameters").Set("active", active).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	tag, err := s.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set parameters %s active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("parameters %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListIdleParameters(ctx context.Context) ([]model.SessionParameters, error) {
	query, args, err := psql.Select(parametersColumns).From("session_parameters p").
		Where(sq.Eq{"p.active": true}).
		Where("NOT EXISTS (SELECT 1 FROM sessions s WHERE s.parameters_id = p.id AND s.status = ANY(?))",
			statusStrings(model.ActiveSessionStatuses)).
		OrderBy("p.id").ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryParameters(ctx, query, args)
}

func (s *PostgresStore) queryParameters(ctx context.Context, query string, args []any) ([]model.SessionParameters, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SessionParameters
	for rows.Next() {
		p, err := scanParameters(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanParameters(row rowScanner) (*model.SessionParameters, error) {
	var p model.SessionParameters
	var class, amount string
	var length *int32
	if err := row.Scan(&p.ID, &p.Name, &class, &amount, &p.MinimumPlayers, &length,
		&p.AcceptDuplicatedCharacters, &p.PresetChoices, &p.Active, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CharacterClass = model.CharacterClass(class)
	var err error
	if p.RequiredAmount, err = parseAmount("parameters.required_amount", amount); err != nil {
		return nil, err
	}
	if length != nil {
		v := int(*length)
		p.ChoiceRequiredLength = &v
	}
	return &p, nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	query, args, err := psql.Insert("sessions").
		Columns("id", "parameters_id", "status", "created_at", "updated_at").
		Values(sess.ID, sess.ParametersID, string(sess.Status), sess.CreatedAt, sess.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err, constraintOneActive) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var out *model.Session
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		query, args, err := psql.Select(sessionColumns).From("sessions").Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		sess, err := scanSession(s.conn(ctx).QueryRow(ctx, query, args...))
		if err != nil {
			return fmt.Errorf("get session %s: %w", id, notFound(err))
		}
		if sess.StatusLogs, err = s.sessionLogs(ctx, id); err != nil {
			return err
		}
		if sess.Parameters, err = s.GetParameters(ctx, sess.ParametersID); err != nil {
			return err
		}
		if sess.Bets, err = s.ListBets(ctx, id); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

func (s *PostgresStore) ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error) {
	q := psql.Select(sessionColumns).From("sessions").OrderBy("created_at")
	if len(statuses) > 0 {
		q = q.Where("status = ANY(?)", statusStrings(statuses))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionSession(ctx context.Context, t model.SessionTransition) error {
	if !model.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.From, t.To)
	}

	return s.tx.Do(ctx, func(ctx context.Context) error {
		q := psql.Update("sessions").
			Set("status", string(t.To)).
			Set("updated_at", t.At).
			Where(sq.Eq{"id": t.SessionID, "status": string(t.From)})
		if t.StartDate != nil {
			q = q.Set("start_date", *t.StartDate)
		}
		if t.EndDate != nil {
			q = q.Set("end_date", *t.EndDate)
		}
		if t.Seed != nil {
			q = q.Set("seed", int64(*t.Seed))
		}
		if t.WinningChoice != nil {
			q = q.Set("winning_choice", *t.WinningChoice)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return err
		}

		tag, err := s.conn(ctx).Exec(ctx, query, args...)
		if err != nil {
			if isUniqueViolation(err, constraintOneActive) {
				return ErrActiveSessionExists
			}
			return fmt.Errorf("transition session %s: %w", t.SessionID, err)
		}
		if tag.RowsAffected() == 0 {
			return s.sessionConflict(ctx, t)
		}

		query, args, err = psql.Insert("session_status_logs").
			Columns("id", "session_id", "previous_status", "new_status", "created_at").
			Values(uuid.NewString(), t.SessionID, string(t.From), string(t.To), t.At).
			ToSql()
		if err != nil {
			return err
		}
		_, err = s.conn(ctx).Exec(ctx, query, args...)
		return err
	})
}

// sessionConflict explains why a conditional update touched no row.
func (s *PostgresStore) sessionConflict(ctx context.Context, t model.SessionTransition) error {
	var current string
	err := s.conn(ctx).QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, t.SessionID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", t.SessionID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s is %s, expected %s", ErrStatusConflict, t.SessionID, current, t.From)
}

func (s *PostgresStore) sessionLogs(ctx context.Context, sessionID string) ([]model.SessionStatusLog, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT id, session_id, previous_status, new_status, created_at
		 FROM session_status_logs WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.SessionStatusLog
	for rows.Next() {
		var l model.SessionStatusLog
		var prev, next string
		if err := rows.Scan(&l.ID, &l.SessionID, &prev, &next, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.PreviousStatus, l.NewStatus = model.SessionStatus(prev), model.SessionStatus(next)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var status string
	var seed *int64
	if err := row.Scan(&sess.ID, &sess.ParametersID, &status, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.StartDate, &sess.EndDate, &seed, &sess.WinningChoice); err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	if seed != nil {
		v := uint32(*seed)
		sess.Seed = &v
	}
	return &sess, nil
}

// --- Bets ---

func (s *PostgresStore) CreateBet(ctx context.Context, b *model.Bet) error {
	query, args, err := psql.Insert("bets").
		Columns("id", "session_id", "seed", "payment_ref", "wallet", "choice", "amount", "status", "created_at").
		Values(b.ID, b.SessionID, b.Seed, b.PaymentRef, b.Wallet, b.Choice,
			sq.Expr("?::NUMERIC", b.Amount.String()), string(b.Status), b.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err, constraintPaymentRef) {
			return fmt.Errorf("%w: %s", ErrDuplicatePaymentRef, b.PaymentRef)
		}
		return fmt.Errorf("create bet: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	bets, err := s.queryBets(ctx, psql.Select(betColumns).From("bets").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(bets) == 0 {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	return &bets[0], nil
}

func (s *PostgresStore) ListBets(ctx context.Context, sessionID string) ([]model.Bet, error) {
	return s.queryBets(ctx, psql.Select(betColumns).From("bets").
		Where(sq.Eq{"session_id": sessionID}).OrderBy("created_at", "id"))
}

func (s *PostgresStore) ListBetsByStatus(ctx context.Context, statuses ...model.BetStatus) ([]model.Bet, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.queryBets(ctx, psql.Select(betColumns).From("bets").
		Where("status = ANY(?)", names).OrderBy("created_at", "id"))
}

func (s *PostgresStore) TransitionBet(ctx context.Context, betID string, from, to model.BetStatus, at time.Time) error {
	return s.tx.Do(ctx, func(ctx context.Context) error {
		tag, err := s.conn(ctx).Exec(ctx,
			`UPDATE bets SET status = $3 WHERE id = $1 AND status = $2`, betID, string(from), string(to))
		if err != nil {
			return fmt.Errorf("transition bet %s: %w", betID, err)
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := s.conn(ctx).QueryRow(ctx, `SELECT status FROM bets WHERE id = $1`, betID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("bet %s: %w", betID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: bet %s is %s, expected %s", ErrStatusConflict, betID, current, from)
		}
		_, err = s.conn(ctx).Exec(ctx,
			`INSERT INTO bet_status_logs (id, bet_id, previous_status, new_status, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), betID, string(from), string(to), at)
		return err
	})
}

func (s *PostgresStore) AppendBetTransaction(ctx context.Context, tx model.BetTransaction) error {
	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO bet_transactions (id, bet_id, amount, external_ref, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		tx.ID, tx.BetID, tx.Amount.String(), tx.ExternalRef, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction to bet %s: %w", tx.BetID, err)
	}
	return nil
}

// queryBets runs q and attaches status logs and transactions to each bet.
func (s *PostgresStore) queryBets(ctx context.Context, q sq.SelectBuilder) ([]model.Bet, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var bets []model.Bet
	index := make(map[string]int)
	for rows.Next() {
		var b model.Bet
		var amount, status string
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Seed, &b.PaymentRef, &b.Wallet, &b.Choice,
			&amount, &status, &b.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if b.Amount, err = parseAmount("bets.amount", amount); err != nil {
			rows.Close()
			return nil, err
		}
		b.Status = model.BetStatus(status)
		index[b.ID] = len(bets)
		bets = append(bets, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bets) == 0 {
		return bets, nil
	}

	ids := make([]string, len(bets))
	for i, b := range bets {
		ids[i] = b.ID
	}

	logRows, err := s.conn(ctx).Query(ctx,
		`SELECT id, bet_id, previous_status, new_status, created_at
		 FROM bet_status_logs WHERE bet_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, err
	}
	for logRows.Next() {
		var l model.BetStatusLog
		var prev, next string
		if err := logRows.Scan(&l.ID, &l.BetID, &prev, &next, &l.CreatedAt); err != nil {
			logRows.Close()
			return nil, err
		}
		l.PreviousStatus, l.NewStatus = model.BetStatus(prev), model.BetStatus(next)
		b := &bets[index[l.BetID]]
		b.StatusLogs = append(b.StatusLogs, l)
	}
	logRows.Close()
	if err := logRows.Err(); err != nil {
		return nil, err
	}

	txRows, err := s.conn(ctx).Query(ctx,
		`SELECT id, bet_id, amount::TEXT, external_ref, created_at
		 FROM bet_transactions WHERE bet_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, err
	}
	defer txRows.Close()
	for txRows.Next() {
		var tx model.BetTransaction
		var amount string
		if err := txRows.Scan(&tx.ID, &tx.BetID, &amount, &tx.ExternalRef, &tx.CreatedAt); err != nil {
			return nil, err
		}
		if tx.Amount, err = parseAmount("bet_transactions.amount", amount); err != nil {
			return nil, err
		}
		b := &bets[index[tx.BetID]]
		b.Transactions = append(b.Transactions, tx)
	}
	return bets, txRows.Err()
}

// --- helpers ---

// parseAmount decodes a NUMERIC read as text. A value that does not parse
// is an error rather than zero, since amounts feed the pot and credit sums.
func parseAmount(column, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("store: corrupt %s %q: %w", column, raw, err)
	}
	return v, nil
}

func statusStrings(statuses []model.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}
