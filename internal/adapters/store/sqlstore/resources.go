package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/chatsync/internal/domain"
)

const resourceColumns = `resource_id, kind, name, content, persist, status, error, created_at`

func (s *Store) ListResources(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID) ([]domain.Resource, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+resourceColumns+` FROM resources
		WHERE kind = ? AND user_id = ? AND chat_id = ?
		ORDER BY created_at, resource_id`), string(kind), string(userID), string(chatID))
	if err != nil {
		return nil, fmt.Errorf("list %s resources: %w", kind, err)
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *Store) AddResource(ctx context.Context, userID domain.UserID, chatID domain.ChatID, res domain.Resource) (domain.Resource, error) {
	if strings.TrimSpace(string(res.ID)) == "" {
		return domain.Resource{}, fmt.Errorf("add resource: id is required")
	}
	if !res.Kind.Valid() {
		return domain.Resource{}, fmt.Errorf("add resource: unsupported kind %q", res.Kind)
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.clock.Now()
	}
	res.CreatedAt = time.UnixMilli(res.CreatedAt.UnixMilli()).UTC()
	if res.Status == "" {
		res.Status = domain.StatusSuccess
		if res.Kind == domain.ResourceFile {
			res.Status = domain.StatusProcessing
		}
	}

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO resources
		(resource_id, kind, user_id, chat_id, name, content, persist, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(res.ID), string(res.Kind), string(userID), string(chatID),
		res.Name, res.Content, res.Persist, string(res.Status), res.Error, res.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("add %s %s: %w", res.Kind, res.ID, err)
	}
	return res, nil
}

func (s *Store) GetResource(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID) (domain.Resource, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+resourceColumns+` FROM resources
		WHERE resource_id = ? AND kind = ? AND user_id = ? AND chat_id = ?`),
		string(id), string(kind), string(userID), string(chatID))

	res, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Resource{}, fmt.Errorf("%s %s: %w", kind, id, domain.ErrResourceNotFound)
	}
	return res, err
}

func (s *Store) DeleteResource(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM resources
		WHERE resource_id = ? AND kind = ? AND user_id = ? AND chat_id = ?`),
		string(id), string(kind), string(userID), string(chatID))
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return expectOneRow(res, kind, id)
}

func (s *Store) SetPersist(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, persist bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE resources SET persist = ?
		WHERE resource_id = ? AND kind = ? AND user_id = ? AND chat_id = ?`),
		persist, string(id), string(kind), string(userID), string(chatID))
	if err != nil {
		return fmt.Errorf("set persist on %s %s: %w", kind, id, err)
	}
	return expectOneRow(res, kind, id)
}

func (s *Store) SetStatus(ctx context.Context, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, status domain.ResourceStatus, reason string) (domain.Resource, error) {
	if status != domain.StatusFailed {
		reason = ""
	}

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE resources SET status = ?, error = ?
		WHERE resource_id = ? AND kind = ? AND user_id = ? AND chat_id = ?`),
		string(status), reason, string(id), string(domain.ResourceFile), string(userID), string(chatID))
	if err != nil {
		return domain.Resource{}, fmt.Errorf("set status on file %s: %w", id, err)
	}
	if err := expectOneRow(res, domain.ResourceFile, id); err != nil {
		return domain.Resource{}, err
	}
	return s.GetResource(ctx, domain.ResourceFile, userID, chatID, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (domain.Resource, error) {
	var (
		res                     domain.Resource
		id, kind, status, label string
		createdAt               int64
	)
	if err := row.Scan(&id, &kind, &label, &res.Content, &res.Persist, &status, &res.Error, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Resource{}, err
		}
		return domain.Resource{}, fmt.Errorf("scan resource: %w", err)
	}
	res.ID = domain.ResourceID(id)
	res.Kind = domain.ResourceKind(kind)
	res.Name = label
	res.Status = domain.ResourceStatus(status)
	res.CreatedAt = time.UnixMilli(createdAt).UTC()
	return res, nil
}

func expectOneRow(res sql.Result, kind domain.ResourceKind, id domain.ResourceID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrResourceNotFound)
	}
	return nil
}
