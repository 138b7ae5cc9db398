package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"quickgrab/internal/model"
)

var requestColumns = []string{
	"id", "device_id", "buyer_id", "thread_id", "link", "cookies",
	"order_info", "user_info", "order_template", "message", "id_number", "keyword",
	"start_time", "end_time", "quantity", "delay_ms", "frequency", "request_type", "status",
	"order_parameters", "actual_earnings", "estimated_earnings", "extension",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (model.Request, error) {
	var (
		req                                model.Request
		orderInfo, userInfo, orderTemplate sql.NullString
		orderParameters, extension         sql.NullString
		startTime, endTime                 int64
	)
	err := row.Scan(
		&req.ID, &req.DeviceID, &req.BuyerID, &req.ThreadID, &req.Link, &req.Cookies,
		&orderInfo, &userInfo, &orderTemplate, &req.Message, &req.IDNumber, &req.Keyword,
		&startTime, &endTime, &req.Quantity, &req.Delay, &req.Frequency, &req.Type, &req.Status,
		&orderParameters, &req.ActualEarnings, &req.EstimatedEarnings, &extension,
	)
	if err != nil {
		return req, err
	}
	req.OrderInfo = rawJSON(orderInfo)
	req.UserInfo = rawJSON(userInfo)
	req.OrderTemplate = rawJSON(orderTemplate)
	req.OrderParameters = rawJSON(orderParameters)
	req.StartTime = fromMillis(startTime)
	req.EndTime = fromMillis(endTime)

	ext, err := model.ParseExtension(rawJSON(extension))
	if err != nil {
		return req, fmt.Errorf("request %d has invalid extension: %w", req.ID, err)
	}
	req.Extension = ext
	return req, nil
}

// FindPending 返回状态为待抢购或需继续、且未过结束时间的请求，按开始时间排序。
func (s *Store) FindPending(ctx context.Context, now time.Time, limit int) ([]model.Request, error) {
	query := `SELECT ` + strings.Join(requestColumns, ", ") + ` FROM requests
		WHERE status IN (?, ?) AND (end_time = 0 OR end_time > ?)
		ORDER BY start_time ASC, id ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, model.StatusPending, model.StatusFollowUp, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			// 单条坏数据不影响其它请求
			s.logger.Warn().Err(err).Msg("skip unreadable request row")
			continue
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending requests: %w", err)
	}
	return out, nil
}

// Get 按 id 读取请求。
func (s *Store) Get(ctx context.Context, id int64) (model.Request, error) {
	query := `SELECT ` + strings.Join(requestColumns, ", ") + ` FROM requests WHERE id = ?`
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, fmt.Errorf("failed to get request %d: %w", id, err)
	}
	return req, nil
}

// Insert 写入一条新请求并返回其 id。
func (s *Store) Insert(ctx context.Context, req model.Request) (int64, error) {
	cols := requestColumns[1:]
	query := `INSERT INTO requests (` + strings.Join(cols, ", ") + `, updated_at) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)+1), ", ") + `)`

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	res, err := s.db.ExecContext(ctx, query,
		req.DeviceID, req.BuyerID, req.ThreadID, req.Link, req.Cookies,
		nullJSON(req.OrderInfo), nullJSON(req.UserInfo), nullJSON(req.OrderTemplate),
		req.Message, req.IDNumber, req.Keyword,
		toMillis(req.StartTime), toMillis(req.EndTime), quantity, req.Delay, req.Frequency, req.Type, req.Status,
		nullJSON(req.OrderParameters), req.ActualEarnings, req.EstimatedEarnings, req.Extension.JSON(),
		toMillis(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert request: %w", err)
	}
	return res.LastInsertId()
}

// UpdateStatus 修改请求状态。
func (s *Store) UpdateStatus(ctx context.Context, id int64, status int) error {
	return s.update(ctx, id, "status", status)
}

// UpdateThreadID 保存调度时分配的线程 id。
func (s *Store) UpdateThreadID(ctx context.Context, id int64, threadID string) error {
	return s.update(ctx, id, "thread_id", threadID)
}

func (s *Store) update(ctx context.Context, id int64, column string, value any) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET `+column+` = ?, updated_at = ? WHERE id = ?`, value, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update %s of request %d: %w", column, id, err)
	}
	return nil
}

// Delete 删除请求。请求不存在不视为错误。
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete request %d: %w", id, err)
	}
	return nil
}
