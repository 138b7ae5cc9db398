package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"quickgrab/internal/model"
)

// InsertResult 保存一次抢购结果，CreatedAt 为空时使用当前时间。
func (s *Store) InsertResult(ctx context.Context, rec model.ResultRecord) (int64, error) {
	snapshot, err := json.Marshal(rec.Request)
	if err != nil {
		return 0, fmt.Errorf("failed to encode request snapshot: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (request_id, request, status, payload, response_message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequestID, string(snapshot), rec.Status, nullJSON(rec.Payload), nullJSON(rec.ResponseMessage), toMillis(created),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert result for request %d: %w", rec.RequestID, err)
	}
	return res.LastInsertId()
}

// ListResults 返回某个请求的全部结果，按写入顺序。
func (s *Store) ListResults(ctx context.Context, requestID int64) ([]model.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, request, status, payload, response_message, created_at FROM results WHERE request_id = ? ORDER BY id ASC`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []model.ResultRecord
	for rows.Next() {
		var (
			rec                        model.ResultRecord
			snapshot, payload, message sql.NullString
			created                    int64
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &snapshot, &rec.Status, &payload, &message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if raw := rawJSON(snapshot); raw != nil {
			if err := json.Unmarshal(raw, &rec.Request); err != nil {
				s.logger.Warn().Err(err).Int64("result_id", rec.ID).Msg("result has unreadable request snapshot")
			}
		}
		rec.Payload = rawJSON(payload)
		rec.ResponseMessage = rawJSON(message)
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
