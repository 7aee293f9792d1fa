package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/onebullex/risk-engine/pkg/models"
)

// Event reads backing the derived-feature stage: device history for
// impossible travel and login/withdraw timestamps for the login gap.
// All timestamps are epoch milliseconds, as written by upstream.

// LatestWithdrawEvent returns the user's most recent withdraw device event.
func (s *PostgresStore) LatestWithdrawEvent(ctx context.Context, userCode string) (*models.DeviceEvent, error) {
	return s.scanDeviceEvent(ctx,
		`SELECT country_code, is_vpn, event_time
		 FROM user_device
		 WHERE user_code = $1 AND delete_at = 0 AND operation = 'withdraw'
		 ORDER BY event_time DESC
		 LIMIT 1`, userCode)
}

// PreviousDeviceEvent returns the user's most recent device event strictly
// before the given timestamp, regardless of operation.
func (s *PostgresStore) PreviousDeviceEvent(ctx context.Context, userCode string, beforeMs int64) (*models.DeviceEvent, error) {
	return s.scanDeviceEvent(ctx,
		`SELECT country_code, is_vpn, event_time
		 FROM user_device
		 WHERE user_code = $1 AND delete_at = 0 AND event_time < $2
		 ORDER BY event_time DESC
		 LIMIT 1`, userCode, beforeMs)
}

func (s *PostgresStore) scanDeviceEvent(ctx context.Context, sql string, args ...any) (*models.DeviceEvent, error) {
	var country *string
	var isVPN *int
	var eventTime *int64
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&country, &isVPN, &eventTime)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev := &models.DeviceEvent{}
	if country != nil {
		ev.CountryCode = *country
	}
	if isVPN != nil {
		ev.IsVPN = *isVPN == 1
	}
	if eventTime != nil {
		ev.EventTime = *eventTime
	}
	return ev, nil
}

// WithdrawTimestampMs looks up create_at for this (user_code, code) in
// withdraw_record. Returns 0 when no row exists.
func (s *PostgresStore) WithdrawTimestampMs(ctx context.Context, userCode, txnID string) (int64, error) {
	var ts *int64
	err := s.pool.QueryRow(ctx,
		`SELECT create_at FROM withdraw_record
		 WHERE user_code = $1 AND code = $2
		 ORDER BY create_at DESC
		 LIMIT 1`, userCode, txnID).Scan(&ts)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return 0, nil
	}
	return *ts, nil
}

// LastLoginBeforeMs returns the create_at of the most recent login at or
// before the withdraw timestamp. Returns 0 when no login qualifies.
func (s *PostgresStore) LastLoginBeforeMs(ctx context.Context, userCode string, withdrawMs int64) (int64, error) {
	var ts *int64
	err := s.pool.QueryRow(ctx,
		`SELECT create_at FROM login_history
		 WHERE user_code = $1 AND create_at <= $2
		 ORDER BY create_at DESC
		 LIMIT 1`, userCode, withdrawMs).Scan(&ts)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return 0, nil
	}
	return *ts, nil
}
