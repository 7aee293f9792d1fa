package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/onebullex/risk-engine/pkg/models"
)

// Allow/deny/grey list lookups. A row is live iff status='ACTIVE' and
// expires_at is NULL or in the future. Lookups hit storage directly — the
// lists are curated by operations and freshness beats caching here.

const liveClause = `status = 'ACTIVE' AND (expires_at IS NULL OR expires_at > now())`

func (s *PostgresStore) lookupReason(ctx context.Context, sql string, args ...any) (models.ListEntry, error) {
	var reason *string
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&reason)
	if err == pgx.ErrNoRows {
		return models.ListEntry{}, nil
	}
	if err != nil {
		return models.ListEntry{}, err
	}
	entry := models.ListEntry{Found: true}
	if reason != nil {
		entry.Reason = *reason
	}
	return entry, nil
}

// UserAllowed checks risk_whitelist_user.
func (s *PostgresStore) UserAllowed(ctx context.Context, userCode string) (models.ListEntry, error) {
	return s.lookupReason(ctx,
		`SELECT reason FROM risk_whitelist_user WHERE user_code = $1 AND `+liveClause+` LIMIT 1`,
		userCode)
}

// AddressAllowed checks risk_whitelist_address. A NULL chain on the row
// matches any chain; an empty chain argument skips the chain filter.
func (s *PostgresStore) AddressAllowed(ctx context.Context, address, chain string) (models.ListEntry, error) {
	if chain != "" {
		return s.lookupReason(ctx,
			`SELECT reason FROM risk_whitelist_address
			 WHERE destination_address = $1 AND (chain IS NULL OR chain = $2) AND `+liveClause+` LIMIT 1`,
			address, chain)
	}
	return s.lookupReason(ctx,
		`SELECT reason FROM risk_whitelist_address
		 WHERE destination_address = $1 AND `+liveClause+` LIMIT 1`,
		address)
}

// UserDenied checks risk_blacklist_user.
func (s *PostgresStore) UserDenied(ctx context.Context, userCode string) (models.ListEntry, error) {
	return s.lookupReason(ctx,
		`SELECT reason FROM risk_blacklist_user WHERE user_code = $1 AND `+liveClause+` LIMIT 1`,
		userCode)
}

// AddressDenied checks risk_blacklist_address with the same chain
// semantics as AddressAllowed.
func (s *PostgresStore) AddressDenied(ctx context.Context, address, chain string) (models.ListEntry, error) {
	if chain != "" {
		return s.lookupReason(ctx,
			`SELECT reason FROM risk_blacklist_address
			 WHERE destination_address = $1 AND (chain IS NULL OR chain = $2) AND `+liveClause+` LIMIT 1`,
			address, chain)
	}
	return s.lookupReason(ctx,
		`SELECT reason FROM risk_blacklist_address
		 WHERE destination_address = $1 AND `+liveClause+` LIMIT 1`,
		address)
}

// FingerprintDenied checks risk_blacklist_fingerprint.
func (s *PostgresStore) FingerprintDenied(ctx context.Context, fingerprint string) (models.ListEntry, error) {
	return s.lookupReason(ctx,
		`SELECT reason FROM risk_blacklist_fingerprint WHERE device_fingerprint = $1 AND `+liveClause+` LIMIT 1`,
		fingerprint)
}

// IPDenied checks risk_blacklist_ip.
func (s *PostgresStore) IPDenied(ctx context.Context, ip string) (models.ListEntry, error) {
	return s.lookupReason(ctx,
		`SELECT reason FROM risk_blacklist_ip WHERE ip_address = $1 AND `+liveClause+` LIMIT 1`,
		ip)
}

// EmailDomainDenied checks risk_blacklist_emaildomain.
func (s *PostgresStore) EmailDomainDenied(ctx context.Context, domain string) (models.ListEntry, error) {
	return s.lookupReason(ctx,
		`SELECT reason FROM risk_blacklist_emaildomain WHERE email_domain = $1 AND `+liveClause+` LIMIT 1`,
		domain)
}

// Greylisted checks risk_greylist for one (entity_type, entity_value) pair.
func (s *PostgresStore) Greylisted(ctx context.Context, entityType, entityValue string) (models.ListEntry, error) {
	entry, err := s.lookupReason(ctx,
		`SELECT reason FROM risk_greylist
		 WHERE entity_type = $1 AND entity_value = $2 AND `+liveClause+` LIMIT 1`,
		entityType, entityValue)
	if err != nil {
		return models.ListEntry{}, fmt.Errorf("greylist lookup %s: %v", entityType, err)
	}
	return entry, nil
}
