package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (*PostgresDB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)
	return NewPostgresDBFromDSN(dsn, logger)
}

func NewPostgresDBFromDSN(dsn string, logger *logger.Logger) (*PostgresDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.AutoMigrate(&models.LedgerEntry{}, &models.IssuedNonce{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return &PostgresDB{Conn: db, logger: logger}, nil
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

func (db *PostgresDB) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if err := db.Conn.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", models.ErrDuplicateReference, entry.TxReference)
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	db.logger.Debugw("Ledger entry inserted", "id", entry.ID, "tx", entry.TxReference, "wrapper", entry.WrapperID)
	return nil
}

func (db *PostgresDB) HasReference(ctx context.Context, txReference string) (bool, error) {
	var count int64
	if err := db.Conn.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("tx_reference = ?", txReference).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check transaction reference: %w", err)
	}
	return count > 0, nil
}

func (db *PostgresDB) SetPayerUserID(ctx context.Context, txReference, userID string) error {
	res := db.Conn.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("tx_reference = ?", txReference).
		Update("payer_user_id", userID)
	if res.Error != nil {
		return fmt.Errorf("failed to set payer account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger entry %s not found", txReference)
	}
	return nil
}

func (db *PostgresDB) ListEntries(ctx context.Context, wrapperID string, since time.Time, limit int) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	q := db.Conn.WithContext(ctx).
		Where("wrapper_id = ? AND created_at >= ?", wrapperID, since).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

func (db *PostgresDB) Aggregate(ctx context.Context, wrapperIDs []string, since time.Time) (*models.UsageSummary, error) {
	if len(wrapperIDs) == 0 {
		return &models.UsageSummary{Revenue: []models.TokenRevenue{}}, nil
	}

	var rows []revenueRow
	if err := db.Conn.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("token, network, decimals, COUNT(*) AS count, COALESCE(SUM(amount_base_units), 0)::text AS total").
		Where("wrapper_id IN ? AND created_at >= ?", wrapperIDs, since).
		Group("token, network, decimals").
		Order("token").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger entries: %w", err)
	}
	return summarize(rows)
}

func (db *PostgresDB) RegisterNonce(ctx context.Context, nonce *models.IssuedNonce) error {
	res := db.Conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "nonce"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "issued_nonces.consumed_at IS NULL AND issued_nonces.wrapper_id = excluded.wrapper_id"},
			}},
		}).
		Create(nonce)
	if res.Error != nil {
		return fmt.Errorf("failed to register nonce: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNonceInvalid
	}
	return nil
}

func (db *PostgresDB) ConsumeNonce(ctx context.Context, nonce, wrapperID, txReference string, now time.Time) error {
	res := db.Conn.WithContext(ctx).Model(&models.IssuedNonce{}).
		Where("nonce = ? AND wrapper_id = ? AND consumed_at IS NULL AND expires_at > ?", nonce, wrapperID, now).
		Updates(map[string]interface{}{"consumed_at": now, "consumed_by": txReference})
	if res.Error != nil {
		return fmt.Errorf("failed to consume nonce: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var bound int64
	if err := db.Conn.WithContext(ctx).Model(&models.IssuedNonce{}).
		Where("nonce = ? AND wrapper_id = ? AND consumed_by = ?", nonce, wrapperID, txReference).
		Count(&bound).Error; err != nil {
		return fmt.Errorf("failed to check nonce: %w", err)
	}
	if bound == 0 {
		return models.ErrNonceInvalid
	}
	return nil
}

func (db *PostgresDB) PurgeExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	res := db.Conn.WithContext(ctx).Where("expires_at < ?", before).Delete(&models.IssuedNonce{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired nonces: %w", res.Error)
	}
	return res.RowsAffected, nil
}
