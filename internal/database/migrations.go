package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationVoteAppendOnlyGuards = "2026-10-01_poll_votes_append_only_guards"

const voteGuardMessage = "poll_votes is append-only"

var sqliteVoteGuards = []string{
	"CREATE TRIGGER IF NOT EXISTS poll_votes_block_update BEFORE UPDATE ON poll_votes " +
		"BEGIN SELECT RAISE(ABORT, '" + voteGuardMessage + "'); END",
	"CREATE TRIGGER IF NOT EXISTS poll_votes_block_delete BEFORE DELETE ON poll_votes " +
		"BEGIN SELECT RAISE(ABORT, '" + voteGuardMessage + "'); END",
}

var postgresVoteGuards = []string{
	"CREATE OR REPLACE FUNCTION poll_votes_append_only() RETURNS trigger LANGUAGE plpgsql AS $$ " +
		"BEGIN RAISE EXCEPTION '" + voteGuardMessage + "'; END; $$",
	"DROP TRIGGER IF EXISTS poll_votes_append_only ON poll_votes",
	"CREATE TRIGGER poll_votes_append_only BEFORE UPDATE OR DELETE ON poll_votes " +
		"FOR EACH ROW EXECUTE FUNCTION poll_votes_append_only()",
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationVoteAppendOnlyGuards, apply: installVoteGuards},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// installVoteGuards makes the store itself refuse UPDATE and DELETE on votes,
// so rows cannot be rewritten by any client that bypasses the ORM hooks.
func installVoteGuards(db *gorm.DB) error {
	statements := sqliteVoteGuards
	if db.Dialector.Name() == DriverPostgres {
		statements = postgresVoteGuards
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
