package ledger

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			uuid TEXT NOT NULL,
			source TEXT NOT NULL,
			batch_size INT NOT NULL,
			max_rounds INT NOT NULL,
			started_at INT NOT NULL,
			finished_at INT,
			outcome TEXT NOT NULL,
			survivors INT,
			removed INT,
			error TEXT
		);
		CREATE UNIQUE INDEX idx_run_uuid ON run (uuid);

		CREATE TABLE run_round(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			round INT NOT NULL,
			final INT NOT NULL,
			pending INT NOT NULL,
			batches INT NOT NULL,
			survivors INT NOT NULL,
			removed INT NOT NULL,
			failed INT NOT NULL,
			duration_ms INT NOT NULL
		);
		CREATE INDEX idx_run_round_run_id ON run_round (run_id);

		CREATE TABLE batch_failure(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			round INT NOT NULL,
			batch INT NOT NULL,
			error TEXT NOT NULL,
			items TEXT NOT NULL
		);
		CREATE INDEX idx_batch_failure_run_id ON batch_failure (run_id);
	`))

	return migs
}
