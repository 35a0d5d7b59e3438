package storage

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type ClickHouse struct {
	ch *sqlx.DB
}

//insert ledger postings in ClickHouse, one row per entry
const chInsertPostings = `INSERT INTO ledger_postings(id, recipient_id, from_id, level, amount, kind, status, timestamp, date)
								  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func NewClickHouse(ch *sqlx.DB) *ClickHouse {
	return &ClickHouse{ch: ch}
}

func (d *ClickHouse) Name() string {
	return "clickhouse"
}

func (d *ClickHouse) Save(ctx context.Context, entries []pkg.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := d.ch.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "BeginTx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, chInsertPostings)
	if err != nil {
		return errors.Wrap(err, "Prepare")
	}
	defer stmt.Close()

	for _, e := range entries {
		amount, _ := e.Amount.Float64()
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			e.RecipientID,
			e.FromID,
			int32(e.Level),
			amount,
			string(e.Kind),
			string(e.Status),
			e.CreatedAt,
			e.CreatedAt,
		); err != nil {
			log.WithField("entry", e.String()).Error("stmt.Exec error " + err.Error())
			return errors.Wrap(err, "Exec")
		}
	}

	return tx.Commit()
}
