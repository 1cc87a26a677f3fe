package provision

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/kbq/internal/store"
	"github.com/roach88/kbq/internal/txn"
)

// baseline inserts $2 free rows at path $1.
var baseline = map[Kind]string{
	KindJob: `INSERT INTO ` + store.JobTable + ` (path, completed_at)
		SELECT $1::ltree, NOW() FROM generate_series(1, $2)`,
	KindRPCServer: `INSERT INTO ` + store.RPCServerTable + ` (server_path, completed_at)
		SELECT $1::ltree, NOW() FROM generate_series(1, $2)`,
	KindRPCClient: `INSERT INTO ` + store.RPCClientTable + ` (client_path, server_path)
		SELECT $1::ltree, $1::ltree FROM generate_series(1, $2)`,
	KindStream: `INSERT INTO ` + store.StreamTable + ` (path, recorded_at)
		SELECT $1::ltree, NOW() - INTERVAL '1 day' FROM generate_series(1, $2)`,
}

// Apply creates the schema and (re)allocates every pool of plan in one
// transaction. Existing rows of a planned pool are deleted first, so
// applying a plan resets its pools to the free baseline. Pools absent from
// the plan are left untouched.
func Apply(ctx context.Context, runner *txn.Runner, plan Plan) error {
	op := txn.Op{Engine: "provision", Name: "apply"}
	err := runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if err := store.ApplySchema(ctx, tx); err != nil {
			return err
		}
		for _, pool := range plan {
			if err := applyPool(ctx, tx, pool); err != nil {
				return fmt.Errorf("%s pool %s: %w", pool.Kind, pool.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("provisioning applied", "pools", len(plan), "slots", plan.Slots())
	return nil
}

func applyPool(ctx context.Context, tx *sql.Tx, pool Pool) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+pool.Kind.Table()+` WHERE `+pool.Kind.PathColumn()+` = $1`, pool.Path); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}

	if pool.Kind == KindStatus {
		status := string(pool.Status)
		if status == "" {
			status = "{}"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+store.StatusTable+` (path, payload) VALUES ($1, $2)`, pool.Path, status); err != nil {
			return fmt.Errorf("insert status: %w", err)
		}
	} else {
		query, ok := baseline[pool.Kind]
		if !ok {
			return txn.Invalid("kind", string(pool.Kind), "unknown pool kind")
		}
		if _, err := tx.ExecContext(ctx, query, pool.Path, pool.Capacity); err != nil {
			return fmt.Errorf("insert slots: %w", err)
		}
	}

	slog.Debug("pool allocated", "kind", pool.Kind, "path", pool.Path, "capacity", pool.Capacity)
	return nil
}
