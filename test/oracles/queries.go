// Package oracles holds SQL invariant checks run against a live database
// under concurrent load. Every query returns rows only when an invariant has
// been violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_balance_matches_ledger",
			SQL: `SELECT a.id, a.balance FROM escrow_accounts a
                  WHERE a.balance <> COALESCE((
                      SELECT SUM(CASE
                          WHEN t.type = 'deposit' AND t.status = 'completed' THEN t.amount
                          WHEN t.type = 'payout' AND t.status IN ('approved','completed') THEN -t.amount
                          WHEN t.type = 'payout' AND t.status = 'failed' AND NOT t.balance_restored THEN -t.amount
                          ELSE 0 END)
                      FROM escrow_transactions t
                      WHERE t.escrow_account_id = a.id), 0)`,
		},
		{
			Name: "O2_balance_never_negative",
			SQL:  `SELECT id, balance FROM escrow_accounts WHERE balance < 0`,
		},
		{
			Name: "O3_single_payout_per_milestone",
			SQL: `SELECT released_payout_transaction_id, COUNT(*) FROM milestones
                  WHERE released_payout_transaction_id IS NOT NULL
                  GROUP BY released_payout_transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_released_payout_exists",
			SQL: `SELECT m.id FROM milestones m
                  LEFT JOIN escrow_transactions t ON t.id = m.released_payout_transaction_id
                  WHERE m.released_payout_transaction_id IS NOT NULL AND t.id IS NULL`,
		},
		{
			Name: "O5_payout_within_milestone_value",
			SQL: `SELECT m.id, t.amount, m.value_amount FROM milestones m
                  JOIN escrow_transactions t ON t.id = m.released_payout_transaction_id
                  WHERE t.amount > m.value_amount`,
		},
		{
			Name: "O6_released_milestone_completed",
			SQL: `SELECT id, status FROM milestones
                  WHERE released_payout_transaction_id IS NOT NULL AND status <> 'completed'`,
		},
		{
			Name: "O7_active_split_sums_to_hundred",
			SQL: `SELECT a.id, SUM(p.split_percentage) FROM commission_agreements a
                  JOIN agreement_parties p ON p.agreement_id = a.id
                  WHERE a.status IN ('active','completed')
                  GROUP BY a.id HAVING SUM(p.split_percentage) <> 100`,
		},
		{
			Name: "O8_milestones_within_total",
			SQL: `SELECT a.id FROM commission_agreements a
                  JOIN milestones m ON m.agreement_id = a.id
                  WHERE a.status IN ('active','completed')
                  GROUP BY a.id, a.total_value HAVING SUM(m.value_amount) > a.total_value`,
		},
		{
			Name: "O9_ledger_currency_consistent",
			SQL: `SELECT t.id FROM escrow_transactions t
                  JOIN escrow_accounts a ON a.id = t.escrow_account_id
                  WHERE t.currency <> a.currency`,
		},
		{
			Name: "O10_outbox_bounded",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE attempts > 5
                     OR (status = 'pending' AND now() - created_at > interval '5 minutes')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
