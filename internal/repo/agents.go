package repo

import (
	"context"
	"database/sql"

	"saltdig/internal/domain"
)

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,display_name,api_key_hash,salt_balance,wallet_address,encrypted_signer,reputation,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.DisplayName, nullableString(a.APIKeyHash), a.SaltBalance, nullableStringPtr(a.WalletAddress), nullableStringPtr(a.EncryptedSigner), a.Reputation, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.getAgent(ctx, r.DB, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return r.getAgent(ctx, tx, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) getAgent(ctx context.Context, q querier, id string) (domain.Agent, error) {
	var a domain.Agent
	var apiKeyHash, wallet, signer sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,display_name,api_key_hash,salt_balance,wallet_address,encrypted_signer,reputation,created_at
FROM agents WHERE id=?`, id).Scan(&a.ID, &a.DisplayName, &apiKeyHash, &a.SaltBalance, &wallet, &signer, &a.Reputation, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.APIKeyHash = apiKeyHash.String
	a.WalletAddress = scanNullString(wallet)
	a.EncryptedSigner = scanNullString(signer)
	return a, nil
}

// GetAgentBalanceForUpdateTx reads the balance within tx, relying on sqlite's
// serialized-writer model (every write transaction takes an implicit
// exclusive lock) to give the ledger's read -> decide -> write sequence the
// same isolation a SELECT ... FOR UPDATE would give on a row-locking engine.
func (r Repo) GetAgentBalanceForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var bal int64
	err := tx.QueryRowContext(ctx, `SELECT salt_balance FROM agents WHERE id=?`, id).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return bal, err
}

func (r Repo) SetAgentBalanceTx(ctx context.Context, tx *sql.Tx, id string, balance int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET salt_balance=? WHERE id=?`, balance, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAgentsByBalanceDesc(ctx context.Context, limit int) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,display_name,api_key_hash,salt_balance,wallet_address,encrypted_signer,reputation,created_at
FROM agents ORDER BY salt_balance DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var apiKeyHash, wallet, signer sql.NullString
		if err := rows.Scan(&a.ID, &a.DisplayName, &apiKeyHash, &a.SaltBalance, &wallet, &signer, &a.Reputation, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.APIKeyHash = apiKeyHash.String
		a.WalletAddress = scanNullString(wallet)
		a.EncryptedSigner = scanNullString(signer)
		res = append(res, a)
	}
	return res, rows.Err()
}
