package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/money"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool. Schema management lives
// in the migrate command, not here.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, kind, payer_address, payee_address, buyer_address, broker_address,
		       asset_chain, asset_id, asset_issuer, asset_uri,
		       payment_chain, gross_amount, paid_amount, payment_tx_hash, payment_confirmed_at,
		       broker_fee, royalty_amount, net_payee_amount,
		       offer_id, offer_tx_hash, acceptance_tx_hash, accepted_at,
		       mint_tx_hash, transfer_tx_hash, transferred_at,
		       payout_tx_hash, paid_out_at, refund_tx_hash, refunded_at,
		       status, reason, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, kind, payer_address, payee_address, buyer_address, broker_address,
			asset_chain, asset_id, asset_issuer, asset_uri,
			payment_chain, gross_amount, paid_amount, payment_tx_hash, payment_confirmed_at,
			broker_fee, royalty_amount, net_payee_amount,
			offer_id, offer_tx_hash, acceptance_tx_hash, accepted_at,
			mint_tx_hash, transfer_tx_hash, transferred_at,
			payout_tx_hash, paid_out_at, refund_tx_hash, refunded_at,
			status, reason, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12::NUMERIC(20,6), $13::NUMERIC(20,6), $14, $15,
			$16::NUMERIC(20,6), $17::NUMERIC(20,6), $18::NUMERIC(20,6),
			$19, $20, $21, $22,
			$23, $24, $25,
			$26, $27, $28, $29,
			$30, $31, $32, $33, $34
		)`,
		rec.ID, string(rec.Kind), rec.PayerAddress, rec.PayeeAddress, rec.BuyerAddress, rec.BrokerAddress,
		rec.AssetChain, nullString(rec.AssetID), nullString(rec.AssetIssuer), nullString(rec.AssetURI),
		rec.PaymentChain, rec.GrossAmount, nullString(rec.PaidAmount), nullString(rec.PaymentTxHash), nullTime(rec.PaymentConfirmedAt),
		rec.BrokerFee, rec.RoyaltyAmount, rec.NetPayeeAmount,
		nullString(rec.OfferID), nullString(rec.OfferTxHash), nullString(rec.AcceptanceTxHash), nullTime(rec.AcceptedAt),
		nullString(rec.MintTxHash), nullString(rec.TransferTxHash), nullTime(rec.TransferredAt),
		nullString(rec.PayoutTxHash), nullTime(rec.PaidOutAt), nullString(rec.RefundTxHash), nullTime(rec.RefundedAt),
		string(rec.Status), nullString(rec.Reason), rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Update rewrites the mutable columns. Identity, parties, split amounts,
// and the expiry deadline never change after Create.
func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			asset_id = $1, paid_amount = $2::NUMERIC(20,6),
			payment_tx_hash = $3, payment_confirmed_at = $4,
			offer_id = $5, offer_tx_hash = $6,
			acceptance_tx_hash = $7, accepted_at = $8,
			mint_tx_hash = $9, transfer_tx_hash = $10, transferred_at = $11,
			payout_tx_hash = $12, paid_out_at = $13,
			refund_tx_hash = $14, refunded_at = $15,
			status = $16, reason = $17, updated_at = $18
		WHERE id = $19`,
		nullString(rec.AssetID), nullString(rec.PaidAmount),
		nullString(rec.PaymentTxHash), nullTime(rec.PaymentConfirmedAt),
		nullString(rec.OfferID), nullString(rec.OfferTxHash),
		nullString(rec.AcceptanceTxHash), nullTime(rec.AcceptedAt),
		nullString(rec.MintTxHash), nullString(rec.TransferTxHash), nullTime(rec.TransferredAt),
		nullString(rec.PayoutTxHash), nullTime(rec.PaidOutAt),
		nullString(rec.RefundTxHash), nullTime(rec.RefundedAt),
		string(rec.Status), nullString(rec.Reason), rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows`
	var conds []string
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Party != "" {
		args = append(args, filter.Party)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(payer_address = $%d OR payee_address = $%d OR buyer_address = $%d)", n, n, n))
	}
	if filter.Chain != "" {
		args = append(args, filter.Chain)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(payment_chain = $%d OR asset_chain = $%d)", n, n))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListNonTerminal(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status NOT IN ('completed', 'refunded', 'cancelled', 'expired', 'failed')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// SumHeldByChain mirrors holdsFunds in SQL: money confirmed in, not paid
// out or refunded, and the record is neither completed nor failed.
func (p *PostgresStore) SumHeldByChain(ctx context.Context) (map[string]*big.Int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payment_chain, SUM(paid_amount)
		FROM escrows
		WHERE payment_confirmed_at IS NOT NULL
		  AND paid_out_at IS NULL
		  AND refunded_at IS NULL
		  AND status NOT IN ('completed', 'failed')
		GROUP BY payment_chain`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	held := make(map[string]*big.Int)
	for rows.Next() {
		var chainID string
		var sum sql.NullString
		if err := rows.Scan(&chainID, &sum); err != nil {
			return nil, err
		}
		if !sum.Valid {
			continue
		}
		amt, ok := money.Parse(sum.String)
		if !ok {
			return nil, fmt.Errorf("unparseable held sum %q for chain %s", sum.String, chainID)
		}
		held[chainID] = amt
	}
	return held, rows.Err()
}

// rowScanner lets scanRecord read from a single row or a result set.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		kind               string
		status             string
		assetID            sql.NullString
		assetIssuer        sql.NullString
		assetURI           sql.NullString
		paidAmount         sql.NullString
		paymentTxHash      sql.NullString
		paymentConfirmedAt sql.NullTime
		offerID            sql.NullString
		offerTxHash        sql.NullString
		acceptanceTxHash   sql.NullString
		acceptedAt         sql.NullTime
		mintTxHash         sql.NullString
		transferTxHash     sql.NullString
		transferredAt      sql.NullTime
		payoutTxHash       sql.NullString
		paidOutAt          sql.NullTime
		refundTxHash       sql.NullString
		refundedAt         sql.NullTime
		reason             sql.NullString
	)

	err := s.Scan(
		&rec.ID, &kind, &rec.PayerAddress, &rec.PayeeAddress, &rec.BuyerAddress, &rec.BrokerAddress,
		&rec.AssetChain, &assetID, &assetIssuer, &assetURI,
		&rec.PaymentChain, &rec.GrossAmount, &paidAmount, &paymentTxHash, &paymentConfirmedAt,
		&rec.BrokerFee, &rec.RoyaltyAmount, &rec.NetPayeeAmount,
		&offerID, &offerTxHash, &acceptanceTxHash, &acceptedAt,
		&mintTxHash, &transferTxHash, &transferredAt,
		&payoutTxHash, &paidOutAt, &refundTxHash, &refundedAt,
		&status, &reason, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.AssetID = assetID.String
	rec.AssetIssuer = assetIssuer.String
	rec.AssetURI = assetURI.String
	rec.PaidAmount = paidAmount.String
	rec.PaymentTxHash = paymentTxHash.String
	rec.OfferID = offerID.String
	rec.OfferTxHash = offerTxHash.String
	rec.AcceptanceTxHash = acceptanceTxHash.String
	rec.MintTxHash = mintTxHash.String
	rec.TransferTxHash = transferTxHash.String
	rec.PayoutTxHash = payoutTxHash.String
	rec.RefundTxHash = refundTxHash.String
	rec.Reason = reason.String
	if paymentConfirmedAt.Valid {
		rec.PaymentConfirmedAt = &paymentConfirmedAt.Time
	}
	if acceptedAt.Valid {
		rec.AcceptedAt = &acceptedAt.Time
	}
	if transferredAt.Valid {
		rec.TransferredAt = &transferredAt.Time
	}
	if paidOutAt.Valid {
		rec.PaidOutAt = &paidOutAt.Time
	}
	if refundedAt.Valid {
		rec.RefundedAt = &refundedAt.Time
	}

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// nullString maps "" to NULL so optional columns stay NULL instead of
// holding empty strings.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps a nil timestamp pointer to NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
