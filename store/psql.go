package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // postgres driver

	"github.com/tradeweave/relay/types"
)

// DriverName is the database/sql driver the relay stores orders with.
const DriverName = "postgres"

var (
	orderColumns = []string{
		"id::text", "chainid", "market", "side", "price",
		"base_quantity", "quote_quantity", "user_id", "status",
		"expires", "signature", "created_at",
	}
	fillColumns = []string{
		"id", "chainid", "market", "order_id", "side", "price",
		"base_volume", "quote_volume", "status", "tx_hash",
		"taker_id", "maker_id", "fee_amount", "fee_token", "created_at",
	}
)

// PSQL implements Store on a shared PostgreSQL database using the schema in
// store/schema.sql. Conditional UPDATE ... RETURNING statements carry the
// atomic check-and-transition semantics the lifecycle depends on.
type PSQL struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewPSQL opens a connection pool to the database specified by connStr and
// verifies it is reachable.
func NewPSQL(ctx context.Context, connStr string) (*PSQL, error) {
	db, err := sql.Open(DriverName, connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PSQL{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
	}, nil
}

// DB returns the underlying pool. Exported to support testing.
func (s *PSQL) DB() *sql.DB { return s.db }

func (s *PSQL) Close() error { return s.db.Close() }

func (s *PSQL) CreateOrder(ctx context.Context, order *types.Order) error {
	sig := order.Signature
	if len(sig) == 0 {
		sig = nil
	}
	row := s.sb.
		Insert("orders").
		Columns("chainid", "market", "side", "price", "base_quantity",
			"quote_quantity", "user_id", "status", "expires", "signature").
		Values(order.ChainID, order.Market, order.Side, order.Price, order.BaseQuantity,
			order.QuoteQuantity, order.UserID, types.OrderOpen, order.Expires, []byte(sig)).
		Suffix("RETURNING id::text, created_at").
		QueryRowContext(ctx)

	if err := row.Scan(&order.ID, &order.CreatedAt); err != nil {
		return err
	}
	order.Status = types.OrderOpen
	return nil
}

func (s *PSQL) GetOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, error) {
	row := s.sb.
		Select(orderColumns...).
		From("orders").
		Where(sq.Eq{"chainid": chainID, "id": orderID}).
		QueryRowContext(ctx)
	return scanOrder(row)
}

func (s *PSQL) OpenOrders(ctx context.Context, chainID types.ChainID, market string) ([]*types.Order, error) {
	rows, err := s.sb.
		Select(orderColumns...).
		From("orders").
		Where(sq.Eq{"chainid": chainID, "market": market, "status": types.OrderOpen}).
		OrderBy("id DESC").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PSQL) OrdersByUser(ctx context.Context, chainID types.ChainID, userID string, limit int) ([]*types.Order, error) {
	rows, err := s.sb.
		Select(orderColumns...).
		From("orders").
		Where(sq.Eq{"chainid": chainID, "user_id": userID}).
		OrderBy("id DESC").
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PSQL) ClaimOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, bool, error) {
	row := s.sb.
		Update("orders").
		Set("status", types.OrderMatched).
		Where(sq.Eq{"chainid": chainID, "id": orderID, "status": types.OrderOpen}).
		Suffix("RETURNING " + columnList(orderColumns)).
		QueryRowContext(ctx)

	order, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		// the row exists but was not open, or does not exist at all;
		// disambiguate for the caller
		if _, getErr := s.GetOrder(ctx, chainID, orderID); getErr != nil {
			return nil, false, getErr
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return order, true, nil
}

func (s *PSQL) UpdateOrderStatus(ctx context.Context, chainID types.ChainID, orderID string, to types.OrderStatus) (*types.Order, error) {
	from := transitionSources(to)
	if len(from) == 0 {
		return nil, ErrInvalidTransition
	}

	row := s.sb.
		Update("orders").
		Set("status", to).
		Where(sq.Eq{"chainid": chainID, "id": orderID, "status": from}).
		Suffix("RETURNING " + columnList(orderColumns)).
		QueryRowContext(ctx)

	order, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetOrder(ctx, chainID, orderID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	return order, err
}

func (s *PSQL) CancelOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Order, error) {
	row := s.sb.
		Update("orders").
		Set("status", types.OrderCancelled).
		Where(sq.Eq{"chainid": chainID, "id": orderID, "status": types.OrderOpen}).
		Suffix("RETURNING " + columnList(orderColumns)).
		QueryRowContext(ctx)

	order, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetOrder(ctx, chainID, orderID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	return order, err
}

func (s *PSQL) OpenOrderIDsByUser(ctx context.Context, chainID types.ChainID, userID string) ([]string, error) {
	rows, err := s.sb.
		Select("id::text").
		From("orders").
		Where(sq.Eq{"chainid": chainID, "user_id": userID, "status": types.OrderOpen}).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PSQL) CreateFill(ctx context.Context, fill *types.Fill) error {
	row := s.sb.
		Insert("fills").
		Columns("id", "chainid", "market", "order_id", "side", "price",
			"base_volume", "quote_volume", "status", "tx_hash",
			"taker_id", "maker_id", "fee_amount", "fee_token").
		Values(fill.ID, fill.ChainID, fill.Market, fill.OrderID, fill.Side, fill.Price,
			fill.BaseVolume, fill.QuoteVolume, fill.Status, fill.TxHash,
			fill.TakerID, fill.MakerID, fill.FeeAmount, fill.FeeToken).
		Suffix("RETURNING created_at").
		QueryRowContext(ctx)
	return row.Scan(&fill.CreatedAt)
}

func (s *PSQL) GetFill(ctx context.Context, chainID types.ChainID, fillID string) (*types.Fill, error) {
	row := s.sb.
		Select(fillColumns...).
		From("fills").
		Where(sq.Eq{"chainid": chainID, "id": fillID}).
		QueryRowContext(ctx)
	return scanFill(row)
}

func (s *PSQL) FillByOrder(ctx context.Context, chainID types.ChainID, orderID string) (*types.Fill, error) {
	row := s.sb.
		Select(fillColumns...).
		From("fills").
		Where(sq.Eq{"chainid": chainID, "order_id": orderID}).
		OrderBy("created_at DESC").
		Limit(1).
		QueryRowContext(ctx)
	return scanFill(row)
}

func (s *PSQL) UpdateFillStatus(ctx context.Context, chainID types.ChainID, fillID string, status types.FillStatus, txHash string) (*types.Fill, error) {
	update := s.sb.
		Update("fills").
		Set("status", status).
		Where(sq.Eq{"chainid": chainID, "id": fillID})
	if txHash != "" {
		update = update.Set("tx_hash", txHash)
	}
	row := update.
		Suffix("RETURNING " + columnList(fillColumns)).
		QueryRowContext(ctx)
	return scanFill(row)
}

func (s *PSQL) FinalizeFill(ctx context.Context, chainID types.ChainID, fillID string, price, feeAmount float64, feeToken string) (*types.Fill, error) {
	row := s.sb.
		Update("fills").
		Set("status", types.OrderFilled).
		Set("price", price).
		Set("quote_volume", sq.Expr("base_volume * ?", price)).
		Set("fee_amount", feeAmount).
		Set("fee_token", feeToken).
		Where(sq.Eq{"chainid": chainID, "id": fillID}).
		Suffix("RETURNING " + columnList(fillColumns)).
		QueryRowContext(ctx)
	return scanFill(row)
}

func (s *PSQL) FillsByUser(ctx context.Context, chainID types.ChainID, userID string, limit int) ([]*types.Fill, error) {
	rows, err := s.sb.
		Select(fillColumns...).
		From("fills").
		Where(sq.Eq{"chainid": chainID}).
		Where(sq.Or{sq.Eq{"taker_id": userID}, sq.Eq{"maker_id": userID}}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	return scanFills(rows)
}

func (s *PSQL) FillsByMarketSince(ctx context.Context, chainID types.ChainID, market string, since time.Time) ([]*types.Fill, error) {
	rows, err := s.sb.
		Select(fillColumns...).
		From("fills").
		Where(sq.Eq{"chainid": chainID, "market": market}).
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("created_at DESC").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	return scanFills(rows)
}

//-----------------------------------------------------------------------------
// row scanning

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*types.Order, error) {
	var (
		o   types.Order
		sig []byte
	)
	err := row.Scan(&o.ID, &o.ChainID, &o.Market, &o.Side, &o.Price,
		&o.BaseQuantity, &o.QuoteQuantity, &o.UserID, &o.Status,
		&o.Expires, &sig, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(sig) > 0 {
		o.Signature = sig
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*types.Order, error) {
	defer rows.Close()
	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanFill(row rowScanner) (*types.Fill, error) {
	var f types.Fill
	err := row.Scan(&f.ID, &f.ChainID, &f.Market, &f.OrderID, &f.Side, &f.Price,
		&f.BaseVolume, &f.QuoteVolume, &f.Status, &f.TxHash,
		&f.TakerID, &f.MakerID, &f.FeeAmount, &f.FeeToken, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFills(rows *sql.Rows) ([]*types.Fill, error) {
	defer rows.Close()
	var out []*types.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func columnList(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}
