// Package actions provides the catalogue of pluggable tool-agents exposed to
// case configuration, together with a mock ERP backend so the engine is
// exercisable end to end without a live integration.
package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrCustomerNotFound is returned for lookups and updates against an unknown
// customer email.
var ErrCustomerNotFound = errors.New("actions: customer not found")

// ErrOrderNotFound is returned for lookups against an unknown order id.
var ErrOrderNotFound = errors.New("actions: order not found")

const erpSchema = `
CREATE TABLE IF NOT EXISTS customers (
    email_id    TEXT PRIMARY KEY,
    address     TEXT NOT NULL DEFAULT '',
    document_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS orders (
    order_id     TEXT PRIMARY KEY,
    email_id     TEXT NOT NULL,
    status       TEXT NOT NULL,
    amount_cents INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS refunds (
    refund_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id     TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    amount_cents INTEGER NOT NULL
);
`

// ERPStore is the mock ERP/ticketing backend the reference domain tools talk
// to. Backed by its own sqlite database, separate from the checkpoint store.
type ERPStore struct {
	db *sql.DB
}

func NewERPStore(path string) (*ERPStore, error) {
	if path == "" {
		return nil, errors.New("erp database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open erp database: %w", err)
	}
	if _, err := db.Exec(erpSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply erp schema: %w", err)
	}
	return &ERPStore{db: db}, nil
}

func (s *ERPStore) Close() error { return s.db.Close() }

type Order struct {
	OrderID     string `json:"orderId"`
	EmailID     string `json:"emailId"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amountCents"`
}

// Seed inserts or replaces a customer row; used by tests and the demo setup.
func (s *ERPStore) SeedCustomer(ctx context.Context, emailID, address, documentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO customers (email_id, address, document_id) VALUES (?, ?, ?)`,
		emailID, address, documentID)
	return err
}

func (s *ERPStore) SeedOrder(ctx context.Context, order Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO orders (order_id, email_id, status, amount_cents) VALUES (?, ?, ?, ?)`,
		order.OrderID, order.EmailID, order.Status, order.AmountCents)
	return err
}

func (s *ERPStore) CustomerAddress(ctx context.Context, emailID string) (string, error) {
	var address string
	err := s.db.QueryRowContext(ctx,
		`SELECT address FROM customers WHERE email_id = ?`, emailID).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load customer address: %w", err)
	}
	return address, nil
}

func (s *ERPStore) UpdateCustomerAddress(ctx context.Context, emailID, newAddress string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE customers SET address = ? WHERE email_id = ?`, newAddress, emailID)
	if err != nil {
		return fmt.Errorf("failed to update customer address: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

func (s *ERPStore) CustomerDocumentID(ctx context.Context, emailID string) (string, error) {
	var documentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id FROM customers WHERE email_id = ?`, emailID).Scan(&documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load customer document id: %w", err)
	}
	return documentID, nil
}

func (s *ERPStore) UpdateCustomerDocumentID(ctx context.Context, emailID, documentID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE customers SET document_id = ? WHERE email_id = ?`, documentID, emailID)
	if err != nil {
		return fmt.Errorf("failed to update customer document id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

func (s *ERPStore) Order(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, email_id, status, amount_cents FROM orders WHERE order_id = ?`,
		orderID).Scan(&order.OrderID, &order.EmailID, &order.Status, &order.AmountCents)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

// ProcessRefund records a refund for the order and marks it refunded.
// Returns the refund id.
func (s *ERPStore) ProcessRefund(ctx context.Context, orderID, reason string) (int64, error) {
	order, err := s.Order(ctx, orderID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin refund transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO refunds (order_id, reason, amount_cents) VALUES (?, ?, ?)`,
		orderID, reason, order.AmountCents)
	if err != nil {
		return 0, fmt.Errorf("failed to record refund: %w", err)
	}
	refundID, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = 'refunded' WHERE order_id = ?`, orderID); err != nil {
		return 0, fmt.Errorf("failed to mark order refunded: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit refund: %w", err)
	}
	return refundID, nil
}
