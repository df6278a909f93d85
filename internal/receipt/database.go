package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptsBucket     = "receipts"
	transactionsBucket = "transactions"
	settingsBucket     = "settings"

	settingsKey = "default"
)

// ErrNotFound is wrapped by every lookup that finds nothing
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt inserts or replaces a receipt
	SaveReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceipts returns all receipts, newest first
	ListReceipts() ([]*Receipt, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(id string) error

	// SaveTransactions replaces all transactions of a receipt. Slice order is
	// the order they are listed in.
	SaveTransactions(receiptID string, transactions []*Transaction) error

	// SaveProcessedReceipt writes a receipt and replaces its transactions
	// atomically
	SaveProcessedReceipt(receipt *Receipt, transactions []*Transaction) error

	// ListTransactions returns the transactions of one receipt
	ListTransactions(receiptID string) ([]*Transaction, error)

	// ListAllTransactions returns every stored transaction
	ListAllTransactions() ([]*Transaction, error)

	// DeleteTransactions removes the transactions of one receipt
	DeleteTransactions(receiptID string) error

	// GetSettings returns the settings row or an error wrapping ErrNotFound
	GetSettings() (*Settings, error)
	SaveSettings(settings *Settings) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
// Transactions are keyed "<receiptID>/<position>/<transactionID>" so a
// receipt's items come back from a prefix scan in the order they were saved.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptsBucket, transactionsBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func transactionPrefix(receiptID string) []byte {
	return []byte(receiptID + "/")
}

func transactionKey(t *Transaction) []byte {
	return []byte(fmt.Sprintf("%s/%06d/%s", t.ReceiptID, t.Position, t.ID))
}

// SaveReceipt saves a receipt to the database
func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putReceipt(tx, receipt)
	})
}

func putReceipt(tx *bbolt.Tx, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return tx.Bucket([]byte(receiptsBucket)).Put([]byte(receipt.ID), data)
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns all receipts, newest first
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptsBucket)).ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].CreatedAt.After(receipts[j].CreatedAt)
	})
	return receipts, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// SaveTransactions drops any existing transactions of the receipt and writes
// the new set in a single bolt transaction. Each transaction's Position is set
// from its index.
func (b *BoltDB) SaveTransactions(receiptID string, transactions []*Transaction) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return replaceTransactions(tx, receiptID, transactions)
	})
}

// SaveProcessedReceipt stores the receipt and its new transactions in one
// bolt transaction; on error neither is changed.
func (b *BoltDB) SaveProcessedReceipt(receipt *Receipt, transactions []*Transaction) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := replaceTransactions(tx, receipt.ID, transactions); err != nil {
			return err
		}
		return putReceipt(tx, receipt)
	})
}

func replaceTransactions(tx *bbolt.Tx, receiptID string, transactions []*Transaction) error {
	bucket := tx.Bucket([]byte(transactionsBucket))
	if err := deletePrefix(bucket, transactionPrefix(receiptID)); err != nil {
		return err
	}
	for i, t := range transactions {
		if t.ReceiptID != receiptID {
			return fmt.Errorf("transaction %s belongs to receipt %s, not %s", t.ID, t.ReceiptID, receiptID)
		}
		t.Position = i
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshaling transaction: %w", err)
		}
		if err := bucket.Put(transactionKey(t), data); err != nil {
			return err
		}
	}
	return nil
}

// ListTransactions returns the transactions of one receipt, oldest first and
// in saved order within a save
func (b *BoltDB) ListTransactions(receiptID string) ([]*Transaction, error) {
	transactions := make([]*Transaction, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		prefix := transactionPrefix(receiptID)
		c := tx.Bucket([]byte(transactionsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			transactions = append(transactions, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTransactions(transactions)
	return transactions, nil
}

// ListAllTransactions returns every stored transaction
func (b *BoltDB) ListAllTransactions() ([]*Transaction, error) {
	transactions := make([]*Transaction, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(transactionsBucket)).ForEach(func(k, v []byte) error {
			var t Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			transactions = append(transactions, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTransactions(transactions)
	return transactions, nil
}

// DeleteTransactions removes the transactions of one receipt
func (b *BoltDB) DeleteTransactions(receiptID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return deletePrefix(tx.Bucket([]byte(transactionsBucket)), transactionPrefix(receiptID))
	})
}

// GetSettings returns the stored settings or an error wrapping ErrNotFound
func (b *BoltDB) GetSettings() (*Settings, error) {
	var settings *Settings
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(settingsBucket)).Get([]byte(settingsKey))
		if data == nil {
			return fmt.Errorf("settings: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings replaces the stored settings
func (b *BoltDB) SaveSettings(settings *Settings) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("marshaling settings: %w", err)
		}
		return tx.Bucket([]byte(settingsBucket)).Put([]byte(settingsKey), data)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// deletePrefix removes every key starting with prefix. Keys are collected
// first since deleting while iterating a bolt cursor skips entries.
func deletePrefix(bucket *bbolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func sortTransactions(transactions []*Transaction) {
	sort.SliceStable(transactions, func(i, j int) bool {
		a, b := transactions[i], transactions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ReceiptID != b.ReceiptID {
			return a.ReceiptID < b.ReceiptID
		}
		return a.Position < b.Position
	})
}
