package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// transactionKeyPrefix is the Redis key prefix for consent transactions.
const transactionKeyPrefix = "oauth:txn:"

// transactionTTL bounds how long a consent prompt can sit unanswered.
const transactionTTL = 10 * time.Minute

// TransactionStore parks consent transactions in Redis between the
// authorize dialog and the decision. GETDEL makes consumption atomic, so a
// replayed decision cannot double-append the authorized client.
type TransactionStore struct {
	rdb *redis.Client
}

// NewTransactionStore creates a transaction store on the given Redis client.
func NewTransactionStore(rdb *redis.Client) *TransactionStore {
	return &TransactionStore{rdb: rdb}
}

// Create assigns the transaction an id and stores it with the TTL.
func (s *TransactionStore) Create(ctx context.Context, txn *Transaction) (string, error) {
	txn.ID = uuid.NewString()

	data, err := json.Marshal(txn)
	if err != nil {
		return "", fmt.Errorf("marshaling transaction: %w", err)
	}

	key := transactionKeyPrefix + txn.ID
	if err := s.rdb.Set(ctx, key, data, transactionTTL).Err(); err != nil {
		return "", fmt.Errorf("storing transaction: %w", err)
	}
	return txn.ID, nil
}

// Consume retrieves and deletes the transaction in one step. A second call
// for the same id fails with Conflict -- that's the replayed-decision case.
func (s *TransactionStore) Consume(ctx context.Context, id string) (*Transaction, error) {
	key := transactionKeyPrefix + id

	data, err := s.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.NewConflict("transaction already consumed or expired")
	}
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("reading transaction: %w", err))
	}

	var txn Transaction
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("unmarshaling transaction: %w", err))
	}
	return &txn, nil
}
