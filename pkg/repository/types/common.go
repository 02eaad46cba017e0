package types

import (
	"context"
	"time"
)

// Transaction represents a database transaction
type Transaction interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	Commit() error
	Rollback() error
}

// TxOptions configures transaction behavior
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
	Timeout   time.Duration
}

// IsolationLevel represents transaction isolation levels
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

// SortOrder represents sort direction
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// PageInfo contains pagination metadata
type PageInfo struct {
	TotalCount int64
	HasMore    bool
}

// TimeRange represents a time interval
type TimeRange struct {
	Start time.Time
	End   time.Time
}
