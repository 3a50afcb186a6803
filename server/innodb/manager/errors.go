package manager

import "github.com/pkg/errors"

// 事务管理器错误
var (
	ErrInvalidTrxState        = errors.New("invalid transaction state")
	ErrTxFinished             = errors.New("transaction already finished")
	ErrWriteTransactionActive = errors.New("another write transaction is active")
	ErrReadOnlyTransaction    = errors.New("transaction is read only")
	ErrManagerClosed          = errors.New("transaction manager closed")
)
