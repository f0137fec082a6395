package ts3

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("query timed out")
	ErrClosed       = errors.New("connection closed")
)

// Well-known query error ids.
const (
	ErrIDOK            = 0
	ErrIDInvalidID     = 512
	ErrIDNicknameInUse = 513
	ErrIDEmptyResult   = 1281
)

// QueryError is a non-zero error response from the server, carrying
// the id and unescaped message from the terminating error line.
type QueryError struct {
	ID      int
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: id=%d msg=%s", e.ID, e.Message)
}
