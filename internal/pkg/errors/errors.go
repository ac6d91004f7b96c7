package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/smriti-backend/internal/pkg/httpx"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrMissingConfig      = errors.New("missing configuration")
	ErrServiceUnavailable = errors.New("external service unavailable")
	ErrLeaseLost          = errors.New("lease lost")
)

// Kind groups item-level failures by how a stage reacts to them.
type Kind string

const (
	KindTransient        Kind = "transient"
	KindPermanentContent Kind = "permanent_content"
	KindPersistence      Kind = "persistence"
	KindEncryption       Kind = "encryption"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error { return wrap(KindTransient, op, err) }
func PermanentContent(op string, err error) error { return wrap(KindPermanentContent, op, err) }
func Persistence(op string, err error) error { return wrap(KindPersistence, op, err) }
func Encryption(op string, err error) error { return wrap(KindEncryption, op, err) }

// PermanentContentf builds a PermanentContentError from a message.
func PermanentContentf(op string, format string, args ...any) error {
	return wrap(KindPermanentContent, op, fmt.Errorf(format, args...))
}

// KindOf returns the explicit kind of err, falling back to Classify.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }
func IsPermanentContent(err error) bool { return err != nil && KindOf(err) == KindPermanentContent }
func IsPersistence(err error) bool { return err != nil && KindOf(err) == KindPersistence }
func IsEncryption(err error) bool { return err != nil && KindOf(err) == KindEncryption }

// Classify maps an untyped error from a driver or client onto the taxonomy.
// Unknown errors are treated as transient so they are retried until the
// attempt budget is exhausted.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return KindPersistence
	}
	if errors.Is(err, gorm.ErrInvalidTransaction) || errors.Is(err, gorm.ErrInvalidDB) {
		return KindPersistence
	}
	if errors.Is(err, context.Canceled) {
		return KindTransient
	}
	if httpx.IsRetryableError(err) {
		return KindTransient
	}
	switch code := httpx.StatusCode(err); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		// credentials or model config, not the item
		return KindTransient
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		return KindPermanentContent
	}
	return KindTransient
}

// IsUniqueViolation reports a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
