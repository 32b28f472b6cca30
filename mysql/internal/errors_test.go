package internal_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/mikedesigns-nvisia/Asmbli-sub015/mysql/internal"
)

func TestIsNotFound(t *testing.T) {
	if !internal.IsNotFound(sql.ErrNoRows) {
		t.Fatal("expected IsNotFound for sql.ErrNoRows")
	}
	if !internal.IsNotFound(fmt.Errorf("querying: %w", sql.ErrNoRows)) {
		t.Fatal("expected IsNotFound for a wrapped sql.ErrNoRows")
	}
	if internal.IsNotFound(errors.New("kaboom")) {
		t.Fatal("did not expect IsNotFound for an unrelated error")
	}
}

func TestIsDeadlock(t *testing.T) {
	if !internal.IsDeadlock(&mysql.MySQLError{Number: 1213}) {
		t.Fatal("expected IsDeadlock for error 1213")
	}
	if internal.IsDeadlock(&mysql.MySQLError{Number: 1205}) {
		t.Fatal("did not expect IsDeadlock for error 1205")
	}
	if internal.IsDeadlock(errors.New("kaboom")) {
		t.Fatal("did not expect IsDeadlock for an unrelated error")
	}
}

func TestIsLockWaitTimeout(t *testing.T) {
	if !internal.IsLockWaitTimeout(&mysql.MySQLError{Number: 1205}) {
		t.Fatal("expected IsLockWaitTimeout for error 1205")
	}
	if internal.IsLockWaitTimeout(&mysql.MySQLError{Number: 1213}) {
		t.Fatal("did not expect IsLockWaitTimeout for error 1213")
	}
}
