package database

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
)

// inTestContext reports whether the process is a Go test binary. The drop
// gates fail closed outside of one.
func inTestContext() bool {
	return strings.HasSuffix(os.Args[0], ".test")
}

// DropTestDB destroys the whole database. It fails with ErrPreconditionFailed
// unless the process is a test binary and the database identifier starts with
// the configured test prefix. Both checks run before any backend call.
func (db *DB) DropTestDB(ctx context.Context) error {
	if err := db.check(); err != nil {
		return err
	}
	if !inTestContext() {
		return fmt.Errorf("%w: DropTestDB outside of a test binary", ErrPreconditionFailed)
	}
	if !strings.HasPrefix(db.dbID, db.testPrefix) {
		return fmt.Errorf(
			"%w: database %q does not start with the test prefix %q",
			ErrPreconditionFailed, db.dbID, db.testPrefix,
		)
	}
	glog.Warningf("database: dropping test database %s", db.dbID)
	return db.drop(ctx)
}

// DropTempDB destroys the whole database. It fails with ErrPreconditionFailed
// unless the caller passes explicit approval and the database identifier
// starts with the configured temp prefix. Both checks run before any backend
// call.
func (db *DB) DropTempDB(ctx context.Context, userApproval bool) error {
	if err := db.check(); err != nil {
		return err
	}
	if !userApproval {
		return fmt.Errorf("%w: DropTempDB without user approval", ErrPreconditionFailed)
	}
	if !strings.HasPrefix(db.dbID, db.tempPrefix) {
		return fmt.Errorf(
			"%w: database %q does not start with the temp prefix %q",
			ErrPreconditionFailed, db.dbID, db.tempPrefix,
		)
	}
	glog.Warningf("database: dropping temp database %s", db.dbID)
	return db.drop(ctx)
}

func (db *DB) drop(ctx context.Context) error {
	db.bindings.Purge()
	db.boundMu.Lock()
	db.bound = map[string]bool{BindingTable + "|" + bindingTypeName: true}
	db.boundMu.Unlock()
	return db.backend.Drop(ctx)
}
