// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package store

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

// ErrSubscriptionAlreadyExists names a rejected duplicate insert on the
// (stream_uuid, subscription_name) unique constraint. Nothing in this
// package returns it: SubscriptionStore.Subscribe's upsert absorbs that
// race and returns the existing row.
var ErrSubscriptionAlreadyExists = oops.Code("SUBSCRIPTION_ALREADY_EXISTS").Errorf("subscription already exists for this stream")

// IsUniqueViolation reports whether err is a Postgres unique-violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
