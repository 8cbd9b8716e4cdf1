// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// contentionCodes are oops codes raised by ordinary concurrent contention
// rather than a fault: two processes racing to acquire the same advisory
// lock, or a subscribe/unsubscribe landing on a row another request just
// touched. Logging these at Error would page an operator for behavior the
// state machine already retries or tolerates.
var contentionCodes = map[string]bool{
	"LOCK_ALREADY_TAKEN":          true,
	"SUBSCRIPTION_ALREADY_EXISTS": true,
	"SUBSCRIPTION_NOT_FOUND":      true,
}

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code, context, and
// stacktrace, at Warn instead of Error for codes in contentionCodes.
// For standard errors, it logs the error string at Error.
func LogError(logger *slog.Logger, msg string, err error) {
	LogErrorContext(context.Background(), logger, msg, err)
}

// LogErrorContext is LogError with a context, so the trace/subscription
// attributes traceHandler extracts ride along with the error line.
func LogErrorContext(ctx context.Context, logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			"error", oopsErr.Error(),
		}
		code := oopsErr.Code()
		if code != "" {
			attrs = append(attrs, "code", code)
		}
		if errCtx := oopsErr.Context(); len(errCtx) > 0 {
			attrs = append(attrs, "context", errCtx)
		}
		if contentionCodes[code] {
			logger.WarnContext(ctx, msg, attrs...)
			return
		}
		logger.ErrorContext(ctx, msg, attrs...)
	} else {
		logger.ErrorContext(ctx, msg, "error", err)
	}
}
