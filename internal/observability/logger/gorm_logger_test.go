package logger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{`SELECT * FROM "accounts" WHERE id = $1`, "SELECT", "accounts"},
		{`INSERT INTO "payment_transactions" ("id") VALUES ($1) ON CONFLICT DO NOTHING`, "INSERT", "payment_transactions"},
		{`UPDATE "accounts" SET "items_used"=$1 WHERE id = $2 AND version = $3`, "UPDATE", "accounts"},
		{`WITH due AS (SELECT id FROM accounts) SELECT 1`, "SELECT", "accounts"},
		{``, "UNKNOWN", "unknown"},
	}
	for _, tc := range cases {
		operation, table := describeSQL(tc.sql)
		if operation != tc.operation || table != tc.table {
			t.Fatalf("describeSQL(%q) = %s/%s, want %s/%s", tc.sql, operation, table, tc.operation, tc.table)
		}
	}
}

func TestGormLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())
	query := func() (string, int64) { return `SELECT * FROM "accounts"`, 0 }
	ctx := context.Background()

	l.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	if logs.Len() != 0 {
		t.Fatalf("record not found should be silent by default")
	}

	l.Trace(ctx, time.Now(), query, fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey))
	l.Trace(ctx, time.Now(), query, fmt.Errorf("boom"))
	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel || entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected levels %v / %v", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["table"] != "accounts" {
		t.Fatalf("expected table field, got %v", entries[1].ContextMap())
	}

	silent := l.LogMode(gormlogger.Silent)
	silent.Trace(ctx, time.Now(), query, fmt.Errorf("boom"))
	if logs.Len() != 2 {
		t.Fatalf("silent mode should not log")
	}
}
