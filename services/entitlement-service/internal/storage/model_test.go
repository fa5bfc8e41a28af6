package storage

import (
	"testing"
	"time"
)

func TestUsageDayUsesReferenceTimezone(t *testing.T) {
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	if got := UsageDay(ts, nil); got != "2026-03-01" {
		t.Fatalf("UTC: want 2026-03-01, got %s", got)
	}
	tokyo := time.FixedZone("UTC+9", 9*3600)
	if got := UsageDay(ts, tokyo); got != "2026-03-02" {
		t.Fatalf("UTC+9: want 2026-03-02, got %s", got)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := Migrations.ReadDir(MigrationsDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected up and down migrations, got %d files", len(entries))
	}
}
