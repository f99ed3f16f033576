package db

import (
	"testing"

	"github.com/yungbote/graphrecall/internal/platform/logger"
)

func TestConfigPostgresDSN(t *testing.T) {
	if got := (Config{}).postgresDSN(); got != "" {
		t.Fatalf("empty config should not produce a DSN, got=%q", got)
	}
	cfg := Config{Host: "db", Port: "5432", User: "u", Password: "p", Name: "graphrecall"}
	if got, want := cfg.postgresDSN(), "postgres://u:p@db:5432/graphrecall?sslmode=disable"; got != want {
		t.Fatalf("dsn: want=%q got=%q", want, got)
	}
	cfg.DSN = "postgres://override"
	if got := cfg.postgresDSN(); got != "postgres://override" {
		t.Fatalf("dsn override: got=%q", got)
	}
}

func TestOpenSQLiteAndMigrate(t *testing.T) {
	svc, err := Open(Config{SQLitePath: "file:" + t.Name() + "?mode=memory&cache=shared"}, logger.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer svc.Close()
	if svc.Driver() != "sqlite" {
		t.Fatalf("driver: got=%q", svc.Driver())
	}
	if err := AutoMigrateAll(svc.DB()); err != nil {
		t.Fatalf("AutoMigrateAll: %v", err)
	}
	if !svc.DB().Migrator().HasTable("review_session") {
		t.Fatalf("review_session table missing")
	}
}
