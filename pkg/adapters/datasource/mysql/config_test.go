package mysql

import (
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestFromMap_DSN(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"host":     "mysql.internal",
		"port":     "3307",
		"user":     "etl",
		"password": "p@ss:w/rd",
		"database": "shop",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	parsed, err := mysql.ParseDSN(cfg.DSN(5 * time.Second))
	if err != nil {
		t.Fatalf("DSN does not parse: %v", err)
	}
	if parsed.Passwd != "p@ss:w/rd" {
		t.Errorf("password did not round-trip, got %q", parsed.Passwd)
	}
	if parsed.Addr != "mysql.internal:3307" {
		t.Errorf("unexpected addr %q", parsed.Addr)
	}
	if !parsed.ParseTime {
		t.Error("expected parseTime")
	}
	if parsed.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", parsed.Timeout)
	}
}

func TestFromMap_MissingFields(t *testing.T) {
	for _, d := range []map[string]any{
		{"user": "u", "database": "d"},
		{"host": "h", "database": "d"},
		{"host": "h", "user": "u"},
	} {
		if _, err := FromMap(d); err == nil {
			t.Errorf("expected error for %v", d)
		}
	}
}
