package factory

import (
	"path/filepath"
	"testing"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "h.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path DSN", filepath.Join(t.TempDir(), "bare.db"), false},
		{"OpenSearch DSN", "opensearch://localhost:9200/backend-logs", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	tests := []struct {
		dsn, addr, table string
	}{
		{"clickhouse://ch:9000?table=events", "ch:9000", "events"},
		{"clickhouse://ch:9000", "ch:9000", DefaultTable},
		{"clickhouse://", "localhost:9000", DefaultTable},
	}
	for _, tt := range tests {
		addr, table, err := parseClickHouseDSN(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if addr != tt.addr || table != tt.table {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tt.dsn, addr, table, tt.addr, tt.table)
		}
	}
}

func TestParseOpenSearchDSN(t *testing.T) {
	tests := []struct {
		dsn, base, index string
	}{
		{"opensearch://localhost:9200/logs", "http://localhost:9200", "logs"},
		{"opensearch://localhost:9200", "http://localhost:9200", DefaultIndex},
		{"elasticsearch://es:9200/events?tls=true", "https://es:9200", "events"},
	}
	for _, tt := range tests {
		base, index, err := parseOpenSearchDSN(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if base != tt.base || index != tt.index {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tt.dsn, base, index, tt.base, tt.index)
		}
	}
}

func TestNewSinks_ClosesOnFailure(t *testing.T) {
	if _, err := NewSinks([]string{"sqlite://:memory:", "bogus://x"}); err == nil {
		t.Fatal("expected error")
	}
	sinks, err := NewSinks([]string{"sqlite://:memory:"})
	if err != nil || len(sinks) != 1 {
		t.Fatalf("got %v, %v", sinks, err)
	}
}
