package schema

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestDetectSeparator(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		expect rune
	}{
		{"comma", "METER_ID,DATA_TIME,STATUS", ','},
		{"semicolon", "METER_ID;DATA_TIME;STATUS", ';'},
		{"tab", "METER_ID\tDATA_TIME\tSTATUS", '\t'},
		{"pipe", "METER_ID|DATA_TIME|STATUS", '|'},
		{"semicolon beats comma", "A;B;C;D,E", ';'},
		{"no separator defaults to comma", "METER_ID", ','},
		{"empty line defaults to comma", "", ','},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectSeparator(tt.line); got != tt.expect {
				t.Fatalf("expected separator %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestReadHeader(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		expect    []string
		expectSep rune
	}{
		{
			name:      "plain comma header",
			content:   "METER_ID,DATA_TIME,IMPORT_ACTIVE_POWER\n1,2023-10-01 00:00:00,1.5\n",
			expect:    []string{"METER_ID", "DATA_TIME", "IMPORT_ACTIVE_POWER"},
			expectSep: ',',
		},
		{
			name:      "semicolon with quotes and spaces",
			content:   "\"METER_ID\"; \"DATA_TIME\" ;\"STATUS\"\n",
			expect:    []string{"METER_ID", "DATA_TIME", "STATUS"},
			expectSep: ';',
		},
		{
			name:      "utf8 bom is stripped",
			content:   "\xef\xbb\xbfMETER_ID,DATA_TIME\n",
			expect:    []string{"METER_ID", "DATA_TIME"},
			expectSep: ',',
		},
		{
			name:      "empty fields are dropped",
			content:   "METER_ID,,DATA_TIME,\n",
			expect:    []string{"METER_ID", "DATA_TIME"},
			expectSep: ',',
		},
		{
			name:      "no trailing newline",
			content:   "METER_ID|DATA_TIME",
			expect:    []string{"METER_ID", "DATA_TIME"},
			expectSep: '|',
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempFile(t, tt.content)
			headers, sep, err := ReadHeader(path, newTestLogger())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sep != tt.expectSep {
				t.Fatalf("expected separator %q, got %q", tt.expectSep, sep)
			}
			if len(headers) != len(tt.expect) {
				t.Fatalf("expected headers %v, got %v", tt.expect, headers)
			}
			for i := range headers {
				if headers[i] != tt.expect[i] {
					t.Fatalf("expected headers %v, got %v", tt.expect, headers)
				}
			}
		})
	}
}

func TestReadHeaderMissingFileDegrades(t *testing.T) {
	headers, sep, err := ReadHeader(filepath.Join(t.TempDir(), "nope.csv"), newTestLogger())
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if headers != nil {
		t.Fatalf("expected nil headers, got %v", headers)
	}
	if sep != DefaultSeparator {
		t.Fatalf("expected degraded default separator, got %q", sep)
	}
}

func TestReadHeaderEmptyFileDegrades(t *testing.T) {
	path := writeTempFile(t, "")
	headers, _, err := ReadHeader(path, newTestLogger())
	if err == nil {
		t.Fatal("expected an error for an empty file")
	}
	if headers != nil {
		t.Fatalf("expected nil headers, got %v", headers)
	}
}
