package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"testing"
)

func TestSetupWithWriterEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter(&buf, "lendingd", "test")
	logger.Info("loan created", "loanId", 7, MaskField("jwtSecret", "hunter2"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["message"] != "loan created" || line["severity"] != "INFO" {
		t.Fatalf("unexpected envelope: %v", line)
	}
	if line["service"] != "lendingd" || line["env"] != "test" {
		t.Fatalf("missing service attributes: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
	if line["jwtSecret"] != RedactedValue {
		t.Fatalf("secret not masked: %v", line["jwtSecret"])
	}
}

func TestStdlibBridge(t *testing.T) {
	var buf bytes.Buffer
	SetupWithWriter(&buf, "lendingd", "")
	log.Printf("legacy %d", 1)
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"legacy 1"`)) {
		t.Fatalf("stdlib log not bridged: %s", buf.String())
	}
}

func TestMaskFieldAllowlist(t *testing.T) {
	if attr := MaskField("borrower", "vlt1abc"); attr.Value.String() != "vlt1abc" {
		t.Fatalf("allowlisted key masked: %v", attr)
	}
	if attr := MaskField("token", "abc"); attr.Value.String() != RedactedValue {
		t.Fatalf("token not masked: %v", attr)
	}
	if attr := MaskField("token", ""); attr.Value.String() != "" {
		t.Fatalf("empty value should pass through: %v", attr)
	}
}
