package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/screenlink/screenlink/broker/internal/models"
)

func TestComputeFingerprintDeterministic(t *testing.T) {
	fp := &models.Fingerprint{
		CPUModel:        "Apple M3 Max",
		DiskSerial:      "S4X1NF0M",
		MotherboardUUID: "F5C8-11EE",
		MACAddresses:    []string{"aa:bb:cc:dd:ee:ff", "11:22:33:44:55:66"},
	}
	first := ComputeFingerprint(fp)
	if len(first) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(first))
	}
	if ComputeFingerprint(fp) != first {
		t.Error("Fingerprint is not deterministic")
	}
}

func TestComputeFingerprintMACOrderInsensitive(t *testing.T) {
	a := &models.Fingerprint{
		CPUModel: "cpu", DiskSerial: "disk", MotherboardUUID: "mb",
		MACAddresses: []string{"aa:aa", "bb:bb"},
	}
	b := &models.Fingerprint{
		CPUModel: "cpu", DiskSerial: "disk", MotherboardUUID: "mb",
		MACAddresses: []string{"bb:bb", "aa:aa"},
	}
	if ComputeFingerprint(a) != ComputeFingerprint(b) {
		t.Error("MAC ordering must not change the fingerprint")
	}
}

func TestComputeFingerprintComponentsMatter(t *testing.T) {
	base := &models.Fingerprint{CPUModel: "cpu", DiskSerial: "disk", MotherboardUUID: "mb"}
	changed := &models.Fingerprint{CPUModel: "cpu2", DiskSerial: "disk", MotherboardUUID: "mb"}
	if ComputeFingerprint(base) == ComputeFingerprint(changed) {
		t.Error("Different hardware must produce a different fingerprint")
	}
	if ComputeFingerprint(nil) != "" {
		t.Error("Nil fingerprint must hash to empty")
	}
}

func TestCommandLogCompleteOnlyLeavesSentOnce(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer mockDB.Close()
	cdb := NewCommandLogDB(mockDB)

	// The UPDATE is guarded on status = SENT so a terminal row never
	// transitions twice.
	mock.ExpectExec("UPDATE command_logs").
		WithArgs(models.CommandStatusTimeout, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), "log-1", models.CommandStatusSent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	errMsg := "Request timeout"
	if err := cdb.Complete(context.Background(), "log-1", models.CommandStatusTimeout, nil, &errMsg); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
