package runlog

import (
	"errors"
	"testing"

	"github.com/Napageneral/msgarchive/internal/testutil"
)

func TestRunLifecycle(t *testing.T) {
	db := testutil.OpenLedger(t)

	first, err := Start(db, "/tmp/chat.db", "/tmp/out")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := Start(db, "/tmp/chat.db", "/tmp/out2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first == second || len(first) != 36 {
		t.Fatalf("unexpected run ids %q %q", first, second)
	}

	if err := Finish(db, first, Outcome{Status: StatusPartial, ChatsSelected: 3, ChatsRendered: 2, ChatsFailed: 1, Messages: 40, Err: errors.New("disk full")}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := Finish(db, "nope", Outcome{Status: StatusSuccess}); err == nil {
		t.Fatal("finishing an unknown run should fail")
	}

	runs, err := List(db, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("List returned %d runs", len(runs))
	}
	// same second: newest insert first
	if runs[0].ID != second || runs[0].Status != StatusRunning || runs[0].FinishedAt != nil {
		t.Fatalf("runs[0] = %+v", runs[0])
	}
	r := runs[1]
	if r.Status != StatusPartial || r.ChatsRendered != 2 || r.ChatsFailed != 1 || r.Messages != 40 || r.FinishedAt == nil {
		t.Fatalf("runs[1] = %+v", r)
	}
	if r.Error == nil || *r.Error != "disk full" {
		t.Fatalf("error not recorded: %+v", r.Error)
	}
}

func TestState(t *testing.T) {
	db := testutil.OpenLedger(t)

	if _, ok, err := GetState(db, "/out", KeyLastRun); err != nil || ok {
		t.Fatalf("GetState on empty ledger = %v, %v", ok, err)
	}
	if err := SetState(db, "/out", KeyLastRun, "a"); err != nil {
		t.Fatal(err)
	}
	if err := SetState(db, "/out", KeyLastRun, "b"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := GetState(db, "/out", KeyLastRun)
	if err != nil || !ok || v != "b" {
		t.Fatalf("GetState = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := GetState(db, "/other", KeyLastRun); ok {
		t.Fatal("state leaked across output directories")
	}
}
