package mailbox

import (
	"testing"
	"time"
)

func TestSendWritesMessageToRecipientInbox(t *testing.T) {
	dir := t.TempDir()
	if err := Send(dir, Message{To: "coordinator-1", From: "scout-1", Subject: "done", Body: "finished scouting", Type: "worker_done"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, _, err := Check(dir, "coordinator-1", 0, time.Now())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(msgs) != 1 || msgs[0].From != "scout-1" || msgs[0].Subject != "done" {
		t.Fatalf("expected one message from scout-1, got %+v", msgs)
	}
}

func TestCheckConsumesMessages(t *testing.T) {
	dir := t.TempDir()
	if err := Send(dir, Message{To: "coordinator-1", From: "scout-1", Subject: "a", Body: "b", Type: "result"}); err != nil {
		t.Fatal(err)
	}

	first, _, err := Check(dir, "coordinator-1", 0, time.Now())
	if err != nil || len(first) != 1 {
		t.Fatalf("expected one message on first check, got %+v err=%v", first, err)
	}

	second, _, err := Check(dir, "coordinator-1", 0, time.Now())
	if err != nil || len(second) != 0 {
		t.Fatalf("expected no messages on second check, got %+v err=%v", second, err)
	}
}

func TestCheckHonorsDebounceWindow(t *testing.T) {
	dir := t.TempDir()
	if err := Send(dir, Message{To: "builder-1", From: "lead-1", Subject: "a", Body: "b", Type: "result"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	msgs, checked, err := Check(dir, "builder-1", 30_000, now)
	if err != nil || !checked || len(msgs) != 1 {
		t.Fatalf("expected first check to run, got msgs=%+v checked=%v err=%v", msgs, checked, err)
	}

	if err := Send(dir, Message{To: "builder-1", From: "lead-1", Subject: "c", Body: "d", Type: "result"}); err != nil {
		t.Fatal(err)
	}
	msgs, checked, err = Check(dir, "builder-1", 30_000, now.Add(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if checked {
		t.Fatalf("expected debounce window to suppress check, got msgs=%+v", msgs)
	}

	msgs, checked, err = Check(dir, "builder-1", 30_000, now.Add(31*time.Second))
	if err != nil || !checked || len(msgs) != 1 {
		t.Fatalf("expected check after debounce window elapsed, got msgs=%+v checked=%v err=%v", msgs, checked, err)
	}
}

func TestCheckOnEmptyInboxReturnsNoMessages(t *testing.T) {
	dir := t.TempDir()
	msgs, checked, err := Check(dir, "nobody", 0, time.Now())
	if err != nil || !checked || len(msgs) != 0 {
		t.Fatalf("expected empty result for unknown inbox, got msgs=%+v checked=%v err=%v", msgs, checked, err)
	}
}
