package notify

import (
	"fmt"
	"testing"
)

func TestIngestAndList(t *testing.T) {
	c := NewCenter(10, nil)

	n, err := c.Ingest([]byte(`{"title":"Order shipped","body":"Order #42 is on its way","url":"/orders/42","extra":{"ignored":true}}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n.Title != "Order shipped" || n.Body != "Order #42 is on its way" || n.URL != "/orders/42" {
		t.Fatalf("notification = %+v", n)
	}

	if _, err := c.Ingest([]byte(`{"body":"no title here"}`)); err != nil {
		t.Fatalf("ingest untitled: %v", err)
	}

	got := c.List()
	if len(got) != 2 {
		t.Fatalf("list len = %d, want 2", len(got))
	}
	// Newest first; missing title gets a generic one.
	if got[0].Title != "New notification" || got[1].Title != "Order shipped" {
		t.Fatalf("list = [%s, %s]", got[0].Title, got[1].Title)
	}
}

func TestIngestRejectsGarbage(t *testing.T) {
	c := NewCenter(10, nil)
	if _, err := c.Ingest([]byte(`{"title":`)); err == nil {
		t.Fatal("truncated payload should be rejected")
	}
}

func TestDismiss(t *testing.T) {
	c := NewCenter(10, nil)
	n, err := c.Ingest([]byte(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := c.Dismiss(n.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := c.Dismiss(n.ID); err != ErrNotFound {
		t.Fatalf("second dismiss = %v, want ErrNotFound", err)
	}
	if len(c.List()) != 0 {
		t.Fatal("list should be empty after dismiss")
	}
}

func TestRingBound(t *testing.T) {
	c := NewCenter(3, nil)
	for i := 0; i < 5; i++ {
		if _, err := c.Ingest([]byte(fmt.Sprintf(`{"title":"n%d"}`, i))); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	got := c.List()
	if len(got) != 3 {
		t.Fatalf("list len = %d, want 3", len(got))
	}
	if got[0].Title != "n4" || got[2].Title != "n2" {
		t.Fatalf("ring kept wrong items: [%s .. %s]", got[0].Title, got[2].Title)
	}
}
