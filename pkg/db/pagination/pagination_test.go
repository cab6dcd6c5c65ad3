package pagination

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor.ID != "42" {
		t.Fatalf("expected id 42, got %q", cursor.ID)
	}
	if _, err := DecodeCursor("%%%"); err != ErrInvalidPageToken {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestBuildCursorPageInfo(t *testing.T) {
	a, b, c := 1, 2, 3
	rows, info := BuildCursorPageInfo([]*int{&a, &b, &c}, 2, func(v *int) string {
		if *v == 2 {
			return "two"
		}
		return "other"
	})
	if len(rows) != 2 || !info.HasMore || info.NextPageToken != "two" {
		t.Fatalf("unexpected page: rows=%d info=%+v", len(rows), info)
	}

	rows, info = BuildCursorPageInfo([]*int{&a}, 2, func(*int) string { return "x" })
	if len(rows) != 1 || info.HasMore || info.NextPageToken != "" {
		t.Fatalf("unexpected last page: rows=%d info=%+v", len(rows), info)
	}
}

func TestSize(t *testing.T) {
	if got := (Pagination{}).Size(); got != DefaultPageSize {
		t.Fatalf("expected default size, got %d", got)
	}
	if got := (Pagination{PageSize: 1000}).Size(); got != MaxPageSize {
		t.Fatalf("expected max size, got %d", got)
	}
}
