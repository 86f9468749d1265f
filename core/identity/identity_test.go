package identity

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithRequest(t *testing.T) {
	ctx := context.Background()
	rc := RequestContext{
		RequestID: "req-123",
		UserID:    "u1",
		ProjectID: "p1",
		Roles:     []string{"member"},
	}

	got, ok := RequestFrom(WithRequest(ctx, rc))
	if !ok {
		t.Fatal("request context should be found")
	}
	if got.RequestID != "req-123" || got.UserID != "u1" || got.ProjectID != "p1" {
		t.Errorf("unexpected request context: %+v", got)
	}
}

func TestWithRequest_FillsRequestID(t *testing.T) {
	got, _ := RequestFrom(WithRequest(context.Background(), RequestContext{UserID: "u1"}))
	if !strings.HasPrefix(got.RequestID, "req-") {
		t.Errorf("RequestID = %q, want req- prefix", got.RequestID)
	}
}

func TestRequestFrom_Empty(t *testing.T) {
	if _, ok := RequestFrom(context.Background()); ok {
		t.Error("empty context should not carry a request")
	}
	if id := RequestID(context.Background()); id != "" {
		t.Errorf("RequestID = %q, want empty", id)
	}
}

func TestNewAdminContext(t *testing.T) {
	a, b := NewAdminContext(), NewAdminContext()
	if !a.IsAdmin {
		t.Error("admin context should be admin")
	}
	if a.RequestID == b.RequestID {
		t.Error("admin contexts should get distinct request ids")
	}
}

func TestRequestContext_WireNames(t *testing.T) {
	data, err := json.Marshal(RequestContext{RequestID: "req-1", UserID: "u", IsAdmin: true})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, key := range []string{`"request_id":"req-1"`, `"user_id":"u"`, `"is_admin":true`} {
		if !strings.Contains(s, key) {
			t.Errorf("encoded context %s missing %s", s, key)
		}
	}
	if strings.Contains(s, "project_id") {
		t.Errorf("empty project_id should be omitted: %s", s)
	}
}
