package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
)

func TestClient_Submit_ValidationMakesNoSideEffects(t *testing.T) {
	store := NewSQLStore(openTestDB(t, "client_validate"))
	ledger := &fakeLedger{}
	comp := NewCompensator(store, ledger, nil)
	client := NewClient(asynq.RedisClientOpt{}, store, ledger, comp, ClientOptions{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing prompt", SubmitRequest{OwnerID: "u1", ImageRefs: []string{"r"}, OutputType: "image"}},
		{"missing images", SubmitRequest{OwnerID: "u1", Prompt: "p", OutputType: "image"}},
		{"missing type", SubmitRequest{OwnerID: "u1", Prompt: "p", ImageRefs: []string{"r"}}},
		{"missing owner", SubmitRequest{Prompt: "p", ImageRefs: []string{"r"}, OutputType: "image"}},
	}
	for _, tc := range cases {
		_, err := client.Submit(ctx, tc.req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: want ValidationError got %v", tc.name, err)
		}
	}
	if reserved, _, _ := ledger.stats(); reserved != 0 {
		t.Fatalf("validation failure must not reserve credits")
	}
}

func TestTaskID_DeterministicWithClientRef(t *testing.T) {
	a := taskID(SubmitRequest{OwnerID: "u1", ClientRef: "retry-42"})
	b := taskID(SubmitRequest{OwnerID: "u1", ClientRef: "retry-42"})
	if a != b {
		t.Fatalf("same owner and ref must map to one id: %s vs %s", a, b)
	}
	if c := taskID(SubmitRequest{OwnerID: "u2", ClientRef: "retry-42"}); c == a {
		t.Fatalf("different owners must not collide")
	}
	if d := taskID(SubmitRequest{OwnerID: "u1", ClientRef: "retry-43"}); d == a {
		t.Fatalf("different refs must not collide")
	}
	if e := taskID(SubmitRequest{OwnerID: "u1"}); e == taskID(SubmitRequest{OwnerID: "u1"}) {
		t.Fatalf("without a ref ids must be unique")
	}
}
