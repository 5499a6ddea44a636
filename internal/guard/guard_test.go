package guard

import (
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"patchgate/internal/plan"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAssertAndReserveIdempotent(t *testing.T) {
	store := NewStore()
	req := Request{
		SessionKey:  "run-1/w-1",
		OperationID: "op-1",
		Effects:     EffectSet{Files: []string{"src/a.ts"}, Symbols: []string{"handleLogin"}},
	}

	for i := 0; i < 3; i++ {
		if err := store.AssertAndReserve(req); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	if got := len(store.Reservations("run-1/w-1")); got != 1 {
		t.Errorf("got %d reservations, want 1", got)
	}
}

// Re-declaring an operation with a different effect set must accumulate, not
// replace: resources reserved by the first declaration stay held for the
// session.
func TestRedeclarationAccumulatesEffects(t *testing.T) {
	store := NewStore()
	if err := store.AssertAndReserve(Request{
		SessionKey: "s", OperationID: "op-1",
		Effects: EffectSet{Files: []string{"src/a.ts"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AssertAndReserve(Request{
		SessionKey: "s", OperationID: "op-1",
		Effects: EffectSet{Files: []string{"src/b.ts"}, Symbols: []string{"src/b.ts#fnB"}},
	}); err != nil {
		t.Fatalf("re-declaration of own operation rejected: %v", err)
	}

	// Both the original and the re-declared resources are held.
	for _, file := range []string{"src/a.ts", "src/b.ts"} {
		err := store.AssertAndReserve(Request{
			SessionKey: "s", OperationID: "op-" + file,
			Effects: EffectSet{Files: []string{file}},
		})
		if plan.CodeOf(err) != plan.CodeExecSideEffectCollision {
			t.Errorf("%s: got %v, want %s", file, err, plan.CodeExecSideEffectCollision)
		}
	}

	res := store.Reservations("s")
	if len(res) != 1 {
		t.Fatalf("got %d reservations, want 1", len(res))
	}
	if got := res[0].Effects.Files; len(got) != 2 || got[0] != "src/a.ts" || got[1] != "src/b.ts" {
		t.Errorf("merged files = %v, want [src/a.ts src/b.ts]", got)
	}
}

func TestCollisionPerDimension(t *testing.T) {
	tests := []struct {
		name    string
		held    EffectSet
		request EffectSet
	}{
		{"file overlap", EffectSet{Files: []string{"src/a.ts"}}, EffectSet{Files: []string{"src/a.ts"}}},
		{"symbol overlap", EffectSet{Symbols: []string{"handleLogin"}}, EffectSet{Symbols: []string{"handleLogin"}}},
		{"graph overlap", EffectSet{GraphMutations: []string{"g-1"}}, EffectSet{GraphMutations: []string{"g-1"}}},
		{
			"external overlap",
			EffectSet{ExternalSideEffects: []string{"deploy-1"}},
			EffectSet{ExternalSideEffects: []string{"deploy-1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			gates := []string{"deploy-1"}
			if err := store.AssertAndReserve(Request{
				SessionKey: "s", OperationID: "op-1", Effects: tt.held, ApprovedExternalGates: gates,
			}); err != nil {
				t.Fatalf("first reservation failed: %v", err)
			}

			err := store.AssertAndReserve(Request{
				SessionKey: "s", OperationID: "op-2", Effects: tt.request, ApprovedExternalGates: gates,
			})
			if plan.CodeOf(err) != plan.CodeExecSideEffectCollision {
				t.Fatalf("got %v, want %s", err, plan.CodeExecSideEffectCollision)
			}
		})
	}
}

func TestDisjointEffectsCoexist(t *testing.T) {
	store := NewStore()
	if err := store.AssertAndReserve(Request{
		SessionKey: "s", OperationID: "op-1",
		Effects: EffectSet{Files: []string{"src/a.ts"}, Symbols: []string{"fnA"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AssertAndReserve(Request{
		SessionKey: "s", OperationID: "op-2",
		Effects: EffectSet{Files: []string{"src/b.ts"}, Symbols: []string{"fnB"}},
	}); err != nil {
		t.Fatalf("disjoint effect sets must coexist: %v", err)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	store := NewStore()
	effects := EffectSet{Files: []string{"src/a.ts"}}
	if err := store.AssertAndReserve(Request{SessionKey: "s1", OperationID: "op-1", Effects: effects}); err != nil {
		t.Fatal(err)
	}
	if err := store.AssertAndReserve(Request{SessionKey: "s2", OperationID: "op-2", Effects: effects}); err != nil {
		t.Fatalf("same file in a different session must not collide: %v", err)
	}
}

func TestUngatedExternalEffectRejectsBeforeReserving(t *testing.T) {
	store := NewStore()
	err := store.AssertAndReserve(Request{
		SessionKey:  "s",
		OperationID: "op-1",
		Effects: EffectSet{
			Files:               []string{"src/a.ts"},
			ExternalSideEffects: []string{"deploy-1"},
		},
	})
	if plan.CodeOf(err) != plan.CodeExecUngatedSideEffect {
		t.Fatalf("got %v, want %s", err, plan.CodeExecUngatedSideEffect)
	}

	// No partial reservation: the file must still be claimable.
	if got := len(store.Reservations("s")); got != 0 {
		t.Fatalf("ungated rejection left %d reservations", got)
	}
	if err := store.AssertAndReserve(Request{
		SessionKey: "s", OperationID: "op-2",
		Effects: EffectSet{Files: []string{"src/a.ts"}},
	}); err != nil {
		t.Fatalf("file was reserved despite ungated rejection: %v", err)
	}
}

func TestUngatedCheckPrecedesCollisionCheck(t *testing.T) {
	store := NewStore()
	if err := store.AssertAndReserve(Request{
		SessionKey: "s", OperationID: "op-1",
		Effects: EffectSet{Files: []string{"src/a.ts"}},
	}); err != nil {
		t.Fatal(err)
	}

	// Colliding file AND ungated effect: the gate check wins.
	err := store.AssertAndReserve(Request{
		SessionKey: "s", OperationID: "op-2",
		Effects: EffectSet{
			Files:               []string{"src/a.ts"},
			ExternalSideEffects: []string{"deploy-1"},
		},
	})
	if plan.CodeOf(err) != plan.CodeExecUngatedSideEffect {
		t.Fatalf("got %v, want %s (gate check must precede collision scan)", err, plan.CodeExecUngatedSideEffect)
	}
}

func TestGatedExternalEffectReserves(t *testing.T) {
	store := NewStore()
	if err := store.AssertAndReserve(Request{
		SessionKey:            "s",
		OperationID:           "op-1",
		Effects:               EffectSet{ExternalSideEffects: []string{"deploy-1"}},
		ApprovedExternalGates: []string{"deploy-1", "notify-2"},
	}); err != nil {
		t.Fatalf("gated effect rejected: %v", err)
	}
}

func TestEffectNormalization(t *testing.T) {
	store := NewStore()
	if err := store.AssertAndReserve(Request{
		SessionKey:  "s",
		OperationID: "op-1",
		Effects:     EffectSet{Files: []string{" src/a.ts ", "src/a.ts", "", "src/b.ts"}},
	}); err != nil {
		t.Fatal(err)
	}

	res := store.Reservations("s")
	if len(res) != 1 {
		t.Fatalf("got %d reservations, want 1", len(res))
	}
	want := []string{"src/a.ts", "src/b.ts"}
	got := res[0].Effects.Files
	if len(got) != len(want) {
		t.Fatalf("normalized files = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalized files = %v, want %v", got, want)
		}
	}
}

func TestMissingKeysRejected(t *testing.T) {
	store := NewStore()
	if err := store.AssertAndReserve(Request{OperationID: "op"}); err == nil {
		t.Error("missing session key accepted")
	}
	if err := store.AssertAndReserve(Request{SessionKey: "s"}); err == nil {
		t.Error("missing operation id accepted")
	}
}

// Concurrent reservations against one session: exactly one operation may win
// each contested file, and the store must stay consistent under the race.
func TestConcurrentReservationsSingleWinnerPerFile(t *testing.T) {
	store := NewStore()
	const workers = 16

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.AssertAndReserve(Request{
				SessionKey:  "s",
				OperationID: fmt.Sprintf("op-%d", i),
				Effects:     EffectSet{Files: []string{"src/contested.ts"}},
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if plan.CodeOf(err) != plan.CodeExecSideEffectCollision {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("got %d winners for one contested file, want 1", winners)
	}
	if got := len(store.Reservations("s")); got != 1 {
		t.Errorf("got %d reservations, want 1", got)
	}
}
