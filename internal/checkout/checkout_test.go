package checkout

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/topupstore/internal/cryptoutil"
	"github.com/keithlinneman/topupstore/internal/orders"
	"github.com/keithlinneman/topupstore/internal/proof"
	"github.com/keithlinneman/topupstore/internal/proofstore"
)

type fakeValidator struct {
	res  proof.Result
	err  error
	exps []proof.Expectation
}

func (f *fakeValidator) Validate(ctx context.Context, up proof.Upload, exp proof.Expectation, progress proof.ProgressFunc) (proof.Result, error) {
	f.exps = append(f.exps, exp)
	if progress != nil {
		progress(100)
	}
	return f.res, f.err
}

type fakeProofStore struct {
	puts    [][]byte
	deleted []string
	err     error
	// afterPut runs once the object is stored, before the order is updated
	afterPut func(orderID string)
}

func proofKey(orderID string, data []byte) string {
	return "proofs/" + orderID + "/" + cryptoutil.Sum(data).Hex() + ".jpg"
}

func (f *fakeProofStore) Put(ctx context.Context, orderID string, data []byte) (proofstore.Object, error) {
	if f.err != nil {
		return proofstore.Object{}, f.err
	}
	f.puts = append(f.puts, data)
	if f.afterPut != nil {
		f.afterPut(orderID)
	}
	key := proofKey(orderID, data)
	return proofstore.Object{Key: key, SHA256: cryptoutil.Sum(data).Hex(), URL: "s3://bucket/" + key}, nil
}

func (f *fakeProofStore) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	captions []string
	photos   [][]byte
	messages []string
	err      error
	msgErr   error
}

func (f *fakeNotifier) SendMessage(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return f.msgErr
}

func (f *fakeNotifier) SendPhoto(ctx context.Context, caption, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captions = append(f.captions, caption)
	f.photos = append(f.photos, data)
	return f.err
}

type spyMetrics struct{ created, notifyFailures int }

func (s *spyMetrics) IncOrdersCreated() { s.created++ }
func (s *spyMetrics) IncNotifyFailure() { s.notifyFailures++ }

type harness struct {
	svc       *Service
	store     *orders.SQLiteStore
	validator *fakeValidator
	proofs    *fakeProofStore
	notifier  *fakeNotifier
	metrics   *spyMetrics
	now       time.Time
}

func newHarness(t *testing.T, withTokens bool) *harness {
	t.Helper()
	store, err := orders.OpenSQLite(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, m := range []orders.PaymentMethod{
		{ID: "pm-bca", Type: "transfer", Label: "BCA", AccountName: "PT Topup Nusantara", AccountNumber: "1234567890", Active: true},
		{ID: "pm-off", Type: "transfer", Label: "Off", Active: false},
	} {
		if err := store.UpsertPaymentMethod(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	h := &harness{
		store:     store,
		validator: &fakeValidator{res: proof.Result{Outcome: proof.OutcomeAccepted, Warnings: []string{}}},
		proofs:    &fakeProofStore{},
		notifier:  &fakeNotifier{},
		metrics:   &spyMetrics{},
		now:       time.Now().UTC(),
	}
	opts := Options{
		Store:     store,
		Validator: h.validator,
		Proofs:    h.proofs,
		Notifier:  h.notifier,
		Metrics:   h.metrics,
		Now:       func() time.Time { return h.now },
	}
	if withTokens {
		signer, err := cryptoutil.NewHMACSigner(bytes.Repeat([]byte("s"), 32))
		if err != nil {
			t.Fatal(err)
		}
		opts.Tokens = signer
	}
	h.svc, err = New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func validOrder() NewOrder {
	return NewOrder{
		GameTitle:       "Mobile Legends",
		AccountData:     map[string]string{"userId": "123", "zoneId": "45"},
		NominalName:     "86 Diamonds",
		TotalAmount:     20000,
		PaymentMethodID: "pm-bca",
	}
}

func TestPlace(t *testing.T) {
	h := newHarness(t, true)
	placed, err := h.svc.Place(context.Background(), validOrder())
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if placed.Order.Status != orders.StatusPending || placed.Order.PaymentMethod != "BCA" {
		t.Fatalf("order = %+v", placed.Order)
	}
	if placed.ProofToken == "" {
		t.Fatal("expected a proof token")
	}
	if h.metrics.created != 1 {
		t.Fatalf("created metric = %d", h.metrics.created)
	}
}

func TestPlace_Invalid(t *testing.T) {
	h := newHarness(t, false)
	tests := map[string]func(*NewOrder){
		"no title":        func(n *NewOrder) { n.GameTitle = " " },
		"no account":      func(n *NewOrder) { n.AccountData = map[string]string{"userId": ""} },
		"no nominal":      func(n *NewOrder) { n.NominalName = "" },
		"zero amount":     func(n *NewOrder) { n.TotalAmount = 0 },
		"unknown method":  func(n *NewOrder) { n.PaymentMethodID = "pm-nope" },
		"inactive method": func(n *NewOrder) { n.PaymentMethodID = "pm-off" },
	}
	for name, mutate := range tests {
		n := validOrder()
		mutate(&n)
		if _, err := h.svc.Place(context.Background(), n); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("%s: err = %v, want ErrInvalidOrder", name, err)
		}
	}
}

func TestSubmitProof_StoresOriginalAndNotifies(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	placed, _ := h.svc.Place(ctx, validOrder())
	h.validator.res = proof.Result{Outcome: proof.OutcomeFlagged, Warnings: []string{"Nominal Rp 20.000 tidak ditemukan pada bukti pembayaran."}}

	data := []byte("original upload bytes")
	receipt, err := h.svc.SubmitProof(ctx, ProofSubmission{
		OrderID: placed.Order.ID,
		Token:   placed.ProofToken,
		Upload:  proof.Upload{Name: "bukti.jpg", Data: data},
	}, nil)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if receipt.Result.Outcome != proof.OutcomeFlagged || receipt.ProofKey == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	exp := h.validator.exps[0]
	if exp.Amount != 20000 || exp.Method == nil || exp.Method.AccountNumber != "1234567890" || exp.Method.Type != "transfer" {
		t.Fatalf("expectation = %+v / %+v", exp, exp.Method)
	}
	if len(h.proofs.puts) != 1 || !bytes.Equal(h.proofs.puts[0], data) {
		t.Fatal("proof store did not receive the original bytes")
	}

	o, _ := h.store.GetOrder(ctx, placed.Order.ID)
	if o.Status != orders.StatusProcessing || o.ProofOutcome != "flagged" || len(o.ProofWarnings) != 1 {
		t.Fatalf("order after proof = %+v", o)
	}

	if len(h.notifier.captions) != 1 || !strings.Contains(h.notifier.captions[0], placed.Order.ID) {
		t.Fatalf("captions = %v", h.notifier.captions)
	}
	if !strings.Contains(h.notifier.captions[0], "tidak ditemukan") {
		t.Fatal("caption should carry the validator warnings")
	}
	if !bytes.Equal(h.notifier.photos[0], data) {
		t.Fatal("notification should carry the original bytes")
	}
}

func TestSubmitProof_RejectedLeavesOrderUntouched(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	placed, _ := h.svc.Place(ctx, validOrder())
	h.validator.res = proof.Result{Outcome: proof.OutcomeRejected, Reason: "not a receipt"}
	h.validator.err = proof.ErrInsufficientEvidence

	receipt, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: placed.Order.ID, Upload: proof.Upload{Data: []byte("x")}}, nil)
	if !errors.Is(err, proof.ErrProofRejected) {
		t.Fatalf("err = %v, want ErrProofRejected", err)
	}
	if receipt.Result.Reason != "not a receipt" {
		t.Fatalf("receipt = %+v", receipt)
	}
	o, _ := h.store.GetOrder(ctx, placed.Order.ID)
	if o.Status != orders.StatusPending || o.ProofKey != "" {
		t.Fatalf("order changed after rejection: %+v", o)
	}
	if len(h.proofs.puts) != 0 || len(h.notifier.captions) != 0 {
		t.Fatal("rejected proof must not be stored or notified")
	}
}

func TestSubmitProof_ProcessingFailureLeavesOrderUntouched(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	placed, _ := h.svc.Place(ctx, validOrder())
	h.validator.res = proof.Result{}
	h.validator.err = proof.ErrProcessingFailed

	if _, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: placed.Order.ID, Upload: proof.Upload{Data: []byte("x")}}, nil); !errors.Is(err, proof.ErrProcessingFailed) {
		t.Fatalf("err = %v", err)
	}
	if o, _ := h.store.GetOrder(ctx, placed.Order.ID); o.Status != orders.StatusPending {
		t.Fatalf("status = %s", o.Status)
	}
}

func TestSubmitProof_Guards(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	placed, _ := h.svc.Place(ctx, validOrder())
	up := proof.Upload{Data: []byte("x")}

	if _, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: placed.Order.ID, Token: "forged", Upload: up}, nil); !errors.Is(err, cryptoutil.ErrInvalidToken) {
		t.Fatalf("bad token err = %v", err)
	}

	other, _ := h.svc.tokens.Sign(ctx, "missing")
	if _, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: "missing", Token: other, Upload: up}, nil); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("missing order err = %v", err)
	}

	h.now = h.now.Add(DefaultPaymentWindow + time.Minute)
	if _, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: placed.Order.ID, Token: placed.ProofToken, Upload: up}, nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired err = %v", err)
	}
}

func TestSubmitProof_OnlyOnce(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	placed, _ := h.svc.Place(ctx, validOrder())
	sub := ProofSubmission{OrderID: placed.Order.ID, Upload: proof.Upload{Data: []byte("x")}}

	if _, err := h.svc.SubmitProof(ctx, sub, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.SubmitProof(ctx, sub, nil); !errors.Is(err, orders.ErrNotPending) {
		t.Fatalf("second submit err = %v, want ErrNotPending", err)
	}
}

func TestSubmitProof_NotifyFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	placed, _ := h.svc.Place(ctx, validOrder())
	h.notifier.err = errors.New("telegram down")
	h.notifier.msgErr = errors.New("telegram down")

	if _, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: placed.Order.ID, Upload: proof.Upload{Data: []byte("x")}}, nil); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if h.metrics.notifyFailures != 1 {
		t.Fatalf("notify failures = %d", h.metrics.notifyFailures)
	}
}

func TestSubmitProof_PhotoFailureFallsBackToText(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	placed, _ := h.svc.Place(ctx, validOrder())
	h.notifier.err = errors.New("photo too large")

	data := []byte("x")
	if _, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: placed.Order.ID, Upload: proof.Upload{Data: data}}, nil); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if len(h.notifier.messages) != 1 {
		t.Fatalf("text messages = %d, want 1", len(h.notifier.messages))
	}
	msg := h.notifier.messages[0]
	if !strings.Contains(msg, placed.Order.ID) || !strings.Contains(msg, "s3://bucket/"+proofKey(placed.Order.ID, data)) {
		t.Fatalf("fallback text = %q", msg)
	}
	if h.metrics.notifyFailures != 0 {
		t.Fatalf("notify failures = %d, operator was still told", h.metrics.notifyFailures)
	}
}

func TestSubmitProof_ConcurrentSubmissionDiscardsLoser(t *testing.T) {
	tests := []struct {
		name        string
		winner      []byte
		wantDeleted bool
	}{
		{"different upload", []byte("winner"), true},
		{"same bytes share the key", []byte("loser"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			ctx := context.Background()
			placed, _ := h.svc.Place(ctx, validOrder())
			id := placed.Order.ID

			// the other submission lands while ours is uploading
			h.proofs.afterPut = func(orderID string) {
				h.proofs.afterPut = nil
				if err := h.store.RecordProof(ctx, orderID, orders.ProofRecord{
					Key: proofKey(orderID, tt.winner), Outcome: string(proof.OutcomeAccepted),
				}); err != nil {
					t.Fatalf("RecordProof: %v", err)
				}
			}

			loser := []byte("loser")
			_, err := h.svc.SubmitProof(ctx, ProofSubmission{OrderID: id, Upload: proof.Upload{Data: loser}}, nil)
			if !errors.Is(err, orders.ErrNotPending) {
				t.Fatalf("err = %v, want ErrNotPending", err)
			}

			if tt.wantDeleted {
				if len(h.proofs.deleted) != 1 || h.proofs.deleted[0] != proofKey(id, loser) {
					t.Fatalf("deleted = %v, want only the losing upload", h.proofs.deleted)
				}
			} else if len(h.proofs.deleted) != 0 {
				t.Fatalf("deleted = %v, the recorded proof must stay", h.proofs.deleted)
			}

			got, err := h.store.GetOrder(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if got.ProofKey != proofKey(id, tt.winner) {
				t.Fatalf("ProofKey = %q, want the winner's", got.ProofKey)
			}
			if len(h.notifier.captions) != 0 {
				t.Fatal("the losing submission must not notify")
			}
		})
	}
}

func TestPrecheck(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.svc.Precheck(context.Background(), proof.Upload{Data: []byte("x")}, "pm-bca", 5000, nil); err != nil {
		t.Fatal(err)
	}
	exp := h.validator.exps[0]
	if exp.Method == nil || exp.Method.AccountName != "PT Topup Nusantara" || exp.Amount != 5000 {
		t.Fatalf("expectation = %+v", exp)
	}

	if _, err := h.svc.Precheck(context.Background(), proof.Upload{Data: []byte("x")}, "", 0, nil); err != nil {
		t.Fatal(err)
	}
	if h.validator.exps[1].Method != nil {
		t.Fatal("no method id should mean no method expectation")
	}
}

func TestPaymentMethods_ActiveOnly(t *testing.T) {
	h := newHarness(t, false)
	ms, err := h.svc.PaymentMethods(context.Background())
	if err != nil || len(ms) != 1 || ms[0].ID != "pm-bca" {
		t.Fatalf("methods = %+v, %v", ms, err)
	}
}
