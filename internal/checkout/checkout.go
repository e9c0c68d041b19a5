// Package checkout is the order flow behind the public API: placing an order,
// attaching a payment proof to it and reading it back.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/keithlinneman/topupstore/internal/cryptoutil"
	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/notify"
	"github.com/keithlinneman/topupstore/internal/orders"
	"github.com/keithlinneman/topupstore/internal/proof"
	"github.com/keithlinneman/topupstore/internal/proofstore"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

// DefaultPaymentWindow is how long a pending order accepts a proof
const DefaultPaymentWindow = 3 * time.Hour

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrExpired      = errors.New("payment window expired")
)

type OrderStore interface {
	CreateOrder(ctx context.Context, o orders.Order) (orders.Order, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	RecordProof(ctx context.Context, id string, p orders.ProofRecord) error
	GetPaymentMethod(ctx context.Context, id string) (orders.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, activeOnly bool) ([]orders.PaymentMethod, error)
}

type ProofValidator interface {
	Validate(ctx context.Context, up proof.Upload, exp proof.Expectation, progress proof.ProgressFunc) (proof.Result, error)
}

type ProofStore interface {
	Put(ctx context.Context, orderID string, data []byte) (proofstore.Object, error)
	Delete(ctx context.Context, key string) error
}

type Notifier interface {
	SendPhoto(ctx context.Context, caption, filename string, data []byte) error
	SendMessage(ctx context.Context, text string) error
}

// Metrics is implemented by the metrics package
type Metrics interface {
	IncOrdersCreated()
	IncNotifyFailure()
}

type Options struct {
	Store     OrderStore
	Validator ProofValidator
	Proofs    ProofStore

	// optional: no notification when nil
	Notifier Notifier
	// optional: proof uploads are not token-checked when nil
	Tokens cryptoutil.TokenSigner

	Logger        log.Logger
	Metrics       Metrics
	PaymentWindow time.Duration
	Now           func() time.Time
}

type Service struct {
	store     OrderStore
	validator ProofValidator
	proofs    ProofStore
	notifier  Notifier
	tokens    cryptoutil.TokenSigner
	logger    log.Logger
	metrics   Metrics
	window    time.Duration
	now       func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Validator == nil || opts.Proofs == nil {
		return nil, xerrors.New("checkout requires a store, a validator and a proof store")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PaymentWindow <= 0 {
		opts.PaymentWindow = DefaultPaymentWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     opts.Store,
		validator: opts.Validator,
		proofs:    opts.Proofs,
		notifier:  opts.Notifier,
		tokens:    opts.Tokens,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		window:    opts.PaymentWindow,
		now:       opts.Now,
	}, nil
}

type NewOrder struct {
	GameTitle       string            `json:"gameTitle"`
	AccountData     map[string]string `json:"accountData"`
	NominalName     string            `json:"nominalName"`
	TotalAmount     int64             `json:"totalAmount"`
	PaymentMethodID string            `json:"paymentMethodId"`
	ProductSlug     string            `json:"productSlug"`
	Nickname        string            `json:"nickname"`
}

type Placed struct {
	Order      orders.Order
	ProofToken string
}

func invalid(format string, args ...any) error {
	return xerrors.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}

func (n NewOrder) validate() error {
	var errs []error
	if strings.TrimSpace(n.GameTitle) == "" {
		errs = append(errs, invalid("gameTitle is required"))
	}
	hasAccount := false
	for _, v := range n.AccountData {
		if strings.TrimSpace(v) != "" {
			hasAccount = true
			break
		}
	}
	if !hasAccount {
		errs = append(errs, invalid("accountData is required"))
	}
	if strings.TrimSpace(n.NominalName) == "" {
		errs = append(errs, invalid("nominalName is required"))
	}
	if n.TotalAmount <= 0 {
		errs = append(errs, invalid("totalAmount must be positive"))
	}
	if strings.TrimSpace(n.PaymentMethodID) == "" {
		errs = append(errs, invalid("paymentMethodId is required"))
	}
	return errors.Join(errs...)
}

// Place creates a pending order and, when tokens are configured, the token
// the buyer needs to upload its proof
func (s *Service) Place(ctx context.Context, n NewOrder) (Placed, error) {
	if err := n.validate(); err != nil {
		return Placed{}, err
	}

	pm, err := s.store.GetPaymentMethod(ctx, n.PaymentMethodID)
	if errors.Is(err, orders.ErrNotFound) || (err == nil && !pm.Active) {
		return Placed{}, invalid("payment method %s is not available", n.PaymentMethodID)
	}
	if err != nil {
		return Placed{}, err
	}

	o, err := s.store.CreateOrder(ctx, orders.Order{
		GameTitle:       strings.TrimSpace(n.GameTitle),
		AccountData:     n.AccountData,
		NominalName:     strings.TrimSpace(n.NominalName),
		TotalAmount:     n.TotalAmount,
		PaymentMethod:   pm.Label,
		PaymentMethodID: pm.ID,
		ProductSlug:     n.ProductSlug,
		Nickname:        strings.TrimSpace(n.Nickname),
	})
	if err != nil {
		return Placed{}, err
	}
	if s.metrics != nil {
		s.metrics.IncOrdersCreated()
	}
	s.logger.Info(ctx, "order placed",
		"order_id", o.ID,
		"game", o.GameTitle,
		"amount", o.TotalAmount,
		"payment_method", pm.ID,
	)

	placed := Placed{Order: o}
	if s.tokens != nil {
		tok, err := s.tokens.Sign(ctx, o.ID)
		if err != nil {
			return Placed{}, xerrors.Wrapf(err, "sign order token for %s", o.ID)
		}
		placed.ProofToken = tok
	}
	return placed, nil
}

type ProofSubmission struct {
	OrderID string
	Token   string
	Upload  proof.Upload
}

type ProofReceipt struct {
	OrderID  string
	Result   proof.Result
	ProofKey string
}

func expectationFor(pm orders.PaymentMethod, amount int64) proof.Expectation {
	return proof.Expectation{
		Method: &proof.PaymentMethod{
			Type:          pm.Type,
			AccountNumber: pm.AccountNumber,
			AccountName:   pm.AccountName,
		},
		Amount: amount,
	}
}

// SubmitProof validates a proof against its order and, unless rejected,
// stores the original upload and moves the order to processing. A rejection
// or processing failure leaves the order untouched.
func (s *Service) SubmitProof(ctx context.Context, sub ProofSubmission, progress proof.ProgressFunc) (ProofReceipt, error) {
	if s.tokens != nil {
		if err := s.tokens.Verify(ctx, sub.OrderID, sub.Token); err != nil {
			return ProofReceipt{}, err
		}
	}

	o, err := s.store.GetOrder(ctx, sub.OrderID)
	if err != nil {
		return ProofReceipt{}, err
	}
	if o.Status != orders.StatusPending {
		return ProofReceipt{}, xerrors.Wrapf(orders.ErrNotPending, "order %s is %s", o.ID, o.Status)
	}
	if s.now().After(o.CreatedAt.Add(s.window)) {
		return ProofReceipt{}, xerrors.Wrapf(ErrExpired, "order %s", o.ID)
	}

	exp := proof.Expectation{Amount: o.TotalAmount}
	pm, err := s.store.GetPaymentMethod(ctx, o.PaymentMethodID)
	switch {
	case err == nil:
		exp = expectationFor(pm, o.TotalAmount)
	case errors.Is(err, orders.ErrNotFound):
		s.logger.Warn(ctx, "order payment method no longer exists, skipping method checks",
			"order_id", o.ID, "payment_method_id", o.PaymentMethodID)
	default:
		return ProofReceipt{}, err
	}

	receipt := ProofReceipt{OrderID: o.ID}
	res, err := s.validator.Validate(ctx, sub.Upload, exp, progress)
	receipt.Result = res
	if err != nil {
		return receipt, err
	}

	obj, err := s.proofs.Put(ctx, o.ID, sub.Upload.Data)
	if err != nil {
		return receipt, err
	}
	receipt.ProofKey = obj.Key

	err = s.store.RecordProof(ctx, o.ID, orders.ProofRecord{
		Key:      obj.Key,
		SHA256:   obj.SHA256,
		Outcome:  string(res.Outcome),
		Warnings: res.Warnings,
	})
	if errors.Is(err, orders.ErrNotPending) {
		// another submission for this order was recorded between our status
		// check and now
		s.discardProof(ctx, o.ID, obj.Key)
	}
	if err != nil {
		return receipt, err
	}
	s.logger.Info(ctx, "payment proof attached",
		"order_id", o.ID,
		"outcome", res.Outcome,
		"warnings", len(res.Warnings),
		"key", obj.Key,
	)

	s.notifyProof(ctx, o, res, obj, sub.Upload.Data)
	return receipt, nil
}

// notifyProof failures are logged and counted, the proof is already stored
func (s *Service) notifyProof(ctx context.Context, o orders.Order, res proof.Result, obj proofstore.Object, data []byte) {
	if s.notifier == nil {
		return
	}
	caption := notify.ProofCaption{
		OrderID:       o.ID,
		GameTitle:     o.GameTitle,
		AccountData:   o.AccountData,
		Nickname:      o.Nickname,
		NominalName:   o.NominalName,
		TotalAmount:   o.TotalAmount,
		PaymentMethod: o.PaymentMethod,
		Outcome:       string(res.Outcome),
		Warnings:      res.Warnings,
		UploadedAt:    s.now(),
	}

	// the buyer may disconnect once the proof is stored, the operator still needs it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
	defer cancel()
	err := s.notifier.SendPhoto(ctx, caption.String(), path.Base(obj.Key), data)
	if err == nil {
		return
	}
	s.logger.Warn(ctx, "proof photo notification failed, sending text only", "order_id", o.ID, "err", err)

	// the operator can still fetch the stored original
	text := caption.String() + "\n\nFoto bukti gagal dikirim, tersimpan di `" + obj.URL + "`"
	if err := s.notifier.SendMessage(ctx, text); err != nil {
		if s.metrics != nil {
			s.metrics.IncNotifyFailure()
		}
		s.logger.Error(ctx, err, "operator notification failed", "order_id", o.ID)
	}
}

// discardProof removes an upload that lost the race to another submission.
// Identical bytes share the winner's key, that object stays.
func (s *Service) discardProof(ctx context.Context, orderID, key string) {
	ctx = context.WithoutCancel(ctx)
	cur, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		s.logger.Error(ctx, err, "payment proof may be orphaned in storage", "order_id", orderID, "key", key)
		return
	}
	if cur.ProofKey == key {
		return
	}
	if err := s.proofs.Delete(ctx, key); err != nil {
		s.logger.Error(ctx, err, "payment proof orphaned in storage", "order_id", orderID, "key", key)
		return
	}
	s.logger.Warn(ctx, "discarded payment proof from a concurrent submission", "order_id", orderID, "key", key)
}

// Precheck runs the validator for a payment method and amount without an
// order, so the storefront can screen a file before submitting it
func (s *Service) Precheck(ctx context.Context, up proof.Upload, paymentMethodID string, amount int64, progress proof.ProgressFunc) (proof.Result, error) {
	exp := proof.Expectation{Amount: amount}
	if paymentMethodID != "" {
		pm, err := s.store.GetPaymentMethod(ctx, paymentMethodID)
		if err != nil && !errors.Is(err, orders.ErrNotFound) {
			return proof.Result{}, err
		}
		if err == nil {
			exp = expectationFor(pm, amount)
		}
	}
	return s.validator.Validate(ctx, up, exp, progress)
}

func (s *Service) Lookup(ctx context.Context, id string) (orders.Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *Service) PaymentMethods(ctx context.Context) ([]orders.PaymentMethod, error) {
	return s.store.ListPaymentMethods(ctx, true)
}
