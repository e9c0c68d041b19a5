package main

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/topupstore/internal/cfg"
	"github.com/keithlinneman/topupstore/internal/checkout"
	"github.com/keithlinneman/topupstore/internal/cryptoutil"
	"github.com/keithlinneman/topupstore/internal/health"
	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/metrics"
	"github.com/keithlinneman/topupstore/internal/nickname"
	"github.com/keithlinneman/topupstore/internal/notify"
	"github.com/keithlinneman/topupstore/internal/orders"
	"github.com/keithlinneman/topupstore/internal/proof"
	"github.com/keithlinneman/topupstore/internal/proofstore"
	"github.com/keithlinneman/topupstore/internal/ratelimit"
	"github.com/keithlinneman/topupstore/internal/ratelimit/redisstore"
	"github.com/keithlinneman/topupstore/internal/storehttp"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

// storefront is everything behind the public API
type storefront struct {
	api       *storehttp.API
	rules     *proof.RulesManager
	readiness []health.Probe
	closers   []func() error
}

// close releases resources in reverse order of creation
func (s *storefront) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// buildStorefront wires orders, proof validation, storage, notification and
// admission together. On error everything opened so far is closed.
func buildStorefront(ctx context.Context, conf cfg.App, awsCfg aws.Config, L log.Logger, m *metrics.ServerMetrics) (_ *storefront, err error) {
	sf := &storefront{}
	defer func() {
		if err != nil {
			_ = sf.close()
		}
	}()

	store, err := orders.OpenSQLite(conf.DBPath)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open order database %s", conf.DBPath)
	}
	sf.closers = append(sf.closers, store.Close)
	sf.readiness = append(sf.readiness, health.PingProbe("orders db", store, time.Second))
	if err := seedPaymentMethods(ctx, conf.PaymentMethodsFile, store, L); err != nil {
		return nil, err
	}

	sf.rules, err = proofRules(ctx, conf, L, m)
	if err != nil {
		return nil, err
	}
	// one long-lived tesseract client, languages are fixed at startup
	ocr := proof.NewTesseractWorker(ctx, proof.TesseractOptions{
		Languages:  sf.rules.Rules().Languages,
		Logger:     L,
		MaxOneShot: conf.OCROneShotMax,
	})
	sf.closers = append(sf.closers, ocr.Close)
	validator := proof.NewValidator(ocr,
		proof.WithRules(sf.rules),
		proof.WithLogger(L),
		proof.WithMetrics(m),
	)

	proofs, err := proofstore.New(s3.NewFromConfig(awsCfg), proofstore.Options{
		Bucket: conf.ProofS3Bucket,
		Prefix: conf.ProofS3Prefix,
		Logger: L,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := orderTokens(ctx, conf, awsCfg, L)
	if err != nil {
		return nil, err
	}
	notifier, err := operatorNotifier(ctx, conf, awsCfg, L)
	if err != nil {
		return nil, err
	}

	svc, err := checkout.New(checkout.Options{
		Store:         store,
		Validator:     validator,
		Proofs:        proofs,
		Notifier:      notifier,
		Tokens:        tokens,
		Logger:        L,
		Metrics:       m,
		PaymentWindow: conf.PaymentWindow,
	})
	if err != nil {
		return nil, err
	}

	admitter, err := sf.buildAdmitter(ctx, conf, L, m)
	if err != nil {
		return nil, err
	}

	sf.api = storehttp.NewAPI(storehttp.Options{
		Checkout:  svc,
		Nicknames: nickname.New(nickname.Options{BaseURL: conf.NicknameAPIURL, Logger: L}),
		Admission: admitter.Middleware,
		Logger:    L,
	})
	return sf, nil
}

func seedPaymentMethods(ctx context.Context, path string, store *orders.SQLiteStore, L log.Logger) error {
	if path == "" {
		return nil
	}
	methods, err := orders.LoadPaymentMethods(path)
	if err != nil {
		return err
	}
	for _, pm := range methods {
		if err := store.UpsertPaymentMethod(ctx, pm); err != nil {
			return xerrors.Wrapf(err, "seed payment method %s", pm.ID)
		}
	}
	L.Info(ctx, "seeded payment methods", "count", len(methods), "path", path)
	return nil
}

// proofRules loads the validation rules and, when they come from a file,
// hot reloads them on change
func proofRules(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics) (*proof.RulesManager, error) {
	if conf.ProofRulesFile == "" {
		return proof.NewRulesManager(proof.DefaultRules()), nil
	}
	rules, err := proof.LoadRules(conf.ProofRulesFile)
	if err != nil {
		return nil, err
	}
	mgr := proof.NewRulesManager(rules)

	w, err := proof.NewRulesWatcher(proof.RulesWatcherOptions{
		Path:     conf.ProofRulesFile,
		Manager:  mgr,
		Logger:   L,
		OnReload: m.ObserveRulesReload,
	})
	if err != nil {
		L.Error(ctx, err, "proof rules watch failed, edits need a restart", "path", conf.ProofRulesFile)
		return mgr, nil
	}
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			L.Error(ctx, err, "proof rules watcher stopped")
		}
	}()
	return mgr, nil
}

// orderTokens prefers the KMS key, then the local secret. With neither,
// proof uploads are not bound to the client that placed the order.
func orderTokens(ctx context.Context, conf cfg.App, awsCfg aws.Config, L log.Logger) (cryptoutil.TokenSigner, error) {
	switch {
	case conf.OrderTokenKeyARN != "":
		return cryptoutil.NewKMSMacSigner(kms.NewFromConfig(awsCfg), conf.OrderTokenKeyARN), nil
	case conf.OrderTokenSecret != "":
		s, err := cryptoutil.NewHMACSigner([]byte(conf.OrderTokenSecret))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	L.Warn(ctx, "no order token key configured, proof uploads are unsigned")
	return nil, nil
}

// operatorNotifier is nil when no telegram chat is configured
func operatorNotifier(ctx context.Context, conf cfg.App, awsCfg aws.Config, L log.Logger) (checkout.Notifier, error) {
	if conf.TelegramChatID == "" {
		L.Info(ctx, "telegram chat not configured, proof notifications disabled")
		return nil, nil
	}
	token, err := notify.LoadBotToken(ctx, ssm.NewFromConfig(awsCfg), conf.TelegramSSMParam)
	if err != nil {
		return nil, err
	}
	tg, err := notify.NewTelegram(notify.Options{
		Token:   token,
		ChatID:  conf.TelegramChatID,
		APIBase: conf.TelegramAPIBase,
	})
	if err != nil {
		return nil, err
	}
	return tg, nil
}

// buildAdmitter picks the admission store. Redis shares counts between
// instances and joins readiness; memory is pruned in the background.
func (sf *storefront) buildAdmitter(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics) (*ratelimit.Admitter, error) {
	var store ratelimit.Store
	switch conf.AdmissionStore {
	case cfg.AdmissionStoreRedis:
		rdb, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "connect admission redis %s", conf.RedisAddr)
		}
		sf.closers = append(sf.closers, rdb.Close)
		rs := redisstore.New(rdb, ratelimit.DefaultWindow, ratelimit.DefaultLockout)
		sf.readiness = append(sf.readiness, health.PingProbe("admission redis", rs, time.Second))
		store = rs
	default:
		mem := ratelimit.NewMemoryStore()
		go mem.RunPruner(ctx, time.Minute, ratelimit.DefaultWindow, time.Now)
		store = mem
	}

	return ratelimit.NewAdmitter(
		ratelimit.WithStore(store),
		ratelimit.WithLogger(L),
		ratelimit.WithOnDecision(func(key string, d ratelimit.Decision) {
			if d.Allowed {
				m.IncOrderAdmission("allowed")
				return
			}
			m.IncOrderAdmission(string(d.Reason))
			L.Warn(ctx, "order admission rejected", "client_ip", key, "reason", d.Reason, "retry_after", d.RetryAfter)
		}),
	), nil
}
