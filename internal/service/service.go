package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"tiendalotes/backend/internal/cache"
	"tiendalotes/backend/internal/domain"
	"tiendalotes/backend/internal/lock"
	"tiendalotes/backend/internal/store"
	"tiendalotes/backend/internal/xid"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 25 * time.Millisecond
	defaultLockTTL      = 15 * time.Second
	defaultCacheTTL     = 30 * time.Second
)

type Options struct {
	// MaxFulfillAttempts bounds how often a transaction is replayed after a
	// serialization conflict.
	MaxFulfillAttempts int
	RetryBackoff       time.Duration

	Cache    cache.ValuationCache
	CacheTTL time.Duration

	Locker  lock.Locker
	LockTTL time.Duration

	Now func() time.Time
}

type Service struct {
	repo     store.Repository
	opts     Options
	validate *validator.Validate
	folio    func(prefix string, at time.Time) string
}

func New(repo store.Repository, opts Options) *Service {
	if opts.MaxFulfillAttempts < 1 {
		opts.MaxFulfillAttempts = defaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopValuationCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return &Service{repo: repo, opts: opts, validate: v, folio: xid.Folio}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// check runs struct tag validation and reports failures per JSON field.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := &store.ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		verr.Fields[field] = describeRule(fe)
	}
	return verr
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date formatted as YYYY-MM-DD"
	default:
		return "failed " + fe.Tag()
	}
}

// requireActor resolves the caller. Ledger and sale rows are attributed to
// the actor, so an unknown or disabled account is rejected rather than
// replaced by another user.
func (s *Service) requireActor(ctx context.Context, actor domain.Actor) (domain.Actor, error) {
	username := strings.ToLower(strings.TrimSpace(actor.Username))
	if username == "" {
		return domain.Actor{}, &store.NotFoundError{Entity: "actor", ID: "(empty)"}
	}
	user, err := s.repo.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !user.Active) {
		return domain.Actor{}, &store.NotFoundError{Entity: "actor", ID: username}
	}
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{Username: user.Username, Role: user.Role}, nil
}

// inTx runs fn in a transaction and replays it when the store reports a
// serialization conflict. Exhausted retries surface as ConcurrencyError.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxFulfillAttempts; attempt++ {
		err := s.repo.RunInTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrSerialization) {
			return err
		}
		lastErr = err
		log.Warn().Str("component", "service").Str("op", op).Int("attempt", attempt).Err(err).
			Msg("serialization conflict, retrying")

		if attempt == s.opts.MaxFulfillAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.RetryBackoff * time.Duration(attempt)):
		}
	}
	return &store.ConcurrencyError{Op: op, Attempts: s.opts.MaxFulfillAttempts, Err: lastErr}
}

func (s *Service) audit(ctx context.Context, tx store.Tx, actor domain.Actor, action string, entityType string, entityID string, detail string) error {
	return tx.InsertAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	})
}

// lockOrder takes the lock guarding one order's transitions.
func (s *Service) lockOrder(ctx context.Context, orderID int64) (func(), error) {
	key := fmt.Sprintf("order:%d", orderID)
	release, err := s.opts.Locker.Obtain(ctx, key, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.Background()); err != nil {
			log.Warn().Str("component", "service").Str("lock", key).Err(err).Msg("failed to release lock")
		}
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if !to.After(from) {
		return nil, store.NewValidationError("to", "must be after from")
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}
