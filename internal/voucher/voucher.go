// Package voucher issues and redeems the single-use registration
// credentials that gate onboarding. Issuance runs under SERIALIZABLE
// isolation so the five-active-vouchers cap holds even under concurrent
// requests.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/pkg/models"
)

// ErrVoucherLimit is returned when the issuer already holds the maximum
// number of active vouchers.
var ErrVoucherLimit = errors.New("active voucher limit reached")

// ErrInvalidVoucher is returned on redeem when the code does not exist,
// is expired, or was already redeemed.
var ErrInvalidVoucher = errors.New("voucher invalid or already redeemed")

// Service issues and redeems vouchers.
type Service struct {
	store store.Store
}

// NewService creates a voucher service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Issue mints a voucher for the issuer. The count-then-insert runs in one
// SERIALIZABLE transaction; a concurrent issuance that would break the cap
// aborts with a serialization failure, which is surfaced to the caller
// rather than retried — at most one caller in a concurrent burst wins.
func (s *Service) Issue(ctx context.Context, issuerID string) (*models.Voucher, error) {
	var issued *models.Voucher

	err := s.store.TxSerializable(ctx, func(tx store.Store) error {
		n, err := tx.CountActiveVouchers(ctx, issuerID)
		if err != nil {
			return err
		}
		if n >= models.MaxActiveVouchers {
			return ErrVoucherLimit
		}

		code, err := crypto.RandomHex(32)
		if err != nil {
			return fmt.Errorf("generate voucher code: %w", err)
		}
		now := time.Now().UTC()
		v := &models.Voucher{
			ID:        uuid.New().String(),
			Code:      code,
			IssuerID:  issuerID,
			ExpiresAt: now.Add(models.VoucherTTL),
			CreatedAt: now,
		}
		if err := tx.CreateVoucher(ctx, v); err != nil {
			return err
		}
		issued = v
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrSerialization) {
			return nil, fmt.Errorf("issue voucher: %w", err)
		}
		return nil, err
	}
	log.Info().Str("issuer", issuerID).Str("voucher", issued.ID).Msg("Voucher issued")
	return issued, nil
}

// Validate checks that the code names a redeemable voucher without
// consuming it.
func (s *Service) Validate(ctx context.Context, code string) (*models.Voucher, error) {
	v, err := s.store.FindVoucherByCode(ctx, code)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrInvalidVoucher
		}
		return nil, err
	}
	if !v.Active(time.Now()) {
		return nil, ErrInvalidVoucher
	}
	return v, nil
}

// Redeem atomically consumes the voucher for the redeemer. Exactly one
// concurrent redeemer wins; everyone else gets ErrInvalidVoucher.
func (s *Service) Redeem(ctx context.Context, code, redeemerID string) (*models.Voucher, error) {
	v, err := s.store.RedeemVoucher(ctx, code, redeemerID)
	if err != nil {
		return nil, fmt.Errorf("redeem voucher: %w", err)
	}
	if v == nil {
		return nil, ErrInvalidVoucher
	}
	log.Info().Str("voucher", v.ID).Str("redeemer", redeemerID).Msg("Voucher redeemed")
	return v, nil
}

// List returns the issuer's vouchers that are still active.
func (s *Service) ListActive(ctx context.Context, issuerID string) (int, error) {
	return s.store.CountActiveVouchers(ctx, issuerID)
}
