package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"stripe-checkout-service/internal/model"
)

type PaymentRepository interface {
	Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error
	Delete(ctx context.Context, payment *model.Payment) error
	DeletePendingByOrder(ctx context.Context, tx *gorm.DB, orderID string) error
	FindActiveByOrder(ctx context.Context, orderID string) (*model.Payment, error)
	FindByOrder(ctx context.Context, orderID string) (*model.Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (*model.Payment, error)
	FindBySessionForUpdate(ctx context.Context, tx *gorm.DB, orderID, sessionID string) (*model.Payment, error)
	Update(ctx context.Context, tx *gorm.DB, payment *model.Payment, fields ...string) error
}

type paymentRepoImpl struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepoImpl{
		db: db,
	}
}

func (r *paymentRepoImpl) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *paymentRepoImpl) Delete(ctx context.Context, payment *model.Payment) error {
	return r.db.WithContext(ctx).Delete(payment).Error
}

func (r *paymentRepoImpl) DeletePendingByOrder(ctx context.Context, tx *gorm.DB, orderID string) error {
	return tx.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, model.PaymentPending).
		Delete(&model.Payment{}).Error
}

// FindActiveByOrder returns the payment still counting against the
// one-active-payment rule, or nil when there is none.
func (r *paymentRepoImpl) FindActiveByOrder(ctx context.Context, orderID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, []string{model.PaymentPending, model.PaymentProcessing}).
		First(&payment).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &payment, nil
}

func (r *paymentRepoImpl) FindByOrder(ctx context.Context, orderID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&payment).Error

	if err != nil {
		return nil, err
	}

	return &payment, nil
}

func (r *paymentRepoImpl) FindByIntentID(ctx context.Context, intentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("stripe_payment_intent_id = ?", intentID).
		First(&payment).Error

	if err != nil {
		return nil, err
	}

	return &payment, nil
}

func (r *paymentRepoImpl) FindBySessionForUpdate(ctx context.Context, tx *gorm.DB, orderID, sessionID string) (*model.Payment, error) {
	var payment model.Payment
	err := forUpdate(tx.WithContext(ctx)).
		Where("order_id = ? AND stripe_checkout_session_id = ?", orderID, sessionID).
		First(&payment).Error

	if err != nil {
		return nil, err
	}

	return &payment, nil
}

func (r *paymentRepoImpl) Update(ctx context.Context, tx *gorm.DB, payment *model.Payment, fields ...string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Model(payment).
		Select(fields).
		Updates(payment).Error
}
